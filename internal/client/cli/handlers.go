package cli

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/chatrelay/internal/client/vault"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

// handleInbound runs on the session's dispatch goroutine.
func (a *App) handleInbound(p protocol.Payload) {
	switch m := p.(type) {
	case *protocol.KeyExchangeResponse:
		if err := a.exch.HandleResponse(a.ctx, m); err != nil {
			a.printf("key exchange failed: %v", err)
			return
		}
		a.printf("session key sent to %s", m.TargetUserID)

	case *protocol.AESKeyExchange:
		if err := a.exch.HandleKeyDelivery(a.ctx, m); err != nil {
			a.printf("key delivery from %s failed: %v", m.Sender(), err)
			return
		}
		a.printf("secure channel with %s is ready", m.Sender())

	case *protocol.TextMessage:
		a.handleText(m)

	case *protocol.BurnAfterRead:
		text, err := a.exch.Decrypt(m.Sender(), m.EncryptedContent)
		if err != nil {
			text = vault.CannotDecrypt
		}
		// Shown once, never stored.
		a.printf("[burn] %s: %s", m.Sender(), text)

	case *protocol.ImageMessage:
		a.handleImage(m)
	}
}

func (a *App) handlePresence(online []string) {
	a.mu.Lock()
	a.online = online
	a.mu.Unlock()
	a.printf("online: %s", strings.Join(online, ", "))
}

func (a *App) handleText(m *protocol.TextMessage) {
	sender := m.Sender()

	// Server notices and public-channel traffic travel in the clear.
	if sender == protocol.SystemID {
		a.printf("[server] %s", m.Content)
		return
	}
	if m.TargetUserID == protocol.Broadcast {
		a.printf("[public] %s: %s", sender, m.Content)
		return
	}

	text, err := a.exch.Decrypt(sender, m.Content)
	if err != nil {
		a.printf("%s: %s", sender, vault.CannotDecrypt)
		return
	}
	if err := a.vlt.RecordMessage(a.ctx, sender, false, text); err != nil {
		a.logger.Warn(a.ctx, "history write failed", "error", err)
	}
	a.printf("%s: %s", sender, text)
}

func (a *App) handleImage(m *protocol.ImageMessage) {
	data, err := base64.StdEncoding.DecodeString(m.Base64Content)
	if err != nil {
		a.printf("unreadable image from %s", m.Sender())
		return
	}

	name := fmt.Sprintf("%s_%d.img", m.Sender(), time.Now().UnixMilli())
	if err := os.WriteFile(name, data, 0o600); err != nil {
		a.printf("cannot save image from %s: %v", m.Sender(), err)
		return
	}

	if err := a.vlt.RecordMessage(a.ctx, m.Sender(), false, "[image: "+name+"]"); err != nil {
		a.logger.Warn(a.ctx, "history write failed", "error", err)
	}
	a.printf("%s sent an image, saved as %s", m.Sender(), name)
}
