package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

func (a *App) List() {
	a.mu.Lock()
	online := a.online
	a.mu.Unlock()

	if len(online) == 0 {
		a.printf("nobody is online")
		return
	}
	a.printf("online: %s", strings.Join(online, ", "))
}

// Chat starts a key negotiation with peer. The result arrives asynchronously
// as an AES_KEY_EXCHANGE or a failure notice.
func (a *App) Chat(peer string) error {
	if err := a.exch.Initiate(peer); err != nil {
		return err
	}
	a.printf("negotiating a secure channel with %s...", peer)
	return nil
}

func (a *App) SendText(peer, text string) error {
	ct, err := a.exch.Encrypt(peer, text)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.printf("no secure channel with %s yet, run: chat %s", peer, peer)
			return nil
		}
		return err
	}
	if err := a.sess.Send(protocol.NewTextMessage(a.sess.UserID(), peer, ct)); err != nil {
		return err
	}
	return a.vlt.RecordMessage(a.ctx, peer, true, text)
}

func (a *App) Burn(peer, text string) error {
	ct, err := a.exch.Encrypt(peer, text)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			a.printf("no secure channel with %s yet, run: chat %s", peer, peer)
			return nil
		}
		return err
	}
	// Never recorded, on either side.
	return a.sess.Send(protocol.NewBurnAfterRead(a.sess.UserID(), peer, ct))
}

func (a *App) Image(peer, path string) error {
	if peer == protocol.Broadcast {
		a.printf("images cannot be sent to the public channel")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// The relayed frame lands on another client, which enforces the
	// client-side frame limit. Leave room for the envelope fields.
	if base64.StdEncoding.EncodedLen(len(data)) > protocol.MaxClientFrame-1024 {
		return fmt.Errorf("%s is too large to send", path)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if err := a.sess.Send(protocol.NewImageMessage(a.sess.UserID(), peer, encoded)); err != nil {
		return err
	}
	return a.vlt.RecordMessage(a.ctx, peer, true, "[image: "+path+"]")
}

func (a *App) History(peer string) error {
	msgs, err := a.vlt.History(a.ctx, peer)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		a.printf("no history with %s", peer)
		return nil
	}
	for _, m := range msgs {
		who := m.Peer
		if m.IsSender {
			who = "me"
		}
		a.printf("%s  %s: %s", m.SentAt.Local().Format("2006-01-02 15:04:05"), who, m.Text)
	}
	return nil
}

// All posts to the public channel. Broadcast traffic is plaintext inside the
// TLS tunnel; pairwise session keys cannot cover the whole room.
func (a *App) All(text string) error {
	return a.sess.Send(protocol.NewTextMessage(a.sess.UserID(), protocol.Broadcast, text))
}
