// Package vault stores the client's negotiated session keys and chat history
// in a local SQLite database. Key material and message text are encrypted at
// rest under a key derived from the user's password, so the file on disk is
// useless without it.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/chatrelay/internal/cryptox"
)

// CannotDecrypt is shown in place of history entries that were written under
// a different password.
const CannotDecrypt = "[cannot decrypt]"

// Message is one decrypted history line.
type Message struct {
	ID       string
	Peer     string
	IsSender bool
	Text     string
	SentAt   time.Time
}

// Vault is the vault of a single user. It satisfies exchange.Store.
type Vault struct {
	owner string
	key   []byte
	repo  Repository
}

// Open binds a vault to the given owner. The vault key is derived from the
// password; a wrong password yields a vault whose old entries read as
// CannotDecrypt.
func Open(owner, password string, repo Repository) *Vault {
	return &Vault{
		owner: owner,
		key:   cryptox.DeriveKeyFromPassword(password),
		repo:  repo,
	}
}

// SaveSessionKey stores a negotiated per-peer AES key, replacing any earlier
// one for the same peer.
func (v *Vault) SaveSessionKey(ctx context.Context, peerID string, key []byte) error {
	blob, err := cryptox.AESEncrypt(key, v.key)
	if err != nil {
		return fmt.Errorf("seal session key: %w", err)
	}
	return v.repo.UpsertSessionKey(ctx, &SessionKey{Owner: v.owner, Peer: peerID, Blob: blob})
}

// SessionKeys returns all stored session keys by peer id. Blobs sealed under
// a different password are skipped.
func (v *Vault) SessionKeys(ctx context.Context) (map[string][]byte, error) {
	stored, err := v.repo.ListSessionKeys(ctx, v.owner)
	if err != nil {
		return nil, err
	}

	keys := make(map[string][]byte, len(stored))
	for _, k := range stored {
		plain, err := cryptox.AESDecrypt(k.Blob, v.key)
		if err != nil {
			continue
		}
		keys[k.Peer] = plain
	}
	return keys, nil
}

// RecordMessage appends one chat line to the history. Burn-after-read
// messages must not be recorded; that is the caller's responsibility.
func (v *Vault) RecordMessage(ctx context.Context, peerID string, isSender bool, text string) error {
	sealed, err := cryptox.AESEncrypt([]byte(text), v.key)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	return v.repo.AddHistory(ctx, &HistoryEntry{
		ID:        uuid.NewString(),
		Owner:     v.owner,
		Peer:      peerID,
		IsSender:  isSender,
		Content:   sealed,
		CreatedAt: time.Now().UTC(),
	})
}

// History returns the conversation with peerID in chronological order.
// Entries sealed under a different password come back as CannotDecrypt.
func (v *Vault) History(ctx context.Context, peerID string) ([]Message, error) {
	entries, err := v.repo.ListHistory(ctx, v.owner, peerID)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		text := CannotDecrypt
		if plain, err := cryptox.AESDecrypt(e.Content, v.key); err == nil {
			text = string(plain)
		}
		msgs = append(msgs, Message{
			ID:       e.ID,
			Peer:     e.Peer,
			IsSender: e.IsSender,
			Text:     text,
			SentAt:   e.CreatedAt,
		})
	}
	return msgs, nil
}

// DeleteMessage removes one history entry by id.
func (v *Vault) DeleteMessage(ctx context.Context, id string) error {
	return v.repo.DeleteHistory(ctx, v.owner, id)
}
