// Package exchange negotiates per-peer AES session keys over the relay using
// RSA key wrapping. The initiating side asks the server for the peer's public
// key, generates a fresh AES key and sends it wrapped; the receiving side
// unwraps it with its private key. Either side may initiate; whichever key
// arrives last replaces the previous one.
package exchange

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/cryptox"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

// Store persists negotiated session keys so a restarted client can decrypt
// old history. A nil Store disables persistence.
type Store interface {
	SaveSessionKey(ctx context.Context, peerID string, key []byte) error
}

// SendFunc delivers a payload to the server.
type SendFunc func(protocol.Payload) error

// Manager owns the client's RSA identity and the table of per-peer session
// keys. All methods are safe for concurrent use.
type Manager struct {
	userID string
	priv   *rsa.PrivateKey
	pub    string
	send   SendFunc
	store  Store

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewManager(userID string, send SendFunc, store Store) (*Manager, error) {
	priv, err := cryptox.GenerateRSAKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pub, err := cryptox.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &Manager{
		userID: userID,
		priv:   priv,
		pub:    pub,
		send:   send,
		store:  store,
		keys:   make(map[string][]byte),
	}, nil
}

// PublicKey returns the base64 PKIX encoding of this client's RSA public key,
// suitable for a login request.
func (m *Manager) PublicKey() string { return m.pub }

// Initiate asks the server for peerID's public key. The negotiation continues
// in HandleResponse when the server answers.
func (m *Manager) Initiate(peerID string) error {
	return m.send(protocol.NewKeyExchangeRequest(m.userID, peerID))
}

// HandleResponse completes the active side of the negotiation: it generates a
// fresh AES key, remembers it for the peer and sends it wrapped with the
// peer's public key.
func (m *Manager) HandleResponse(ctx context.Context, resp *protocol.KeyExchangeResponse) error {
	if !resp.Success {
		return fmt.Errorf("key exchange with %s rejected: %s", resp.TargetUserID, resp.Message)
	}

	peerPub, err := cryptox.ParsePublicKey(resp.TargetPublicKey)
	if err != nil {
		return fmt.Errorf("parse public key of %s: %w", resp.TargetUserID, err)
	}

	key, err := cryptox.GenerateAESKey()
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}

	wrapped, err := cryptox.RSAEncrypt(key, peerPub)
	if err != nil {
		return fmt.Errorf("wrap session key: %w", err)
	}

	m.putKey(ctx, resp.TargetUserID, key)

	return m.send(protocol.NewAESKeyExchange(m.userID, resp.TargetUserID, wrapped))
}

// HandleKeyDelivery completes the passive side: it unwraps the session key a
// peer sent us and adopts it, replacing any key negotiated earlier.
func (m *Manager) HandleKeyDelivery(ctx context.Context, msg *protocol.AESKeyExchange) error {
	key, err := cryptox.RSADecrypt(msg.EncryptedAESKey, m.priv)
	if err != nil {
		return fmt.Errorf("unwrap session key from %s: %w", msg.Sender(), err)
	}
	if len(key) < cryptox.AESKeySize {
		return fmt.Errorf("session key from %s: %w", msg.Sender(), common.ErrMalformedPayload)
	}

	m.putKey(ctx, msg.Sender(), key[:cryptox.AESKeySize])
	return nil
}

// Restore installs a previously persisted session key without touching the
// store. Used when loading the vault at startup.
func (m *Manager) Restore(peerID string, key []byte) {
	m.mu.Lock()
	m.keys[peerID] = key
	m.mu.Unlock()
}

// Key returns the current session key for peerID, if one exists.
func (m *Manager) Key(peerID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[peerID]
	return key, ok
}

// Encrypt encrypts plaintext with the session key shared with peerID.
// Returns common.ErrNotFound when no key has been negotiated yet.
func (m *Manager) Encrypt(peerID, plaintext string) (string, error) {
	key, ok := m.Key(peerID)
	if !ok {
		return "", fmt.Errorf("no session key for %s: %w", peerID, common.ErrNotFound)
	}
	return cryptox.AESEncrypt([]byte(plaintext), key)
}

// Decrypt decrypts ciphertext received from peerID.
func (m *Manager) Decrypt(peerID, encoded string) (string, error) {
	key, ok := m.Key(peerID)
	if !ok {
		return "", fmt.Errorf("no session key for %s: %w", peerID, common.ErrNotFound)
	}
	plain, err := cryptox.AESDecrypt(encoded, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (m *Manager) putKey(ctx context.Context, peerID string, key []byte) {
	m.mu.Lock()
	m.keys[peerID] = key
	m.mu.Unlock()

	if m.store != nil {
		// Persistence is best-effort: a failed save only costs history
		// readability after a restart.
		_ = m.store.SaveSessionKey(ctx, peerID, key)
	}
}
