package protocol

import "time"

// Type discriminates the payload union. The values are part of the wire
// format and must not be changed.
type Type string

const (
	TypeLoginRequest        Type = "LOGIN_REQUEST"
	TypeLoginResponse       Type = "LOGIN_RESPONSE"
	TypeKeyExchangeRequest  Type = "KEY_EXCHANGE_REQUEST"
	TypeKeyExchangeResponse Type = "KEY_EXCHANGE_RESPONSE"
	TypeAESKeyExchange      Type = "AES_KEY_EXCHANGE"
	TypeTextMessage         Type = "TEXT_MESSAGE_ENCRYPTED"
	TypeBurnAfterRead       Type = "BURN_AFTER_READ"
	TypeImageMessage        Type = "IMAGE_MESSAGE"
	TypeUserListUpdate      Type = "USER_LIST_UPDATE"
	TypeHeartbeat           Type = "HEARTBEAT"
)

// Broadcast is the reserved target id that addresses every authenticated
// connection.
const Broadcast = "ALL"

// SystemID is the reserved sender id for payloads the server originates.
// Text from it is plaintext; neither reserved id can be claimed at login.
const SystemID = "SYSTEM"

// Payload is one decoded wire message.
type Payload interface {
	Kind() Type
	Sender() string
}

// Directed is implemented by payloads the server routes to a single peer
// (or to everyone, when TargetID() == Broadcast).
type Directed interface {
	Payload
	TargetID() string
}

// Envelope carries the fields common to every payload. The timestamp is
// producer-assigned (milliseconds since epoch) and is not trusted for
// ordering.
type Envelope struct {
	Type      Type   `json:"type"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

func (e Envelope) Kind() Type     { return e.Type }
func (e Envelope) Sender() string { return e.SenderID }

func newEnvelope(t Type, sender string) Envelope {
	return Envelope{Type: t, SenderID: sender, Timestamp: time.Now().UnixMilli()}
}

// LoginRequest authenticates a client. The password travels in clear inside
// the TLS tunnel; the server never stores it. PublicKey is the base64 PKIX
// encoding of the client's RSA public key.
type LoginRequest struct {
	Envelope
	Password  string `json:"password"`
	PublicKey string `json:"publicKey"`
}

func NewLoginRequest(userID, password, publicKey string) *LoginRequest {
	return &LoginRequest{
		Envelope:  newEnvelope(TypeLoginRequest, userID),
		Password:  password,
		PublicKey: publicKey,
	}
}

// LoginResponse reports the outcome of a LoginRequest.
type LoginResponse struct {
	Envelope
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewLoginResponse(userID string, success bool, message string) *LoginResponse {
	return &LoginResponse{
		Envelope: newEnvelope(TypeLoginResponse, userID),
		Success:  success,
		Message:  message,
	}
}

// KeyExchangeRequest asks the server for the target user's public key.
type KeyExchangeRequest struct {
	Envelope
	TargetUserID string `json:"targetUserId"`
}

func NewKeyExchangeRequest(senderID, targetID string) *KeyExchangeRequest {
	return &KeyExchangeRequest{
		Envelope:     newEnvelope(TypeKeyExchangeRequest, senderID),
		TargetUserID: targetID,
	}
}

// KeyExchangeResponse returns the target user's public key, or a failure
// reason when the user is unknown or has no key on file.
type KeyExchangeResponse struct {
	Envelope
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	TargetUserID    string `json:"targetUserId"`
	TargetPublicKey string `json:"targetPublicKey,omitempty"`
}

func NewKeyExchangeResponse(senderID string, success bool, message, targetID, targetPublicKey string) *KeyExchangeResponse {
	return &KeyExchangeResponse{
		Envelope:        newEnvelope(TypeKeyExchangeResponse, senderID),
		Success:         success,
		Message:         message,
		TargetUserID:    targetID,
		TargetPublicKey: targetPublicKey,
	}
}

// AESKeyExchange carries a fresh AES session key wrapped with the target's
// RSA public key. The server relays it unchanged; it cannot unwrap the key.
type AESKeyExchange struct {
	Envelope
	TargetUserID    string `json:"targetUserId"`
	EncryptedAESKey string `json:"encryptedAesKey"`
}

func NewAESKeyExchange(senderID, targetID, encryptedKey string) *AESKeyExchange {
	return &AESKeyExchange{
		Envelope:        newEnvelope(TypeAESKeyExchange, senderID),
		TargetUserID:    targetID,
		EncryptedAESKey: encryptedKey,
	}
}

func (m *AESKeyExchange) TargetID() string { return m.TargetUserID }

// TextMessage carries ciphertext produced with the pair's shared AES key.
// Content is opaque to the server.
type TextMessage struct {
	Envelope
	Content      string `json:"content"`
	TargetUserID string `json:"targetUserId"`
}

func NewTextMessage(senderID, targetID, content string) *TextMessage {
	return &TextMessage{
		Envelope:     newEnvelope(TypeTextMessage, senderID),
		Content:      content,
		TargetUserID: targetID,
	}
}

func (m *TextMessage) TargetID() string { return m.TargetUserID }

// BurnAfterRead is a text message the receiving client displays once and
// never writes to its history store.
type BurnAfterRead struct {
	Envelope
	EncryptedContent string `json:"encryptedContent"`
	TargetUserID     string `json:"targetUserId"`
}

func NewBurnAfterRead(senderID, targetID, encryptedContent string) *BurnAfterRead {
	return &BurnAfterRead{
		Envelope:         newEnvelope(TypeBurnAfterRead, senderID),
		EncryptedContent: encryptedContent,
		TargetUserID:     targetID,
	}
}

func (m *BurnAfterRead) TargetID() string { return m.TargetUserID }

// ImageMessage carries an encrypted image inline as base64. Images are the
// reason the server-side frame limit is larger than the client-side one.
type ImageMessage struct {
	Envelope
	Base64Content string `json:"base64Content"`
	TargetUserID  string `json:"targetUserId"`
}

func NewImageMessage(senderID, targetID, base64Content string) *ImageMessage {
	return &ImageMessage{
		Envelope:      newEnvelope(TypeImageMessage, senderID),
		Base64Content: base64Content,
		TargetUserID:  targetID,
	}
}

func (m *ImageMessage) TargetID() string { return m.TargetUserID }

// UserListUpdate announces the current set of authenticated identities.
type UserListUpdate struct {
	Envelope
	OnlineUsers []string `json:"onlineUsers"`
}

func NewUserListUpdate(senderID string, onlineUsers []string) *UserListUpdate {
	return &UserListUpdate{
		Envelope:    newEnvelope(TypeUserListUpdate, senderID),
		OnlineUsers: onlineUsers,
	}
}

// Heartbeat is a no-op liveness signal sent after a write-idle period.
// It requires no acknowledgment.
type Heartbeat struct {
	Envelope
}

func NewHeartbeat(senderID string) *Heartbeat {
	return &Heartbeat{Envelope: newEnvelope(TypeHeartbeat, senderID)}
}
