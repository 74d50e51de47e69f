package vault

import "time"

// SessionKey is a stored per-peer AES key. Blob is the key material
// encrypted under the owner's vault key, base64 encoded.
type SessionKey struct {
	Owner string
	Peer  string
	Blob  string
}

// HistoryEntry is one stored chat line. Content is the message text
// encrypted under the owner's vault key, base64 encoded.
type HistoryEntry struct {
	ID        string
	Owner     string
	Peer      string
	IsSender  bool
	Content   string
	CreatedAt time.Time
}
