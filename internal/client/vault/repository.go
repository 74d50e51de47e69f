package vault

import "context"

type Repository interface {
	UpsertSessionKey(ctx context.Context, key *SessionKey) error
	ListSessionKeys(ctx context.Context, owner string) ([]*SessionKey, error)
	AddHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, owner, peer string) ([]*HistoryEntry, error)
	DeleteHistory(ctx context.Context, owner, id string) error
}
