package vault

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) UpsertSessionKey(ctx context.Context, key *SessionKey) error {
	query := `INSERT INTO session_keys (owner, peer, blob) VALUES (?, ?, ?)
		ON CONFLICT (owner, peer) DO UPDATE SET blob = excluded.blob`
	_, err := r.db.ExecContext(ctx, query, key.Owner, key.Peer, key.Blob)
	if err != nil {
		return fmt.Errorf("failed to upsert session key: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListSessionKeys(ctx context.Context, owner string) ([]*SessionKey, error) {
	query := `SELECT owner, peer, blob FROM session_keys WHERE owner = ?`
	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query session keys: %w", err)
	}
	defer rows.Close()

	var keys []*SessionKey
	for rows.Next() {
		k := &SessionKey{}
		if err := rows.Scan(&k.Owner, &k.Peer, &k.Blob); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return keys, nil
}

func (r *SQLiteRepository) AddHistory(ctx context.Context, entry *HistoryEntry) error {
	query := `INSERT INTO chat_history (id, owner, peer, is_sender, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Owner, entry.Peer, entry.IsSender, entry.Content, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListHistory(ctx context.Context, owner, peer string) ([]*HistoryEntry, error) {
	query := `SELECT id, owner, peer, is_sender, content, created_at FROM chat_history
		WHERE owner = ? AND peer = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, owner, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.Owner, &e.Peer, &e.IsSender, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return entries, nil
}

func (r *SQLiteRepository) DeleteHistory(ctx context.Context, owner, id string) error {
	query := `DELETE FROM chat_history WHERE owner = ? AND id = ?`
	res, err := r.db.ExecContext(ctx, query, owner, id)
	if err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrNotFound
	}
	return nil
}
