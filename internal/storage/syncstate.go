package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const saveSyncStateSQL = `
    INSERT INTO sync_state (folder_id, delta_token, last_sync_at,
                            sync_kind, messages_synced)
    VALUES (:folder_id, :delta_token, :last_sync_at,
            :sync_kind, :messages_synced)
    ON CONFLICT(folder_id) DO UPDATE SET
        delta_token     = excluded.delta_token,
        last_sync_at    = excluded.last_sync_at,
        sync_kind       = excluded.sync_kind,
        messages_synced = excluded.messages_synced`

func saveSyncState(ctx context.Context, ext sqlx.ExtContext, st *SyncState) error {
	if st.LastSyncAt.IsZero() {
		st.LastSyncAt = now()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, saveSyncStateSQL, st); err != nil {
		return fmt.Errorf("save sync state for %s: %w", st.FolderID, err)
	}
	return nil
}

// SaveSyncState upserts the delta cursor for one folder.
func (s *Store) SaveSyncState(ctx context.Context, st *SyncState) error {
	return saveSyncState(ctx, s.db, st)
}

// SaveSyncState within a transaction, so the cursor only advances together
// with the page of messages it covers.
func (t *Tx) SaveSyncState(ctx context.Context, st *SyncState) error {
	return saveSyncState(ctx, t.tx, st)
}

// GetSyncState returns the cursor for a folder, or ErrNotFound when the
// folder has never been synced.
func (s *Store) GetSyncState(ctx context.Context, folderID string) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `SELECT * FROM sync_state WHERE folder_id = ?`, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state for %s: %w", folderID, err)
	}
	return &st, nil
}

// ListSyncStates returns every folder cursor, most recently synced first.
func (s *Store) ListSyncStates(ctx context.Context) ([]SyncState, error) {
	var out []SyncState
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM sync_state ORDER BY last_sync_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	return out, nil
}

// ClearSyncState drops a folder's cursor, forcing the next sync to run from
// scratch. Used when the service responds to an expired delta token.
func (s *Store) ClearSyncState(ctx context.Context, folderID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE folder_id = ?`, folderID); err != nil {
		return fmt.Errorf("clear sync state for %s: %w", folderID, err)
	}
	return nil
}
