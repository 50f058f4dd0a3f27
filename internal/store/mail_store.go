package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// GetFolderState reads a folder's persisted sync position outside a
// mutation scope, or nil when absent.
func (s *Store) GetFolderState(ctx context.Context, accountID, folder string) (*model.FolderState, error) {
	return s.getFolderState(ctx, accountID, folder)
}

func (s *Store) getFolderState(ctx context.Context, accountID, folder string) (*model.FolderState, error) {
	var row struct {
		AccountID   string    `db:"account_id"`
		Folder      string    `db:"folder"`
		UIDValidity uint32    `db:"uid_validity"`
		LastSeenUID uint32    `db:"last_seen_uid"`
		SyncedAt    time.Time `db:"synced_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM folder_state WHERE account_id = ? AND folder = ?",
		accountID, folder,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading folder state %s/%s: %w", accountID, folder, err)
	}
	return &model.FolderState{
		AccountID:   row.AccountID,
		Folder:      row.Folder,
		UIDValidity: row.UIDValidity,
		LastSeenUID: row.LastSeenUID,
		SyncedAt:    row.SyncedAt,
	}, nil
}

// ListFolderStates returns every folder's sync position.
func (s *Store) ListFolderStates(ctx context.Context) ([]model.FolderState, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM folder_state ORDER BY account_id, folder",
	)
	if err != nil {
		return nil, fmt.Errorf("querying folder states: %w", err)
	}
	defer rows.Close()

	var states []model.FolderState
	for rows.Next() {
		var (
			st       model.FolderState
			syncedAt time.Time
		)
		err := rows.Scan(&st.AccountID, &st.Folder, &st.UIDValidity, &st.LastSeenUID, &syncedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning folder state row: %w", err)
		}
		st.SyncedAt = syncedAt
		states = append(states, st)
	}
	return states, rows.Err()
}

// ListMessages returns the stored summaries of one folder in UID
// order.
func (s *Store) ListMessages(ctx context.Context, accountID, folder string) ([]model.MessageInfo, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM messages WHERE account_id = ? AND folder = ? ORDER BY uid",
		accountID, folder,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages %s/%s: %w", accountID, folder, err)
	}
	defer rows.Close()

	var msgs []model.MessageInfo
	for rows.Next() {
		var (
			msg           model.MessageInfo
			date          time.Time
			flags         string
			hasAttachment int
		)
		err := rows.Scan(
			&msg.AccountID, &msg.Folder, &msg.UID, &msg.MessageID,
			&msg.Subject, &msg.From, &date, &flags, &msg.Snippet,
			&hasAttachment,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Date = date
		msg.HasAttachment = hasAttachment != 0
		if msg.Flags, err = unmarshalStrings(flags); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored message summaries.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// CountMarkers returns the number of persisted markers.
func (s *Store) CountMarkers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM markers"); err != nil {
		return 0, fmt.Errorf("counting markers: %w", err)
	}
	return n, nil
}

// CountPendingFlags returns the number of UIDs with an accumulated
// flag change-set.
func (s *Store) CountPendingFlags(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM pending_flags"); err != nil {
		return 0, fmt.Errorf("counting pending flags: %w", err)
	}
	return n, nil
}

// DeleteMarker removes a marker row outside a mutation scope, used
// for cancellation before execution.
func (s *Store) DeleteMarker(ctx context.Context, typ, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM markers WHERE type = ? AND owner_id = ?", typ, ownerID,
	)
	if err != nil {
		return fmt.Errorf("deleting marker %s/%s: %w", typ, ownerID, err)
	}
	return nil
}
