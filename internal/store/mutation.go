package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// keyLatches hands out one mutex per mutation key. Scopes acquire
// their full key set in sorted order so overlapping scopes never
// deadlock.
type keyLatches struct {
	mu      sync.Mutex
	latches map[string]*sync.Mutex
}

func newKeyLatches() *keyLatches {
	return &keyLatches{latches: make(map[string]*sync.Mutex)}
}

func (l *keyLatches) latch(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.latches[key]
	if !ok {
		m = &sync.Mutex{}
		l.latches[key] = m
	}
	return m
}

// lockAll acquires every key in sorted order and returns the sorted
// copy the caller must pass back to unlockAll.
func (l *keyLatches) lockAll(keys []string) []string {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		l.latch(k).Lock()
	}
	return sorted
}

// unlockAll releases in reverse order, for symmetry with lockAll.
func (l *keyLatches) unlockAll(sorted []string) {
	for i := len(sorted) - 1; i >= 0; i-- {
		l.latch(sorted[i]).Unlock()
	}
}

// Mutation is a scoped read-then-write view over a set of mutation
// keys. While the scope is open no other scope naming an overlapping
// key can open, so reads see a stable state and the staged writes
// land atomically in one transaction on Commit. Close releases the
// scope without writing.
type Mutation struct {
	s      *Store
	locked []string
	writes []func(ctx context.Context, tx *sqlx.Tx) error
	done   bool
}

// BeginMutate opens a mutation scope over the named keys. It blocks
// until every key's latch is free.
func (s *Store) BeginMutate(ctx context.Context, keys ...string) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("beginning mutation: %w", err)
	}
	locked := s.latches.lockAll(keys)
	return &Mutation{s: s, locked: locked}, nil
}

// Commit applies every staged write in one transaction and releases
// the scope. The mutation is unusable afterwards.
func (m *Mutation) Commit(ctx context.Context) error {
	if m.done {
		return fmt.Errorf("committing mutation: already finished")
	}
	defer m.release()

	tx, err := m.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mutation tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range m.writes {
		if err := w(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mutation tx: %w", err)
	}
	return nil
}

// Close releases the scope without writing. Safe after Commit.
func (m *Mutation) Close() {
	if m.done {
		return
	}
	m.release()
}

func (m *Mutation) release() {
	m.done = true
	m.s.latches.unlockAll(m.locked)
}

func (m *Mutation) stage(w func(ctx context.Context, tx *sqlx.Tx) error) {
	m.writes = append(m.writes, w)
}

// FolderState reads the persisted sync position of a folder, or nil
// when the folder has never been synced.
func (m *Mutation) FolderState(ctx context.Context, accountID, folder string) (*model.FolderState, error) {
	return m.s.getFolderState(ctx, accountID, folder)
}

// PendingFlags reads an owner's accumulated flag change-set in UID
// order.
func (m *Mutation) PendingFlags(ctx context.Context, ownerID string) ([]PendingFlag, error) {
	rows, err := m.s.db.QueryxContext(ctx,
		"SELECT owner_id, uid, add_flags, remove_flags FROM pending_flags WHERE owner_id = ? ORDER BY uid",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading pending flags for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var pending []PendingFlag
	for rows.Next() {
		var (
			pf          PendingFlag
			add, remove string
		)
		if err := rows.Scan(&pf.OwnerID, &pf.UID, &add, &remove); err != nil {
			return nil, fmt.Errorf("scanning pending flag row: %w", err)
		}
		if pf.Add, err = unmarshalStrings(add); err != nil {
			return nil, err
		}
		if pf.Remove, err = unmarshalStrings(remove); err != nil {
			return nil, err
		}
		pending = append(pending, pf)
	}
	return pending, rows.Err()
}

// Marker reads one marker row, or nil when absent.
func (m *Mutation) Marker(ctx context.Context, typ, ownerID string) (*Marker, error) {
	return m.s.GetMarker(ctx, typ, ownerID)
}

// StageFolderState stages an upsert of a folder's sync position.
func (m *Mutation) StageFolderState(st model.FolderState) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folder_state (account_id, folder, uid_validity, last_seen_uid, synced_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_id, folder) DO UPDATE SET
				uid_validity = excluded.uid_validity,
				last_seen_uid = excluded.last_seen_uid,
				synced_at = excluded.synced_at`,
			st.AccountID, st.Folder, st.UIDValidity, st.LastSeenUID, st.SyncedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("staging folder state %s/%s: %w", st.AccountID, st.Folder, err)
		}
		return nil
	})
}

// StageMessages stages upserts of synced message summaries.
func (m *Mutation) StageMessages(msgs []model.MessageInfo) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO messages (
				account_id, folder, uid, message_id, subject, from_addr,
				date, flags, snippet, has_attachment
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, folder, uid) DO UPDATE SET
				message_id = excluded.message_id,
				subject = excluded.subject,
				from_addr = excluded.from_addr,
				date = excluded.date,
				flags = excluded.flags,
				snippet = excluded.snippet,
				has_attachment = excluded.has_attachment`)
		if err != nil {
			return fmt.Errorf("preparing message upsert: %w", err)
		}
		defer stmt.Close()

		for _, msg := range msgs {
			flags, err := marshalStrings(msg.Flags)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				msg.AccountID, msg.Folder, msg.UID, msg.MessageID,
				msg.Subject, msg.From, msg.Date.UTC(), flags,
				msg.Snippet, boolToInt(msg.HasAttachment),
			)
			if err != nil {
				return fmt.Errorf("staging message %s/%s/%d: %w", msg.AccountID, msg.Folder, msg.UID, err)
			}
		}
		return nil
	})
}

// StageClearFolder stages removal of every stored message in a
// folder, used on a UIDVALIDITY change before a full resync.
func (m *Mutation) StageClearFolder(accountID, folder string) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE account_id = ? AND folder = ?",
			accountID, folder,
		)
		if err != nil {
			return fmt.Errorf("clearing folder %s/%s: %w", accountID, folder, err)
		}
		return nil
	})
}

// StageMessageMove stages relocation of message rows between folders.
func (m *Mutation) StageMessageMove(accountID, src, dst string, uids []uint32) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		for _, uid := range uids {
			_, err := tx.ExecContext(ctx,
				"UPDATE messages SET folder = ? WHERE account_id = ? AND folder = ? AND uid = ?",
				dst, accountID, src, uid,
			)
			if err != nil {
				return fmt.Errorf("moving message %s/%s/%d: %w", accountID, src, uid, err)
			}
		}
		return nil
	})
}

// StageMessageFlags stages a flag update of one stored message: add
// and remove are applied to the row's current flag set inside the
// commit transaction.
func (m *Mutation) StageMessageFlags(accountID, folder string, uid uint32, add, remove []string) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		var raw string
		err := tx.GetContext(ctx, &raw,
			"SELECT flags FROM messages WHERE account_id = ? AND folder = ? AND uid = ?",
			accountID, folder, uid,
		)
		if isNoRows(err) {
			// The message has not been synced locally yet; the next
			// folder sync picks up the server-side flags.
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading flags of %s/%s/%d: %w", accountID, folder, uid, err)
		}
		current, err := unmarshalStrings(raw)
		if err != nil {
			return err
		}
		updated, err := marshalStrings(applyFlagDelta(current, add, remove))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET flags = ? WHERE account_id = ? AND folder = ? AND uid = ?",
			updated, accountID, folder, uid,
		)
		if err != nil {
			return fmt.Errorf("updating flags of %s/%s/%d: %w", accountID, folder, uid, err)
		}
		return nil
	})
}

// StagePendingFlags stages an upsert of one UID's pending flag
// change-set. An entry with both lists empty is deleted instead, so
// drained rows disappear.
func (m *Mutation) StagePendingFlags(pf PendingFlag) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		if len(pf.Add) == 0 && len(pf.Remove) == 0 {
			_, err := tx.ExecContext(ctx,
				"DELETE FROM pending_flags WHERE owner_id = ? AND uid = ?",
				pf.OwnerID, pf.UID,
			)
			if err != nil {
				return fmt.Errorf("deleting pending flags %s/%d: %w", pf.OwnerID, pf.UID, err)
			}
			return nil
		}
		add, err := marshalStrings(pf.Add)
		if err != nil {
			return err
		}
		remove, err := marshalStrings(pf.Remove)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_flags (owner_id, uid, add_flags, remove_flags, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(owner_id, uid) DO UPDATE SET
				add_flags = excluded.add_flags,
				remove_flags = excluded.remove_flags,
				updated_at = excluded.updated_at`,
			pf.OwnerID, pf.UID, add, remove, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("staging pending flags %s/%d: %w", pf.OwnerID, pf.UID, err)
		}
		return nil
	})
}

// StageSentMessage stages the local record of an outgoing message.
func (m *Mutation) StageSentMessage(sm SentMessage) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		to, err := marshalStrings(sm.To)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sent_messages (id, account_id, from_addr, to_addrs, subject, size, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sm.ID, sm.AccountID, sm.From, to, sm.Subject, sm.Size, sm.SentAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("staging sent message %s: %w", sm.ID, err)
		}
		return nil
	})
}

// StageMarker stages an upsert of a marker row. The (type, owner)
// primary key keeps markers unique.
func (m *Mutation) StageMarker(mk Marker) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		resources, err := marshalStrings(mk.Resources)
		if err != nil {
			return err
		}
		tags, err := marshalStrings(mk.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO markers (type, owner_id, resources, tags, priority, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(type, owner_id) DO UPDATE SET
				resources = excluded.resources,
				tags = excluded.tags,
				priority = excluded.priority,
				updated_at = excluded.updated_at`,
			mk.Type, mk.OwnerID, resources, tags, mk.Priority, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("staging marker %s/%s: %w", mk.Type, mk.OwnerID, err)
		}
		return nil
	})
}

// StageDeleteMarker stages removal of a marker row.
func (m *Mutation) StageDeleteMarker(typ, ownerID string) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM markers WHERE type = ? AND owner_id = ?", typ, ownerID,
		)
		if err != nil {
			return fmt.Errorf("deleting marker %s/%s: %w", typ, ownerID, err)
		}
		return nil
	})
}

// StageDeleteTask stages removal of a planned task row, committed
// atomically with the task's own writes so retirement is exactly-once.
func (m *Mutation) StageDeleteTask(id string) {
	m.stage(func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting task %s: %w", id, err)
		}
		return nil
	})
}

// applyFlagDelta returns current with add folded in and remove taken
// out, preserving first-seen order.
func applyFlagDelta(current, add, remove []string) []string {
	removed := make(map[string]struct{}, len(remove))
	for _, f := range remove {
		removed[f] = struct{}{}
	}
	seen := make(map[string]struct{}, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, f := range append(append([]string{}, current...), add...) {
		if _, drop := removed[f]; drop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
