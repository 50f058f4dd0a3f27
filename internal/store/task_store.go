package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SavePlannedTask inserts or replaces a planned task row. It must be
// called before the task becomes schedulable.
func (s *Store) SavePlannedTask(ctx context.Context, t PlannedTask) error {
	resources, err := marshalStrings(t.Resources)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	tags, err := marshalStrings(t.Tags)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (
			id, type, args, resources, tags, priority, attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, string(t.Args), resources, tags,
		t.Priority, t.Attempts, t.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// GetPlannedTask retrieves a single planned task, or nil when absent.
func (s *Store) GetPlannedTask(ctx context.Context, id string) (*PlannedTask, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanPlannedTask(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPlannedTasks returns all planned tasks in creation order, so a
// startup rebuild preserves submission order among equal priorities.
func (s *Store) ListPlannedTasks(ctx context.Context) ([]PlannedTask, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM tasks ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []PlannedTask
	for rows.Next() {
		t, err := scanPlannedTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeletePlannedTask removes a task row outside a mutation scope, used
// for cancellation before execution.
func (s *Store) DeletePlannedTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// UpdateTaskAttempts persists the retry count so limits survive a
// restart.
func (s *Store) UpdateTaskAttempts(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET attempts = ?, updated_at = ? WHERE id = ?",
		attempts, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating attempts for task %s: %w", id, err)
	}
	return nil
}

// CountPlannedTasks returns the number of persisted task rows.
func (s *Store) CountPlannedTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM tasks")
	if err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

// GetMarker retrieves one marker, or nil when absent.
func (s *Store) GetMarker(ctx context.Context, typ, ownerID string) (*Marker, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM markers WHERE type = ? AND owner_id = ?", typ, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying marker %s/%s: %w", typ, ownerID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMarker(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMarkers returns all markers in update order for startup rebuild.
func (s *Store) ListMarkers(ctx context.Context) ([]Marker, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM markers ORDER BY updated_at, owner_id")
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// scanPlannedTask scans a task row from a sqlx.Rows result set.
func scanPlannedTask(rows *sqlx.Rows) (PlannedTask, error) {
	var (
		t         PlannedTask
		args      string
		resources string
		tags      string
		createdAt time.Time
		updatedAt time.Time
	)

	err := rows.Scan(
		&t.ID, &t.Type, &args, &resources, &tags,
		&t.Priority, &t.Attempts, &createdAt, &updatedAt,
	)
	if err != nil {
		return PlannedTask{}, fmt.Errorf("scanning task row: %w", err)
	}

	t.Args = []byte(args)
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	if t.Resources, err = unmarshalStrings(resources); err != nil {
		return PlannedTask{}, err
	}
	if t.Tags, err = unmarshalStrings(tags); err != nil {
		return PlannedTask{}, err
	}
	return t, nil
}

// scanMarker scans a marker row from a sqlx.Rows result set.
func scanMarker(rows *sqlx.Rows) (Marker, error) {
	var (
		m         Marker
		resources string
		tags      string
		updatedAt time.Time
	)

	err := rows.Scan(&m.Type, &m.OwnerID, &resources, &tags, &m.Priority, &updatedAt)
	if err != nil {
		return Marker{}, fmt.Errorf("scanning marker row: %w", err)
	}

	m.UpdatedAt = updatedAt
	if m.Resources, err = unmarshalStrings(resources); err != nil {
		return Marker{}, err
	}
	if m.Tags, err = unmarshalStrings(tags); err != nil {
		return Marker{}, err
	}
	return m, nil
}

// isNoRows reports whether err is the empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
