package store

import "time"

// PlannedTask is the durable record of one planned simple task. The
// row exists from the moment planning commits until the task's own
// commit or permanent failure deletes it, so a crash between the two
// re-schedules the task on startup.
type PlannedTask struct {
	// ID is the task's unique id, a UUID.
	ID string

	// Type names the registered task type.
	Type string

	// Args is the planned payload, opaque JSON owned by the task type.
	Args []byte

	// Resources are the exclusive resources the task holds while
	// executing.
	Resources []string

	// Tags contribute dynamic priority boosts.
	Tags []string

	// Priority is the task's relative priority before boosts.
	Priority int

	// Attempts counts completed executions, so retry limits survive a
	// restart.
	Attempts int

	// CreatedAt orders rows for startup rebuild.
	CreatedAt time.Time

	// UpdatedAt changes on re-planning.
	UpdatedAt time.Time
}

// Marker is the durable aggregation point of a complex task: at most
// one row per (type, owner), enforced by the primary key. The pending
// change-set itself lives in the task type's own tables.
type Marker struct {
	Type      string
	OwnerID   string
	Resources []string
	Tags      []string
	Priority  int
	UpdatedAt time.Time
}

// PendingFlag is one message's accumulated flag changes inside an
// owner's pending change-set.
type PendingFlag struct {
	OwnerID string
	UID     uint32
	Add     []string
	Remove  []string
}

// SentMessage is the local record of one message submitted over SMTP.
type SentMessage struct {
	ID        string
	AccountID string
	From      string
	To        []string
	Subject   string
	Size      int64
	SentAt    time.Time
}
