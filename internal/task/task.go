// Package task defines the contract between the sync engine and its
// pluggable task types: the plan/execute interfaces, the capability
// context handed to running tasks, the submission request shape, and
// the failure taxonomy the engine's retry policy keys on.
package task

import (
	"context"
	"encoding/json"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
)

// Type names a registered task type, for example "sync_folder".
type Type string

// ID identifies one submitted simple task.
type ID string

// OwnerID keys the accumulated pending work of a complex task, for
// example "acct1/INBOX" for flag changes in one folder.
type OwnerID string

// Request is a raw submission before planning. Args is the task-type
// specific payload; for complex types it is the change to merge and
// Owner names the aggregation key.
type Request struct {
	Type  Type
	Owner OwnerID
	Args  json.RawMessage
}

// Plan is the derived schedule placement of a simple task. It is fully
// computed before any side effect and persisted with the task.
type Plan struct {
	// Args is the planned payload handed back to Execute, possibly
	// normalized from the request.
	Args json.RawMessage
	// Resources are the exclusive resources the task must hold while
	// executing.
	Resources []sched.ResourceID
	// Tags contribute dynamic priority boosts.
	Tags []sched.Tag
	// Priority is the task's own relative priority before boosts.
	Priority int
}

// MarkerPlan is the derived schedule placement of a complex-task
// marker, re-computed on every merge and after every drain.
type MarkerPlan struct {
	Resources []sched.ResourceID
	Tags      []sched.Tag
	Priority  int
}

// Definition is the behavior of one task type. Concrete types
// implement SimpleDefinition or ComplexDefinition.
type Definition interface {
	Type() Type
}

// SimpleDefinition is a one-shot task: planned once, executed once,
// retired on commit.
type SimpleDefinition interface {
	Definition

	// Plan derives the task's resources, tags and priority from the
	// raw request. It must not perform side effects.
	Plan(ctx context.Context, req Request) (Plan, error)

	// Execute performs the task's remote operations and commits local
	// mutations. It must call Context.FinishTask exactly once on every
	// exit path and return the same error FinishTask was given.
	Execute(ctx context.Context, tc Context, args json.RawMessage) error
}

// ComplexDefinition accumulates work per owner: every submission
// merges a change into the owner's durable pending state, and a single
// execution drains whatever has accumulated.
type ComplexDefinition interface {
	Definition

	// MergeKeys names the mutation keys PlanMerge reads and writes for
	// the owner, so the engine can open one atomic scope covering both
	// the pending state and the marker record.
	MergeKeys(owner OwnerID) []string

	// PlanMerge folds the change into the owner's pending state through
	// the given mutation scope and returns the marker placement derived
	// from the merged state. Merging must be idempotent, and the order
	// of merges touching disjoint parts of the pending state must not
	// matter.
	PlanMerge(ctx context.Context, m *store.Mutation, owner OwnerID, change json.RawMessage) (MarkerPlan, error)

	// Execute drains the owner's pending state. Same completion
	// contract as SimpleDefinition.Execute; the commit callback reports
	// any residue left by merges that arrived during execution.
	Execute(ctx context.Context, tc Context, owner OwnerID) error
}

// Result describes an execution outcome, handed to FinishTask. On
// success Commit stages the task's writes; on failure Err carries the
// classified cause and Commit is nil.
type Result struct {
	// Err is nil on success. Wrap with Transient to request a retry;
	// anything else surfaces as permanent.
	Err error
	// Keys is the mutation key set the commit touches.
	Keys []string
	// Commit stages the task's writes into the scope the engine opened
	// over Keys. For complex tasks it returns the re-derived marker for
	// pending work remaining after the drain, or nil when the owner's
	// pending state is empty. Simple tasks return nil.
	Commit func(m *store.Mutation) (*MarkerPlan, error)
}

// Context is the capability object handed to plan and execute logic.
// The engine implements it per unit.
type Context interface {
	// AcquireAccount yields a connected session for the account,
	// exclusively owned by this unit until completion. It fails with
	// an unavailability error when the account is disabled.
	AcquireAccount(ctx context.Context, accountID string) (AccountHandle, error)

	// BeginMutate opens a consistent read-then-write scope over the
	// named durable-store keys. No other unit observes half-written
	// state for those keys until the scope commits or closes.
	BeginMutate(ctx context.Context, keys ...string) (*store.Mutation, error)

	// FinishTask commits the result atomically with the engine's own
	// bookkeeping and signals completion. It is the single allowed
	// exit point from Execute and must be called exactly once.
	FinishTask(ctx context.Context, res Result) error
}

// AccountHandle is a connected mail session scoped to one executing
// unit. Implementations classify protocol failures as auth, transient
// or permanent; task types translate them into the engine taxonomy.
type AccountHandle interface {
	// ID returns the account identifier the session belongs to.
	ID() string

	// SelectFolder opens the folder and reports its server state.
	SelectFolder(ctx context.Context, folder string) (model.FolderStatus, error)

	// FetchSince returns envelope summaries for messages with UID
	// greater than sinceUID in the selected folder.
	FetchSince(ctx context.Context, folder string, sinceUID uint32) ([]model.MessageInfo, error)

	// StoreFlags adds and removes flags on the given messages in one
	// round trip.
	StoreFlags(ctx context.Context, folder string, uids []uint32, add, remove []string) error

	// MoveMessages moves messages between folders, falling back to
	// copy plus delete on servers without MOVE.
	MoveMessages(ctx context.Context, src, dst string, uids []uint32) error

	// CreateFolder creates a mailbox on the server.
	CreateFolder(ctx context.Context, name string) error

	// SendMessage submits a raw message over the account's SMTP
	// endpoint.
	SendMessage(ctx context.Context, from string, to []string, raw []byte) error

	// Close logs out and releases the connection. The engine closes
	// every acquired handle when the unit completes, so a failing task
	// never leaks its session.
	Close() error
}

// MarkerUnitID derives the scheduler identity of a complex-task
// marker. At most one marker exists per (type, owner).
func MarkerUnitID(t Type, owner OwnerID) sched.UnitID {
	return sched.UnitID(string(t) + "/" + string(owner))
}
