package engine

import (
	"context"
	"sync"

	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// unitContext is the capability object handed to one executing unit.
// It tracks acquired sessions so they are released on every exit path
// and funnels completion through finish exactly once.
type unitContext struct {
	engine *Engine
	unit   *unit

	mu      sync.Mutex
	handles []task.AccountHandle
	done    bool
}

var _ task.Context = (*unitContext)(nil)

// AcquireAccount yields a connected session owned by this unit until
// completion.
func (c *unitContext) AcquireAccount(ctx context.Context, accountID string) (task.AccountHandle, error) {
	h, err := c.engine.accounts.Acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h, nil
}

// BeginMutate opens a scoped read view over the named keys. The scope
// must be closed before FinishTask, which opens its own.
func (c *unitContext) BeginMutate(ctx context.Context, keys ...string) (*store.Mutation, error) {
	return c.engine.store.BeginMutate(ctx, keys...)
}

// FinishTask commits the result atomically with the engine's own
// bookkeeping and signals completion.
func (c *unitContext) FinishTask(ctx context.Context, res task.Result) error {
	return c.finish(ctx, res)
}

func (c *unitContext) finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *unitContext) finish(ctx context.Context, res task.Result) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return task.Invariantf("task %s completed twice", c.unit.id)
	}
	c.done = true
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			c.engine.log.Warnf("closing session for %s: %v", c.unit.id, err)
		}
	}

	var residual *task.MarkerPlan
	err := res.Err
	if err == nil {
		// A unit that finished its work retires even when the run
		// context was cancelled mid-execute, so the commit runs
		// detached from it.
		residual, err = c.commit(context.WithoutCancel(ctx), res)
	}

	c.engine.doneCh <- execDone{u: c.unit, err: err, marker: residual}
	return res.Err
}

// commit applies the task's staged writes and the engine's own
// retirement bookkeeping in one mutation scope, so the unit is
// retired exactly when its effects land.
func (c *unitContext) commit(ctx context.Context, res task.Result) (*task.MarkerPlan, error) {
	u := c.unit
	keys := append([]string{}, res.Keys...)
	if u.simple {
		keys = append(keys, taskKey(u.taskID))
	} else {
		keys = append(keys, markerKey(u.typ, u.owner))
	}

	m, err := c.engine.store.BeginMutate(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	var residual *task.MarkerPlan
	if res.Commit != nil {
		residual, err = res.Commit(m)
		if err != nil {
			return nil, err
		}
	}

	if u.simple {
		m.StageDeleteTask(u.taskID)
	} else if residual != nil {
		m.StageMarker(store.Marker{
			Type:      string(u.typ),
			OwnerID:   string(u.owner),
			Resources: fromResources(residual.Resources),
			Tags:      fromTags(residual.Tags),
			Priority:  residual.Priority,
		})
	} else {
		m.StageDeleteMarker(string(u.typ), string(u.owner))
	}

	if err := m.Commit(ctx); err != nil {
		return nil, err
	}
	return residual, nil
}
