// Package engine is the task manager of the sync engine: it owns the
// priority index and resource gate, drives planning, execution and
// commit for every unit of work, and applies the retry policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// Config is the engine's retry and event policy.
type Config struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	EventBuffer       int
}

// ConfigFrom maps the scheduler section of the file configuration.
func ConfigFrom(sc model.SchedulerConfig) Config {
	initial, max := sc.BackoffDurations()
	cfg := Config{
		MaxAttempts:       sc.MaxAttempts,
		BackoffInitial:    initial,
		BackoffMax:        max,
		BackoffMultiplier: sc.BackoffMultiplier,
		BackoffJitter:     sc.BackoffJitter,
		EventBuffer:       sc.EventBuffer,
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	return c
}

// AccountProvider yields connected sessions for executing units.
type AccountProvider interface {
	Acquire(ctx context.Context, accountID string) (task.AccountHandle, error)
}

// unit lifecycle states.
const (
	stateReady     = "ready"
	stateBlocked   = "blocked"
	stateExecuting = "executing"
	stateRetrying  = "retrying"
)

// unit is the engine's in-memory record of one schedulable task or
// marker.
type unit struct {
	id  sched.UnitID
	typ task.Type
	def task.Definition

	simple bool
	taskID string       // simple: the persisted task row id
	owner  task.OwnerID // complex: the aggregation key

	request   json.RawMessage // simple: original submission, re-planned on retry
	args      json.RawMessage // simple: planned payload
	resources []sched.ResourceID
	tags      []sched.Tag
	priority  int
	createdAt time.Time

	state     string
	attempts  int
	replanned bool // complex: merged again while executing
	backoff   *backoff.ExponentialBackOff
	timer     *time.Timer
}

type submitReq struct {
	req   task.Request
	reply chan submitReply
}

type submitReply struct {
	id  sched.UnitID
	err error
}

type cancelReq struct {
	id    sched.UnitID
	reply chan error
}

type boostReq struct {
	owner  sched.OwnerID
	boosts map[sched.Tag]int
}

type execDone struct {
	u      *unit
	err    error
	marker *task.MarkerPlan // complex: residue left after the drain
}

// Engine is the task manager. One scheduler goroutine (Run) owns the
// priority index, the resource gate and all planning; at most one
// unit executes at a time on its own goroutine and reports back over
// a channel.
type Engine struct {
	cfg      Config
	store    *store.Store
	registry *task.Registry
	accounts AccountProvider
	log      *logging.Logger
	bus      *Bus

	index     *sched.Index
	gate      *sched.Gate
	units     map[sched.UnitID]*unit
	executing *unit

	submitCh chan submitReq
	cancelCh chan cancelReq
	boostCh  chan boostReq
	retryCh  chan sched.UnitID
	doneCh   chan execDone
	stopped  chan struct{}
}

// New constructs an engine. Call Load to rebuild persisted state,
// then Run to start scheduling.
func New(cfg Config, st *store.Store, reg *task.Registry, accounts AccountProvider, log *logging.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    st,
		registry: reg,
		accounts: accounts,
		log:      log,
		bus:      NewBus(),
		index:    sched.NewIndex(),
		gate:     sched.NewGate(),
		units:    make(map[sched.UnitID]*unit),
		submitCh: make(chan submitReq),
		cancelCh: make(chan cancelReq),
		boostCh:  make(chan boostReq),
		retryCh:  make(chan sched.UnitID),
		doneCh:   make(chan execDone),
		stopped:  make(chan struct{}),
	}
}

// Events returns the lifecycle event bus.
func (e *Engine) Events() *Bus { return e.bus }

// Load rebuilds the schedulable state from persisted task and marker
// rows. Must be called before Run.
func (e *Engine) Load(ctx context.Context) error {
	tasks, err := e.store.ListPlannedTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading planned tasks: %w", err)
	}
	for _, t := range tasks {
		def, err := e.registry.Lookup(task.Type(t.Type))
		if err != nil {
			e.log.Warnf("skipping persisted task %s: %v", t.ID, err)
			continue
		}
		u := &unit{
			id:        sched.UnitID(t.ID),
			typ:       task.Type(t.Type),
			def:       def,
			simple:    true,
			taskID:    t.ID,
			request:   t.Args,
			args:      t.Args,
			resources: toResources(t.Resources),
			tags:      toTags(t.Tags),
			priority:  t.Priority,
			attempts:  t.Attempts,
			createdAt: t.CreatedAt,
		}
		e.units[u.id] = u
		e.enqueue(u)
	}

	markers, err := e.store.ListMarkers(ctx)
	if err != nil {
		return fmt.Errorf("loading markers: %w", err)
	}
	for _, m := range markers {
		def, err := e.registry.Lookup(task.Type(m.Type))
		if err != nil {
			e.log.Warnf("skipping persisted marker %s/%s: %v", m.Type, m.OwnerID, err)
			continue
		}
		u := &unit{
			id:        task.MarkerUnitID(task.Type(m.Type), task.OwnerID(m.OwnerID)),
			typ:       task.Type(m.Type),
			def:       def,
			owner:     task.OwnerID(m.OwnerID),
			resources: toResources(m.Resources),
			tags:      toTags(m.Tags),
			priority:  m.Priority,
		}
		e.units[u.id] = u
		e.enqueue(u)
	}

	e.log.Infof("loaded %d tasks and %d markers", len(tasks), len(markers))
	return nil
}

// Run is the scheduler loop. It returns once ctx is cancelled and the
// in-flight execution, if any, has completed; every remaining unit
// stays persisted for the next startup.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer e.bus.Close()

	for {
		e.dispatch(ctx)

		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case req := <-e.submitCh:
			id, err := e.plan(ctx, req.req)
			req.reply <- submitReply{id: id, err: err}
		case req := <-e.cancelCh:
			req.reply <- e.cancel(ctx, req.id)
		case b := <-e.boostCh:
			e.index.SetOwnerBoosts(b.owner, b.boosts)
		case id := <-e.retryCh:
			e.replan(ctx, id)
		case done := <-e.doneCh:
			e.handleDone(ctx, done, ctx.Err() != nil)
		}
	}
}

// shutdown waits for the in-flight unit and stops retry timers. The
// final bookkeeping runs under a fresh context so the commit that is
// already in flight is not abandoned half-way.
func (e *Engine) shutdown() {
	if e.executing != nil {
		done := <-e.doneCh
		e.handleDone(context.Background(), done, true)
	}
	for _, u := range e.units {
		if u.timer != nil {
			u.timer.Stop()
		}
	}
	e.log.Info("engine stopped")
}

// Submit plans and enqueues a raw task request, returning the unit id
// the lifecycle events will carry.
func (e *Engine) Submit(ctx context.Context, req task.Request) (sched.UnitID, error) {
	r := submitReq{req: req, reply: make(chan submitReply, 1)}
	select {
	case e.submitCh <- r:
	case <-e.stopped:
		return "", fmt.Errorf("submitting %s: engine stopped", req.Type)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	reply := <-r.reply
	return reply.id, reply.err
}

// Cancel removes a unit that has not started executing. An executing
// unit runs to completion; cancelling it is an error.
func (e *Engine) Cancel(ctx context.Context, id sched.UnitID) error {
	r := cancelReq{id: id, reply: make(chan error, 1)}
	select {
	case e.cancelCh <- r:
	case <-e.stopped:
		return fmt.Errorf("cancelling %s: engine stopped", id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-r.reply
}

// SetPriorityBoosts replaces a boost owner's tag weights. Takes
// effect for the next pop, never preempting the executing unit.
func (e *Engine) SetPriorityBoosts(ctx context.Context, owner sched.OwnerID, boosts map[sched.Tag]int) error {
	select {
	case e.boostCh <- boostReq{owner: owner, boosts: boosts}:
		return nil
	case <-e.stopped:
		return fmt.Errorf("setting boosts for %s: engine stopped", owner)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// plan runs the planning phase for one submission inside the
// scheduler loop, so merges never run concurrently with each other.
func (e *Engine) plan(ctx context.Context, req task.Request) (sched.UnitID, error) {
	def, err := e.registry.Lookup(req.Type)
	if err != nil {
		return "", err
	}

	switch d := def.(type) {
	case task.SimpleDefinition:
		return e.planSimple(ctx, d, req)
	case task.ComplexDefinition:
		return e.planMerge(ctx, d, req)
	default:
		return "", task.Invariantf("task type %s is neither simple nor complex", req.Type)
	}
}

func (e *Engine) planSimple(ctx context.Context, d task.SimpleDefinition, req task.Request) (sched.UnitID, error) {
	plan, err := d.Plan(ctx, req)
	if err != nil {
		return "", fmt.Errorf("planning %s: %w", req.Type, err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	row := store.PlannedTask{
		ID:        id,
		Type:      string(req.Type),
		Args:      plan.Args,
		Resources: fromResources(plan.Resources),
		Tags:      fromTags(plan.Tags),
		Priority:  plan.Priority,
		CreatedAt: now,
	}
	if err := e.store.SavePlannedTask(ctx, row); err != nil {
		return "", err
	}

	u := &unit{
		id:        sched.UnitID(id),
		typ:       req.Type,
		def:       d,
		simple:    true,
		taskID:    id,
		request:   req.Args,
		args:      plan.Args,
		resources: plan.Resources,
		tags:      plan.Tags,
		priority:  plan.Priority,
		createdAt: now,
	}
	e.units[u.id] = u
	e.enqueue(u)
	e.publish(EventPlanned, u, nil)
	return u.id, nil
}

func (e *Engine) planMerge(ctx context.Context, d task.ComplexDefinition, req task.Request) (sched.UnitID, error) {
	if req.Owner == "" {
		return "", task.Permanentf("merging %s: empty owner", req.Type)
	}
	id := task.MarkerUnitID(req.Type, req.Owner)

	keys := append(d.MergeKeys(req.Owner), markerKey(req.Type, req.Owner))
	m, err := e.store.BeginMutate(ctx, keys...)
	if err != nil {
		return "", err
	}
	plan, err := d.PlanMerge(ctx, m, req.Owner, req.Args)
	if err != nil {
		m.Close()
		return "", fmt.Errorf("merging %s/%s: %w", req.Type, req.Owner, err)
	}
	m.StageMarker(store.Marker{
		Type:      string(req.Type),
		OwnerID:   string(req.Owner),
		Resources: fromResources(plan.Resources),
		Tags:      fromTags(plan.Tags),
		Priority:  plan.Priority,
	})
	if err := m.Commit(ctx); err != nil {
		return "", err
	}

	u, exists := e.units[id]
	if !exists {
		u = &unit{
			id:     id,
			typ:    req.Type,
			def:    d,
			owner:  req.Owner,
			simple: false,
		}
		e.units[id] = u
	}
	u.resources = plan.Resources
	u.tags = plan.Tags
	u.priority = plan.Priority

	switch u.state {
	case stateExecuting:
		// The residue is re-derived at commit; remember that new work
		// arrived so the marker is re-enqueued even if the drain
		// consumed everything it snapshotted.
		u.replanned = true
	case stateRetrying:
		// Placement updated; the backoff timer stays armed.
	case stateBlocked:
		e.gate.Unpark(id)
		e.enqueue(u)
	default:
		e.enqueue(u)
	}
	if !exists {
		e.publish(EventPlanned, u, nil)
	}
	return id, nil
}

// enqueue admits a unit to the ready index when its resources are
// free, otherwise parks it at the gate.
func (e *Engine) enqueue(u *unit) {
	if e.gate.Ready(u.resources) {
		u.state = stateReady
		e.index.Upsert(u.id, u.priority, u.tags)
		return
	}
	u.state = stateBlocked
	e.gate.Park(u.id, u.resources)
}

// dispatch pops ready units until one acquires its resources, then
// starts its execution. At most one unit executes at a time.
func (e *Engine) dispatch(ctx context.Context) {
	for e.executing == nil {
		id, ok := e.index.ExtractBest()
		if !ok {
			return
		}
		u := e.units[id]
		if u == nil {
			// Stale index entry from dropped bookkeeping; skip it.
			continue
		}
		if !e.gate.TryAcquireAll(id, u.resources) {
			u.state = stateBlocked
			e.gate.Park(id, u.resources)
			continue
		}
		e.startExecute(ctx, u)
	}
}

func (e *Engine) startExecute(ctx context.Context, u *unit) {
	u.state = stateExecuting
	e.executing = u
	e.publish(EventExecuting, u, nil)

	uc := &unitContext{engine: e, unit: u}
	go e.runExecute(ctx, u, uc)
}

// runExecute hosts one unit's execute logic. Whatever path the task
// takes out, completion is signalled exactly once: a panic or a
// return without FinishTask is converted into a finished failure.
func (e *Engine) runExecute(ctx context.Context, u *unit, uc *unitContext) {
	defer func() {
		if r := recover(); r != nil {
			_ = uc.finish(ctx, task.Result{Err: task.Invariantf("task %s panicked: %v", u.id, r)})
		}
	}()

	var err error
	switch d := u.def.(type) {
	case task.SimpleDefinition:
		err = d.Execute(ctx, uc, u.args)
	case task.ComplexDefinition:
		err = d.Execute(ctx, uc, u.owner)
	}

	if !uc.finished() {
		if err == nil {
			err = task.Invariantf("task %s returned without completing", u.id)
		}
		_ = uc.finish(ctx, task.Result{Err: err})
	}
}

// handleDone retires, re-enqueues or retries a completed unit and
// wakes whatever its resources were blocking. With stopping set, a
// cancellation-caused failure leaves the unit persisted for the next
// startup instead of failing it.
func (e *Engine) handleDone(ctx context.Context, done execDone, stopping bool) {
	u := done.u
	e.executing = nil

	ready, relErr := e.gate.Release(u.id, u.resources)
	if relErr != nil {
		e.log.ErrorCtx("resource release mismatch", map[string]any{
			"unit":  string(u.id),
			"error": relErr.Error(),
		})
	}
	for _, rid := range ready {
		if ru := e.units[rid]; ru != nil {
			ru.state = stateReady
			e.index.Upsert(rid, ru.priority, ru.tags)
		}
	}

	if done.err == nil {
		e.publish(EventCompleted, u, nil)
		if !u.simple && (done.marker != nil || u.replanned) {
			// Changes merged while executing: a fresh marker is already
			// committed; schedule it instead of losing the work.
			if done.marker != nil {
				u.resources = done.marker.Resources
				u.tags = done.marker.Tags
				u.priority = done.marker.Priority
			}
			u.attempts = 0
			u.backoff = nil
			u.replanned = false
			e.enqueue(u)
			e.publish(EventPlanned, u, nil)
			return
		}
		delete(e.units, u.id)
		return
	}

	if stopping && errors.Is(done.err, context.Canceled) {
		// Shutdown interrupted the unit mid-execute; its persisted row
		// carries it to the next startup.
		if u.timer != nil {
			u.timer.Stop()
		}
		delete(e.units, u.id)
		e.log.InfoCtx("execution interrupted by shutdown; unit left persisted", map[string]any{
			"unit": string(u.id),
			"type": string(u.typ),
		})
		return
	}

	if task.IsTransient(done.err) && !task.IsInvariant(done.err) {
		u.attempts++
		if u.attempts < e.cfg.MaxAttempts {
			e.scheduleRetry(ctx, u, done.err)
			return
		}
		done.err = task.Permanentf("task %s: attempts exhausted: %v", u.id, done.err)
	}
	e.failUnit(ctx, u, done.err)
}

func (e *Engine) scheduleRetry(ctx context.Context, u *unit, cause error) {
	if u.simple {
		if err := e.store.UpdateTaskAttempts(ctx, u.taskID, u.attempts); err != nil {
			e.log.Warnf("persisting attempts for %s: %v", u.id, err)
		}
	}
	delay := u.nextBackoff(e.cfg)
	u.state = stateRetrying
	e.publish(EventRetrying, u, cause)
	e.log.WarnCtx("transient failure, retrying", map[string]any{
		"unit":    string(u.id),
		"attempt": u.attempts,
		"delay":   delay.String(),
		"error":   cause.Error(),
	})

	id := u.id
	u.timer = time.AfterFunc(delay, func() {
		select {
		case e.retryCh <- id:
		case <-e.stopped:
		}
	})
}

// replan is the retry path: the backoff timer fired, the unit goes
// back through Planning with its original intent.
func (e *Engine) replan(ctx context.Context, id sched.UnitID) {
	u := e.units[id]
	if u == nil || u.state != stateRetrying {
		return
	}

	if u.simple {
		d := u.def.(task.SimpleDefinition)
		plan, err := d.Plan(ctx, task.Request{Type: u.typ, Args: u.request})
		if err != nil {
			e.failUnit(ctx, u, fmt.Errorf("re-planning %s: %w", u.id, err))
			return
		}
		u.args = plan.Args
		u.resources = plan.Resources
		u.tags = plan.Tags
		u.priority = plan.Priority
		err = e.store.SavePlannedTask(ctx, store.PlannedTask{
			ID:        u.taskID,
			Type:      string(u.typ),
			Args:      plan.Args,
			Resources: fromResources(plan.Resources),
			Tags:      fromTags(plan.Tags),
			Priority:  plan.Priority,
			Attempts:  u.attempts,
			CreatedAt: u.createdAt,
		})
		if err != nil {
			e.failUnit(ctx, u, err)
			return
		}
	}
	e.enqueue(u)
	e.publish(EventPlanned, u, nil)
}

// failUnit removes a permanently failed unit from every structure.
// One unit's dropped bookkeeping never corrupts the index or gate for
// the others.
func (e *Engine) failUnit(ctx context.Context, u *unit, cause error) {
	if u.timer != nil {
		u.timer.Stop()
	}
	e.index.Remove(u.id)
	e.gate.Unpark(u.id)
	delete(e.units, u.id)

	if u.simple {
		if err := e.store.DeletePlannedTask(ctx, u.taskID); err != nil {
			e.log.Warnf("removing failed task %s: %v", u.id, err)
		}
	} else if err := e.store.DeleteMarker(ctx, string(u.typ), string(u.owner)); err != nil {
		e.log.Warnf("removing failed marker %s: %v", u.id, err)
	}

	e.publish(EventFailed, u, cause)
	e.log.ErrorCtx("unit failed permanently", map[string]any{
		"unit":  string(u.id),
		"type":  string(u.typ),
		"error": cause.Error(),
	})
}

func (e *Engine) cancel(ctx context.Context, id sched.UnitID) error {
	u := e.units[id]
	if u == nil {
		return fmt.Errorf("cancelling %s: unknown unit", id)
	}
	if u.state == stateExecuting {
		return fmt.Errorf("cancelling %s: unit is executing", id)
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	e.index.Remove(id)
	e.gate.Unpark(id)
	delete(e.units, id)

	if u.simple {
		if err := e.store.DeletePlannedTask(ctx, u.taskID); err != nil {
			return err
		}
	} else if err := e.store.DeleteMarker(ctx, string(u.typ), string(u.owner)); err != nil {
		return err
	}
	e.publish(EventCancelled, u, nil)
	return nil
}

func (e *Engine) publish(t EventType, u *unit, cause error) {
	ev := Event{
		Type:     t,
		Unit:     u.id,
		TaskType: u.typ,
		Attempts: u.attempts,
	}
	if cause != nil {
		ev.Err = cause.Error()
	}
	e.bus.Publish(ev)
}

// nextBackoff returns the unit's next retry delay, creating its
// backoff state on first use.
func (u *unit) nextBackoff(cfg Config) time.Duration {
	if u.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.Multiplier = cfg.BackoffMultiplier
		b.RandomizationFactor = cfg.BackoffJitter
		b.MaxElapsedTime = 0 // the limit is attempt-counted
		b.Reset()
		u.backoff = b
	}
	d := u.backoff.NextBackOff()
	if d == backoff.Stop {
		d = cfg.BackoffMax
	}
	return d
}

// markerKey is the mutation key serializing a marker's bookkeeping.
func markerKey(t task.Type, owner task.OwnerID) string {
	return "marker/" + string(t) + "/" + string(owner)
}

// taskKey is the mutation key serializing a task row's retirement.
func taskKey(id string) string {
	return "task/" + id
}

func toResources(in []string) []sched.ResourceID {
	out := make([]sched.ResourceID, len(in))
	for i, r := range in {
		out[i] = sched.ResourceID(r)
	}
	return out
}

func fromResources(in []sched.ResourceID) []string {
	out := make([]string, len(in))
	for i, r := range in {
		out[i] = string(r)
	}
	return out
}

func toTags(in []string) []sched.Tag {
	out := make([]sched.Tag, len(in))
	for i, t := range in {
		out[i] = sched.Tag(t)
	}
	return out
}

func fromTags(in []sched.Tag) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = string(t)
	}
	return out
}
