package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
	"github.com/nhle/mailsync/tests/testutil"
)

// noAccounts is the provider for tests whose tasks never touch a
// session.
type noAccounts struct{}

func (noAccounts) Acquire(ctx context.Context, accountID string) (task.AccountHandle, error) {
	return nil, fmt.Errorf("no accounts in this test")
}

// workArgs is the payload of the fake simple type: the plan placement
// is carried in the request itself.
type workArgs struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Resource string   `json:"resource"`
	Tags     []string `json:"tags"`
}

func mustArgs(t *testing.T, a workArgs) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshaling args: %v", err)
	}
	return raw
}

// fakeSimple plans from workArgs and delegates execution to exec.
type fakeSimple struct {
	typ  task.Type
	exec func(ctx context.Context, tc task.Context, args workArgs) error
}

func (f *fakeSimple) Type() task.Type { return f.typ }

func (f *fakeSimple) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	var a workArgs
	if err := json.Unmarshal(req.Args, &a); err != nil {
		return task.Plan{}, task.Permanentf("parsing work args: %v", err)
	}
	p := task.Plan{Args: req.Args, Priority: a.Priority}
	if a.Resource != "" {
		p.Resources = []sched.ResourceID{sched.ResourceID(a.Resource)}
	}
	for _, tag := range a.Tags {
		p.Tags = append(p.Tags, sched.Tag(tag))
	}
	return p, nil
}

func (f *fakeSimple) Execute(ctx context.Context, tc task.Context, raw json.RawMessage) error {
	var a workArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("parsing work args: %v", err)})
	}
	return f.exec(ctx, tc, a)
}

// harness runs one engine against an in-memory store until the test
// ends.
type harness struct {
	t      *testing.T
	engine *Engine
	store  *store.Store
	events <-chan Event
}

func newHarness(t *testing.T, cfg Config, defs ...task.Definition) *harness {
	t.Helper()
	st := testutil.NewTestStore(t)
	reg := task.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("registering %s: %v", def.Type(), err)
		}
	}
	e := New(cfg, st, reg, noAccounts{}, logging.NewNop())
	events := e.Events().Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("engine Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return &harness{t: t, engine: e, store: st, events: events}
}

func fastRetries() Config {
	return Config{
		MaxAttempts:       5,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		EventBuffer:       256,
	}
}

// waitEvent consumes events until one matches.
func (h *harness) waitEvent(match func(Event) bool) Event {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.t.Fatal("event bus closed while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for event")
		}
	}
}

func (h *harness) waitCompleted(id sched.UnitID) Event {
	h.t.Helper()
	return h.waitEvent(func(ev Event) bool {
		return ev.Unit == id && ev.Type == EventCompleted
	})
}

func TestEngine_CompletesAndRetiresTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		close(started)
		<-release
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// The row is durable until the completion commit retires it.
	n, err := h.store.CountPlannedTasks(ctx)
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("planned rows while executing = %d, want 1", n)
	}

	close(release)
	h.waitCompleted(id)
	n, err = h.store.CountPlannedTasks(ctx)
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("planned rows after completion = %d, want 0", n)
	}
}

func TestEngine_SubmitUnknownType(t *testing.T) {
	h := newHarness(t, fastRetries())
	_, err := h.engine.Submit(context.Background(), task.Request{Type: "nope", Args: []byte(`{}`)})
	if err == nil {
		t.Fatal("Submit of unregistered type returned nil error")
	}
}

func TestEngine_QueueDrainsByPriority(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		started = make(chan struct{})
		release = make(chan struct{})
	)
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		if a.Name == "hold" {
			close(started)
			<-release
		}
		mu.Lock()
		order = append(order, a.Name)
		mu.Unlock()
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	submit := func(name string, priority int) sched.UnitID {
		t.Helper()
		id, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
			Name: name, Priority: priority, Resource: "R",
		})})
		if err != nil {
			t.Fatalf("Submit(%s): %v", name, err)
		}
		return id
	}

	submit("hold", 0)
	<-started
	submit("low", 1)
	submit("mid", 3)
	submit("high", 9)

	close(release)
	completed := 0
	h.waitEvent(func(ev Event) bool {
		if ev.Type == EventCompleted {
			completed++
		}
		return completed == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"hold", "high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestEngine_BoostReordersQueue(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		started = make(chan struct{})
		release = make(chan struct{})
	)
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		if a.Name == "hold" {
			close(started)
			<-release
		}
		mu.Lock()
		order = append(order, a.Name)
		mu.Unlock()
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "hold", Resource: "R",
	})})
	if err != nil {
		t.Fatalf("Submit(hold): %v", err)
	}
	<-started

	_, err = h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "focused", Priority: 1, Resource: "R", Tags: []string{"account:x"},
	})})
	if err != nil {
		t.Fatalf("Submit(focused): %v", err)
	}
	_, err = h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "background", Priority: 5, Resource: "R",
	})})
	if err != nil {
		t.Fatalf("Submit(background): %v", err)
	}

	// The frontend focuses account x: its tasks now outrank everything.
	err = h.engine.SetPriorityBoosts(ctx, "ui", map[sched.Tag]int{"account:x": 100})
	if err != nil {
		t.Fatalf("SetPriorityBoosts: %v", err)
	}

	close(release)
	completed := 0
	h.waitEvent(func(ev Event) bool {
		if ev.Type == EventCompleted {
			completed++
		}
		return completed == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"hold", "focused", "background"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestEngine_TransientFailureRetries(t *testing.T) {
	var calls int32
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return tc.FinishTask(ctx, task.Result{Err: task.Transientf("flaky network")})
		}
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	retries := 0
	h.waitEvent(func(ev Event) bool {
		if ev.Unit != id {
			return false
		}
		if ev.Type == EventRetrying {
			retries++
		}
		return ev.Type == EventCompleted
	})
	if retries != 2 {
		t.Fatalf("retrying events = %d, want 2", retries)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("executions = %d, want 3", got)
	}
}

func TestEngine_PermanentFailureRemovesTask(t *testing.T) {
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("bad credentials")})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := h.waitEvent(func(ev Event) bool {
		return ev.Unit == id && ev.Type == EventFailed
	})
	if !strings.Contains(ev.Err, "bad credentials") {
		t.Fatalf("failure event error = %q, want the cause", ev.Err)
	}

	n, err := h.store.CountPlannedTasks(ctx)
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("planned rows after permanent failure = %d, want 0", n)
	}
}

func TestEngine_AttemptsExhausted(t *testing.T) {
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		return tc.FinishTask(ctx, task.Result{Err: task.Transientf("still down")})
	}}
	cfg := fastRetries()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, def)

	id, err := h.engine.Submit(context.Background(), task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := h.waitEvent(func(ev Event) bool {
		return ev.Unit == id && ev.Type == EventFailed
	})
	if !strings.Contains(ev.Err, "attempts exhausted") {
		t.Fatalf("failure event error = %q, want attempts exhausted", ev.Err)
	}
}

func TestEngine_CancelBlockedUnit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		if a.Name == "hold" {
			close(started)
			<-release
		}
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	holdID, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "hold", Resource: "R",
	})})
	if err != nil {
		t.Fatalf("Submit(hold): %v", err)
	}
	<-started

	blockedID, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "blocked", Resource: "R",
	})})
	if err != nil {
		t.Fatalf("Submit(blocked): %v", err)
	}

	if err := h.engine.Cancel(ctx, holdID); err == nil {
		t.Fatal("cancelling an executing unit returned nil error")
	}
	if err := h.engine.Cancel(ctx, blockedID); err != nil {
		t.Fatalf("Cancel(blocked): %v", err)
	}
	h.waitEvent(func(ev Event) bool {
		return ev.Unit == blockedID && ev.Type == EventCancelled
	})
	if err := h.engine.Cancel(ctx, blockedID); err == nil {
		t.Fatal("cancelling twice returned nil error")
	}

	close(release)
	h.waitCompleted(holdID)

	n, err := h.store.CountPlannedTasks(ctx)
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("planned rows = %d, want 0", n)
	}
}

// runUntilStopped starts an engine on its own cancellable context so
// shutdown tests can drive the cancellation themselves.
func runUntilStopped(t *testing.T, defs ...task.Definition) (*Engine, *store.Store, <-chan Event, context.CancelFunc, chan error) {
	t.Helper()
	st := testutil.NewTestStore(t)
	reg := task.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("registering %s: %v", def.Type(), err)
		}
	}
	e := New(fastRetries(), st, reg, noAccounts{}, logging.NewNop())
	events := e.Events().Subscribe(256)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(cancel)
	return e, st, events, cancel, done
}

func waitStopped(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("engine Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_ShutdownCommitsFinishedUnit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		close(started)
		<-release
		return tc.FinishTask(ctx, task.Result{})
	}}
	e, st, events, cancel, done := runUntilStopped(t, def)

	_, err := e.Submit(context.Background(), task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// Cancellation arrives mid-execute; the unit still finishes its
	// work, so its commit must land and retire the row.
	cancel()
	close(release)
	waitStopped(t, done)

	var completed, failed int
	for ev := range events {
		switch ev.Type {
		case EventCompleted:
			completed++
		case EventFailed:
			failed++
		}
	}
	if completed != 1 || failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 1 completion and no failure", completed, failed)
	}
	n, err := st.CountPlannedTasks(context.Background())
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("planned rows after committed shutdown = %d, want 0", n)
	}
}

func TestEngine_ShutdownLeavesInterruptedUnitPersisted(t *testing.T) {
	started := make(chan struct{})
	def := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		close(started)
		<-ctx.Done()
		return tc.FinishTask(ctx, task.Result{Err: ctx.Err()})
	}}
	e, st, events, cancel, done := runUntilStopped(t, def)

	_, err := e.Submit(context.Background(), task.Request{Type: "work", Args: mustArgs(t, workArgs{Name: "w"})})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// The unit gives up on cancellation; its row survives for the next
	// startup instead of being failed away.
	cancel()
	waitStopped(t, done)

	for ev := range events {
		if ev.Type == EventFailed {
			t.Fatalf("interrupted unit failed permanently: %s", ev.Err)
		}
	}
	n, err := st.CountPlannedTasks(context.Background())
	if err != nil {
		t.Fatalf("CountPlannedTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("planned rows after interrupted shutdown = %d, want 1", n)
	}
}

// fakeComplex accumulates string items per owner in memory; each
// execution drains the snapshot it took when it started.
type fakeComplex struct {
	typ task.Type

	mu      sync.Mutex
	pending map[task.OwnerID][]string
	drained [][]string

	started chan struct{}
	release chan struct{}
}

func newFakeComplex() *fakeComplex {
	return &fakeComplex{
		typ:     "accumulate",
		pending: make(map[task.OwnerID][]string),
		started: make(chan struct{}, 4),
		release: make(chan struct{}, 4),
	}
}

func (f *fakeComplex) Type() task.Type { return f.typ }

func (f *fakeComplex) MergeKeys(owner task.OwnerID) []string {
	return []string{"acc/" + string(owner)}
}

func (f *fakeComplex) placement() task.MarkerPlan {
	return task.MarkerPlan{Resources: []sched.ResourceID{"R"}, Priority: 1}
}

func (f *fakeComplex) PlanMerge(ctx context.Context, m *store.Mutation, owner task.OwnerID, change json.RawMessage) (task.MarkerPlan, error) {
	var item string
	if err := json.Unmarshal(change, &item); err != nil {
		return task.MarkerPlan{}, task.Permanentf("parsing change: %v", err)
	}
	f.mu.Lock()
	f.pending[owner] = append(f.pending[owner], item)
	f.mu.Unlock()
	return f.placement(), nil
}

func (f *fakeComplex) Execute(ctx context.Context, tc task.Context, owner task.OwnerID) error {
	f.mu.Lock()
	snap := append([]string{}, f.pending[owner]...)
	f.mu.Unlock()

	f.started <- struct{}{}
	<-f.release

	return tc.FinishTask(ctx, task.Result{
		Keys: f.MergeKeys(owner),
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			rest := append([]string{}, f.pending[owner][len(snap):]...)
			f.drained = append(f.drained, snap)
			f.pending[owner] = rest
			if len(rest) == 0 {
				return nil, nil
			}
			p := f.placement()
			return &p, nil
		},
	})
}

func (f *fakeComplex) drains() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.drained))
	copy(out, f.drained)
	return out
}

func TestEngine_ComplexMergeWhileExecuting(t *testing.T) {
	def := newFakeComplex()
	h := newHarness(t, fastRetries(), def)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, task.Request{Type: def.typ, Owner: "o1", Args: []byte(`"a"`)})
	if err != nil {
		t.Fatalf("Submit(a): %v", err)
	}
	<-def.started

	// Merged mid-drain: must survive the first commit and run again.
	id2, err := h.engine.Submit(ctx, task.Request{Type: def.typ, Owner: "o1", Args: []byte(`"b"`)})
	if err != nil {
		t.Fatalf("Submit(b): %v", err)
	}
	if id2 != id {
		t.Fatalf("second merge unit = %s, want the same marker %s", id2, id)
	}
	n, err := h.store.CountMarkers(ctx)
	if err != nil {
		t.Fatalf("CountMarkers: %v", err)
	}
	if n != 1 {
		t.Fatalf("markers = %d while merging one owner, want 1", n)
	}

	def.release <- struct{}{}
	h.waitCompleted(id)

	<-def.started
	def.release <- struct{}{}
	h.waitCompleted(id)

	drains := def.drains()
	if len(drains) != 2 {
		t.Fatalf("drains = %v, want two executions", drains)
	}
	if len(drains[0]) != 1 || drains[0][0] != "a" {
		t.Fatalf("first drain = %v, want [a]", drains[0])
	}
	if len(drains[1]) != 1 || drains[1][0] != "b" {
		t.Fatalf("second drain = %v, want [b]", drains[1])
	}

	n, err = h.store.CountMarkers(ctx)
	if err != nil {
		t.Fatalf("CountMarkers: %v", err)
	}
	if n != 0 {
		t.Fatalf("markers after final drain = %d, want 0", n)
	}
}

func TestEngine_ComplexMergesCoalesce(t *testing.T) {
	def := newFakeComplex()

	// A holder keeps the marker's resource busy so the merges stack up
	// unexecuted.
	started := make(chan struct{})
	release := make(chan struct{})
	holder := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		close(started)
		<-release
		return tc.FinishTask(ctx, task.Result{})
	}}
	h := newHarness(t, fastRetries(), def, holder)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, task.Request{Type: "work", Args: mustArgs(t, workArgs{
		Name: "hold", Resource: "R",
	})})
	if err != nil {
		t.Fatalf("Submit(hold): %v", err)
	}
	<-started

	var id sched.UnitID
	for _, item := range []string{`"a"`, `"b"`, `"c"`} {
		id, err = h.engine.Submit(ctx, task.Request{Type: def.typ, Owner: "o1", Args: []byte(item)})
		if err != nil {
			t.Fatalf("Submit(%s): %v", item, err)
		}
	}

	close(release)
	<-def.started
	def.release <- struct{}{}
	h.waitCompleted(id)

	drains := def.drains()
	if len(drains) != 1 {
		t.Fatalf("drains = %v, want one coalesced execution", drains)
	}
	if len(drains[0]) != 3 {
		t.Fatalf("first drain = %v, want all three merged items", drains[0])
	}
}

func TestEngine_LoadRebuildsUnits(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	err := st.SavePlannedTask(ctx, store.PlannedTask{
		ID:       "t1",
		Type:     "work",
		Args:     []byte(`{"name":"w"}`),
		Priority: 2,
	})
	if err != nil {
		t.Fatalf("SavePlannedTask: %v", err)
	}
	err = st.SavePlannedTask(ctx, store.PlannedTask{
		ID:   "t2",
		Type: "forgotten",
		Args: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("SavePlannedTask: %v", err)
	}
	m, err := st.BeginMutate(ctx, "marker/accumulate/o1")
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}
	m.StageMarker(store.Marker{Type: "accumulate", OwnerID: "o1", Priority: 1})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reg := task.NewRegistry()
	simple := &fakeSimple{typ: "work", exec: func(ctx context.Context, tc task.Context, a workArgs) error {
		return tc.FinishTask(ctx, task.Result{})
	}}
	if err := reg.Register(simple); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(newFakeComplex()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e := New(fastRetries(), st, reg, noAccounts{}, logging.NewNop())
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The unknown type is skipped; the task and the marker are back.
	if len(e.units) != 2 {
		t.Fatalf("rebuilt units = %d, want 2", len(e.units))
	}
	if u := e.units["t1"]; u == nil || !u.simple || u.priority != 2 {
		t.Fatalf("rebuilt task = %+v", u)
	}
	marker := e.units[task.MarkerUnitID("accumulate", "o1")]
	if marker == nil || marker.simple {
		t.Fatalf("rebuilt marker = %+v", marker)
	}
	if e.index.Len() != 2 {
		t.Fatalf("indexed units = %d, want 2", e.index.Len())
	}
}
