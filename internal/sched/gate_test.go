package sched

import "testing"

func TestTryAcquireAll_AllOrNothing(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("t1", []ResourceID{"b"}) {
		t.Fatal("acquiring free resource failed")
	}

	if g.TryAcquireAll("t2", []ResourceID{"a", "b"}) {
		t.Fatal("acquired overlapping set while b is held")
	}
	// The failed attempt must not leave a partially held.
	if holder, ok := g.Holder("a"); ok {
		t.Fatalf("resource a held by %s after failed acquisition, want free", holder)
	}

	if !g.TryAcquireAll("t2", []ResourceID{"a"}) {
		t.Fatal("acquiring disjoint free resource failed")
	}
}

func TestTryAcquireAll_EmptySet(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("t", nil) {
		t.Fatal("empty resource set must always be acquirable")
	}
}

func TestRelease_HandsBackSatisfiedWaiters(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("holder", []ResourceID{"a", "b"}) {
		t.Fatal("setup acquisition failed")
	}
	g.Park("w1", []ResourceID{"a"})
	g.Park("w2", []ResourceID{"a", "b"})

	ready, err := g.Release("holder", []ResourceID{"a"})
	if err != nil {
		t.Fatalf("Release(a) error: %v", err)
	}
	if len(ready) != 1 || ready[0] != "w1" {
		t.Fatalf("Release(a) ready = %v, want [w1]", ready)
	}
	if !g.Blocked("w2") {
		t.Fatal("w2 no longer parked, but b is still held")
	}

	ready, err = g.Release("holder", []ResourceID{"b"})
	if err != nil {
		t.Fatalf("Release(b) error: %v", err)
	}
	if len(ready) != 1 || ready[0] != "w2" {
		t.Fatalf("Release(b) ready = %v, want [w2]", ready)
	}
	if g.Blocked("w2") {
		t.Fatal("w2 still parked after being handed back")
	}
}

func TestRelease_Mismatch(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("t1", []ResourceID{"a"}) {
		t.Fatal("setup acquisition failed")
	}
	if !g.TryAcquireAll("t2", []ResourceID{"b"}) {
		t.Fatal("setup acquisition failed")
	}

	// Releasing a resource held by someone else reports an error but
	// still frees the claimant's own resources.
	_, err := g.Release("t1", []ResourceID{"a", "b"})
	if err == nil {
		t.Fatal("Release of foreign resource returned nil error")
	}
	if _, held := g.Holder("a"); held {
		t.Error("resource a still held after release")
	}
	if holder, _ := g.Holder("b"); holder != "t2" {
		t.Errorf("resource b holder = %s, want t2", holder)
	}

	_, err = g.Release("t1", []ResourceID{"a"})
	if err == nil {
		t.Error("double release returned nil error")
	}
}

func TestPark_Replaces(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("holder", []ResourceID{"a", "b"}) {
		t.Fatal("setup acquisition failed")
	}
	g.Park("w", []ResourceID{"a"})
	g.Park("w", []ResourceID{"b"})

	ready, _ := g.Release("holder", []ResourceID{"a"})
	if len(ready) != 0 {
		t.Fatalf("Release(a) ready = %v, want none; w now waits on b", ready)
	}
	ready, _ = g.Release("holder", []ResourceID{"b"})
	if len(ready) != 1 || ready[0] != "w" {
		t.Fatalf("Release(b) ready = %v, want [w]", ready)
	}
}

func TestUnpark(t *testing.T) {
	g := NewGate()
	if !g.TryAcquireAll("holder", []ResourceID{"a"}) {
		t.Fatal("setup acquisition failed")
	}
	g.Park("w", []ResourceID{"a"})

	if !g.Unpark("w") {
		t.Fatal("Unpark(w) = false, want true")
	}
	if g.Unpark("w") {
		t.Fatal("Unpark(w) twice = true, want false")
	}
	ready, _ := g.Release("holder", []ResourceID{"a"})
	if len(ready) != 0 {
		t.Fatalf("Release ready = %v after unpark, want none", ready)
	}
}

func TestGateWithIndex_BlockedUnitNotExtractable(t *testing.T) {
	// Two units competing for R: the popped winner holds R, the loser
	// parks and is invisible to extraction until release hands it back.
	x := NewIndex()
	g := NewGate()
	res := []ResourceID{"R"}

	x.Upsert("T1", 0, nil)
	x.Upsert("T2", 0, nil)

	id, _ := x.ExtractBest()
	if id != "T1" {
		t.Fatalf("first pop = %q, want T1", id)
	}
	if !g.TryAcquireAll(id, res) {
		t.Fatal("T1 failed to acquire free R")
	}

	id, _ = x.ExtractBest()
	if id != "T2" {
		t.Fatalf("second pop = %q, want T2", id)
	}
	if g.TryAcquireAll(id, res) {
		t.Fatal("T2 acquired R while T1 holds it")
	}
	g.Park(id, res)

	if popped, ok := x.ExtractBest(); ok {
		t.Fatalf("ExtractBest() = %q while T2 is blocked, want empty", popped)
	}

	ready, err := g.Release("T1", res)
	if err != nil {
		t.Fatalf("Release error: %v", err)
	}
	for _, r := range ready {
		x.Upsert(r, 0, nil)
	}
	id, ok := x.ExtractBest()
	if !ok || id != "T2" {
		t.Fatalf("pop after release = %q (ok=%v), want T2", id, ok)
	}
}

func TestGateWithIndex_WaitersServicedByPriority(t *testing.T) {
	// Both waiters become satisfiable at once; the index decides who
	// goes first, by priority rather than parking order.
	x := NewIndex()
	g := NewGate()
	res := []ResourceID{"R"}

	if !g.TryAcquireAll("holder", res) {
		t.Fatal("setup acquisition failed")
	}
	g.Park("lowPri", res)
	g.Park("highPri", res)

	ready, _ := g.Release("holder", res)
	if len(ready) != 2 {
		t.Fatalf("Release ready = %v, want both waiters", ready)
	}
	x.Upsert("lowPri", 1, nil)
	x.Upsert("highPri", 9, nil)

	id, _ := x.ExtractBest()
	if id != "highPri" {
		t.Fatalf("first serviced waiter = %q, want highPri", id)
	}
	if !g.TryAcquireAll(id, res) {
		t.Fatal("highPri failed to acquire released R")
	}

	// The loser re-parks when its own acquisition fails.
	id, _ = x.ExtractBest()
	if g.TryAcquireAll(id, res) {
		t.Fatalf("%s acquired R while highPri holds it", id)
	}
	g.Park(id, res)
	if !g.Blocked("lowPri") {
		t.Fatal("lowPri not parked after losing the race")
	}
}
