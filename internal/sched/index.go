// Package sched provides the scheduling primitives of the sync engine:
// a priority index ordering ready units of work and a resource gate
// serializing access to exclusively held resources.
package sched

import "container/heap"

// UnitID identifies a schedulable unit, either a planned task or a
// complex-task marker.
type UnitID string

// Tag labels a unit for dynamic priority boosting, for example
// "account:42" or "folder:work/INBOX".
type Tag string

// OwnerID identifies an entity asserting priority boosts, typically a
// frontend focus indicator.
type OwnerID string

// Index is a priority queue over schedulable units. Higher effective
// priority pops first; ties pop in insertion order. Effective priority
// is the unit's own relative priority plus the summed weight of its
// tags, where a tag's weight is the sum of the boosts currently
// asserted for it across all owners.
//
// Index is not safe for concurrent use. The task manager's scheduler
// goroutine owns it.
type Index struct {
	heap    entryHeap
	entries map[UnitID]*entry
	byTag   map[Tag]map[*entry]struct{}
	weights map[Tag]int
	boosts  map[OwnerID]map[Tag]int
	seq     uint64
}

// entry is a heap slot. The key is the negated effective priority so
// the min-heap pops the highest priority first; the negation never
// leaves this package. seq breaks ties first-in first-out and is
// stable across re-weighting.
type entry struct {
	id   UnitID
	key  int
	seq  uint64
	pos  int
	base int
	tags []Tag
}

// NewIndex returns an empty priority index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[UnitID]*entry),
		byTag:   make(map[Tag]map[*entry]struct{}),
		weights: make(map[Tag]int),
		boosts:  make(map[OwnerID]map[Tag]int),
	}
}

// Upsert inserts the unit or, if it is already present, re-derives its
// priority from the given base priority and tags. Currently asserted
// tag weights apply immediately in both cases.
func (x *Index) Upsert(id UnitID, base int, tags []Tag) {
	uniq := dedupeTags(tags)
	key := -x.effective(base, uniq)
	if e, ok := x.entries[id]; ok {
		x.untag(e)
		e.base = base
		e.tags = uniq
		e.key = key
		x.tag(e)
		heap.Fix(&x.heap, e.pos)
		return
	}
	e := &entry{
		id:   id,
		key:  key,
		seq:  x.seq,
		base: base,
		tags: uniq,
	}
	x.seq++
	x.entries[id] = e
	heap.Push(&x.heap, e)
	x.tag(e)
}

// ExtractBest removes and returns the highest-priority unit. The
// second return is false when the index is empty.
func (x *Index) ExtractBest() (UnitID, bool) {
	if x.heap.Len() == 0 {
		return "", false
	}
	e := heap.Pop(&x.heap).(*entry)
	x.untag(e)
	delete(x.entries, e.id)
	return e.id, true
}

// Remove drops the unit if present and reports whether it was.
func (x *Index) Remove(id UnitID) bool {
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	heap.Remove(&x.heap, e.pos)
	x.untag(e)
	delete(x.entries, id)
	return true
}

// Contains reports whether the unit is currently indexed.
func (x *Index) Contains(id UnitID) bool {
	_, ok := x.entries[id]
	return ok
}

// Len returns the number of indexed units.
func (x *Index) Len() int {
	return len(x.heap)
}

// EffectivePriority returns the unit's current effective priority.
func (x *Index) EffectivePriority(id UnitID) (int, bool) {
	e, ok := x.entries[id]
	if !ok {
		return 0, false
	}
	return -e.key, true
}

// TagWeight returns the summed boost currently asserted for the tag
// across all owners.
func (x *Index) TagWeight(tag Tag) int {
	return x.weights[tag]
}

// SetOwnerBoosts replaces the owner's asserted tag boosts with the
// given mapping; nil or empty clears the owner entirely. The delta
// against the owner's previous mapping is folded into the global tag
// weights, then every affected entry is re-keyed once with its
// aggregate delta, so an entry carrying several changed tags costs a
// single heap fix. Weight rows that return to zero are dropped.
func (x *Index) SetOwnerBoosts(owner OwnerID, boosts map[Tag]int) {
	delta := make(map[Tag]int)
	for tag, b := range x.boosts[owner] {
		delta[tag] -= b
	}
	for tag, b := range boosts {
		delta[tag] += b
	}

	if len(boosts) == 0 {
		delete(x.boosts, owner)
	} else {
		kept := make(map[Tag]int, len(boosts))
		for tag, b := range boosts {
			kept[tag] = b
		}
		x.boosts[owner] = kept
	}

	shift := make(map[*entry]int)
	for tag, d := range delta {
		if d == 0 {
			continue
		}
		if w := x.weights[tag] + d; w == 0 {
			delete(x.weights, tag)
		} else {
			x.weights[tag] = w
		}
		for e := range x.byTag[tag] {
			shift[e] += d
		}
	}
	for e, d := range shift {
		if d == 0 {
			continue
		}
		e.key -= d
		heap.Fix(&x.heap, e.pos)
	}
}

func (x *Index) effective(base int, tags []Tag) int {
	eff := base
	for _, t := range tags {
		eff += x.weights[t]
	}
	return eff
}

func (x *Index) tag(e *entry) {
	for _, t := range e.tags {
		set, ok := x.byTag[t]
		if !ok {
			set = make(map[*entry]struct{})
			x.byTag[t] = set
		}
		set[e] = struct{}{}
	}
}

func (x *Index) untag(e *entry) {
	for _, t := range e.tags {
		set := x.byTag[t]
		delete(set, e)
		if len(set) == 0 {
			delete(x.byTag, t)
		}
	}
}

// dedupeTags copies tags in order dropping repeats. Entries always
// carry unique tags, so a tag listed twice weighs once in the key and
// shifts once on re-weighting.
func dedupeTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]Tag, 0, len(tags))
	seen := make(map[Tag]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(v any) {
	e := v.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
