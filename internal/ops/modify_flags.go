package ops

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// TypeModifyFlags is the complex flag-change task. Work accumulates
// per "<account>/<folder>" owner: every submission merges into the
// owner's pending change-set, and one execution drains whatever has
// piled up, coalescing many requests into few STORE round trips.
const TypeModifyFlags task.Type = "modify_flags"

// FlagChange is one submission: flags to add to and remove from a
// message.
type FlagChange struct {
	UID    uint32   `json:"uid"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// ModifyFlags implements the complex task contract for flag changes.
type ModifyFlags struct {
	deps Deps
}

func (f *ModifyFlags) Type() task.Type { return TypeModifyFlags }

// MergeKeys covers the owner's pending change-set.
func (f *ModifyFlags) MergeKeys(owner task.OwnerID) []string {
	return []string{flagsKey(owner)}
}

func flagsKey(owner task.OwnerID) string {
	return "flags/" + string(owner)
}

// PlanMerge folds one change into the owner's pending state. The
// merge is idempotent (replaying a change is a no-op) and changes to
// different flags or UIDs commute: per flag, the latest direction
// wins, so add and remove lists stay disjoint.
func (f *ModifyFlags) PlanMerge(ctx context.Context, m *store.Mutation, owner task.OwnerID, raw json.RawMessage) (task.MarkerPlan, error) {
	accountID, folder, err := splitOwner(owner)
	if err != nil {
		return task.MarkerPlan{}, err
	}
	var change FlagChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return task.MarkerPlan{}, task.Permanentf("parsing flag change: %v", err)
	}
	if change.UID == 0 {
		return task.MarkerPlan{}, task.Permanentf("flag change without uid")
	}

	pending, err := m.PendingFlags(ctx, string(owner))
	if err != nil {
		return task.MarkerPlan{}, err
	}
	current := store.PendingFlag{OwnerID: string(owner), UID: change.UID}
	for _, pf := range pending {
		if pf.UID == change.UID {
			current = pf
			break
		}
	}

	current.Add = mergeDirection(current.Add, change.Add, change.Remove)
	current.Remove = mergeDirection(current.Remove, change.Remove, change.Add)
	m.StagePendingFlags(current)

	return f.placement(accountID, folder), nil
}

func (f *ModifyFlags) placement(accountID, folder string) task.MarkerPlan {
	return task.MarkerPlan{
		Resources: []sched.ResourceID{folderResource(accountID, folder)},
		Tags: []sched.Tag{
			accountTag(accountID),
			folderTag(accountID, folder),
		},
	}
}

// mergeDirection is one half of the merge rule: kept plus incoming,
// minus whatever the opposite direction now claims.
func mergeDirection(kept, incoming, opposite []string) []string {
	drop := make(map[string]struct{}, len(opposite))
	for _, flag := range opposite {
		drop[flag] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, flag := range append(append([]string{}, kept...), incoming...) {
		if _, gone := drop[flag]; gone {
			continue
		}
		if _, dup := seen[flag]; dup {
			continue
		}
		seen[flag] = struct{}{}
		out = append(out, flag)
	}
	sort.Strings(out)
	return out
}

// Execute drains a snapshot of the owner's pending set. UIDs with an
// identical (add, remove) signature share one STORE round trip.
// Changes merged while the drain runs are left in place; the commit
// subtracts only the drained portion and re-derives a marker for the
// rest.
func (f *ModifyFlags) Execute(ctx context.Context, tc task.Context, owner task.OwnerID) error {
	accountID, folder, err := splitOwner(owner)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: err})
	}

	snap, err := tc.BeginMutate(ctx, flagsKey(owner))
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Transient(err)})
	}
	drained, err := snap.PendingFlags(ctx, string(owner))
	snap.Close()
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Transient(err)})
	}
	if len(drained) == 0 {
		// Nothing accumulated; the marker is stale and the commit
		// below deletes it.
		return tc.FinishTask(ctx, task.Result{
			Keys:   []string{flagsKey(owner)},
			Commit: func(m *store.Mutation) (*task.MarkerPlan, error) { return nil, nil },
		})
	}

	h, err := tc.AcquireAccount(ctx, accountID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	for _, group := range groupBySignature(drained) {
		if err := h.StoreFlags(ctx, folder, group.uids, group.add, group.remove); err != nil {
			return tc.FinishTask(ctx, task.Result{Err: classify(err)})
		}
	}

	return tc.FinishTask(ctx, task.Result{
		Keys: []string{flagsKey(owner), messagesKey(accountID, folder)},
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			current, err := m.PendingFlags(ctx, string(owner))
			if err != nil {
				return nil, err
			}
			byUID := make(map[uint32]store.PendingFlag, len(drained))
			for _, pf := range drained {
				byUID[pf.UID] = pf
			}

			residue := false
			for _, pf := range current {
				old, wasDrained := byUID[pf.UID]
				if !wasDrained {
					residue = true
					continue
				}
				remaining := store.PendingFlag{
					OwnerID: pf.OwnerID,
					UID:     pf.UID,
					Add:     subtract(pf.Add, old.Add),
					Remove:  subtract(pf.Remove, old.Remove),
				}
				m.StagePendingFlags(remaining)
				if len(remaining.Add) > 0 || len(remaining.Remove) > 0 {
					residue = true
				}
			}
			for _, old := range drained {
				m.StageMessageFlags(accountID, folder, old.UID, old.Add, old.Remove)
			}

			if !residue {
				return nil, nil
			}
			plan := f.placement(accountID, folder)
			return &plan, nil
		},
	})
}

// flagGroup is the set of UIDs sharing one (add, remove) signature.
type flagGroup struct {
	uids   []uint32
	add    []string
	remove []string
}

func groupBySignature(pending []store.PendingFlag) []flagGroup {
	order := make([]string, 0)
	groups := make(map[string]*flagGroup)
	for _, pf := range pending {
		sig := strings.Join(pf.Add, ",") + "|" + strings.Join(pf.Remove, ",")
		g, ok := groups[sig]
		if !ok {
			g = &flagGroup{add: pf.Add, remove: pf.Remove}
			groups[sig] = g
			order = append(order, sig)
		}
		g.uids = append(g.uids, pf.UID)
	}
	out := make([]flagGroup, 0, len(groups))
	for _, sig := range order {
		out = append(out, *groups[sig])
	}
	return out
}

func subtract(from, drop []string) []string {
	gone := make(map[string]struct{}, len(drop))
	for _, flag := range drop {
		gone[flag] = struct{}{}
	}
	var out []string
	for _, flag := range from {
		if _, ok := gone[flag]; !ok {
			out = append(out, flag)
		}
	}
	return out
}

