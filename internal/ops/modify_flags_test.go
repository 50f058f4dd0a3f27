package ops

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestMergeDirection(t *testing.T) {
	tests := []struct {
		name     string
		kept     []string
		incoming []string
		opposite []string
		want     []string
	}{
		{
			name:     "accumulates",
			kept:     []string{"\\Seen"},
			incoming: []string{"\\Flagged"},
			want:     []string{"\\Flagged", "\\Seen"},
		},
		{
			name:     "replay is a no-op",
			kept:     []string{"\\Seen"},
			incoming: []string{"\\Seen"},
			want:     []string{"\\Seen"},
		},
		{
			name:     "opposite direction wins",
			kept:     []string{"\\Seen", "\\Flagged"},
			opposite: []string{"\\Seen"},
			want:     []string{"\\Flagged"},
		},
		{
			name: "empty stays empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeDirection(tt.kept, tt.incoming, tt.opposite)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("mergeDirection(%v, %v, %v) = %v, want %v",
					tt.kept, tt.incoming, tt.opposite, got, tt.want)
			}
		})
	}
}

func TestSubtract(t *testing.T) {
	got := subtract([]string{"a", "b", "c"}, []string{"b"})
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("subtract = %v, want [a c]", got)
	}
	if got := subtract([]string{"a"}, []string{"a"}); got != nil {
		t.Fatalf("subtract to empty = %v, want nil", got)
	}
}

func TestGroupBySignature(t *testing.T) {
	pending := []store.PendingFlag{
		{UID: 1, Add: []string{"\\Seen"}},
		{UID: 2, Add: []string{"\\Seen"}},
		{UID: 3, Remove: []string{"\\Seen"}},
		{UID: 4, Add: []string{"\\Seen"}},
	}
	groups := groupBySignature(pending)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if !reflect.DeepEqual(groups[0].uids, []uint32{1, 2, 4}) {
		t.Fatalf("add group uids = %v, want [1 2 4]", groups[0].uids)
	}
	if !reflect.DeepEqual(groups[1].uids, []uint32{3}) {
		t.Fatalf("remove group uids = %v, want [3]", groups[1].uids)
	}
}

func TestSplitOwner(t *testing.T) {
	acct, folder, err := splitOwner("a1/INBOX")
	if err != nil {
		t.Fatalf("splitOwner: %v", err)
	}
	if acct != "a1" || folder != "INBOX" {
		t.Fatalf("splitOwner = %q/%q", acct, folder)
	}

	// Folder names may contain slashes; only the first separates.
	acct, folder, err = splitOwner("a1/Archive/2024")
	if err != nil {
		t.Fatalf("splitOwner: %v", err)
	}
	if acct != "a1" || folder != "Archive/2024" {
		t.Fatalf("splitOwner = %q/%q", acct, folder)
	}

	for _, bad := range []task.OwnerID{"", "nofolder", "/INBOX", "a1/"} {
		if _, _, err := splitOwner(bad); err == nil {
			t.Errorf("splitOwner(%q) accepted a malformed owner", bad)
		}
	}
}

func TestPlanMerge_FoldsIntoPendingState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	f := &ModifyFlags{}
	owner := OwnerID("a1", "INBOX")

	merge := func(change FlagChange) {
		t.Helper()
		raw, err := json.Marshal(change)
		if err != nil {
			t.Fatalf("marshaling change: %v", err)
		}
		m, err := s.BeginMutate(ctx, f.MergeKeys(owner)...)
		if err != nil {
			t.Fatalf("BeginMutate: %v", err)
		}
		if _, err := f.PlanMerge(ctx, m, owner, raw); err != nil {
			m.Close()
			t.Fatalf("PlanMerge: %v", err)
		}
		if err := m.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	read := func() []store.PendingFlag {
		t.Helper()
		m, err := s.BeginMutate(ctx, f.MergeKeys(owner)...)
		if err != nil {
			t.Fatalf("BeginMutate: %v", err)
		}
		defer m.Close()
		pending, err := m.PendingFlags(ctx, string(owner))
		if err != nil {
			t.Fatalf("PendingFlags: %v", err)
		}
		return pending
	}

	merge(FlagChange{UID: 5, Add: []string{"\\Seen"}})
	merge(FlagChange{UID: 5, Add: []string{"\\Flagged"}})
	merge(FlagChange{UID: 7, Remove: []string{"\\Seen"}})

	pending := read()
	if len(pending) != 2 {
		t.Fatalf("pending rows = %d, want 2", len(pending))
	}
	if !reflect.DeepEqual(pending[0].Add, []string{"\\Flagged", "\\Seen"}) {
		t.Fatalf("uid 5 add = %v, want accumulated set", pending[0].Add)
	}
	if !reflect.DeepEqual(pending[1].Remove, []string{"\\Seen"}) {
		t.Fatalf("uid 7 remove = %v", pending[1].Remove)
	}

	// Replaying a merge leaves the state unchanged.
	merge(FlagChange{UID: 5, Add: []string{"\\Flagged"}})
	if again := read(); !reflect.DeepEqual(again, pending) {
		t.Fatalf("replayed merge changed state: %v, want %v", again, pending)
	}

	// The latest direction for a flag wins and clears the opposite.
	merge(FlagChange{UID: 5, Remove: []string{"\\Seen"}})
	pending = read()
	if !reflect.DeepEqual(pending[0].Add, []string{"\\Flagged"}) {
		t.Fatalf("uid 5 add after flip = %v, want [\\Flagged]", pending[0].Add)
	}
	if !reflect.DeepEqual(pending[0].Remove, []string{"\\Seen"}) {
		t.Fatalf("uid 5 remove after flip = %v, want [\\Seen]", pending[0].Remove)
	}
}

func TestPlanMerge_RejectsMalformedChange(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	f := &ModifyFlags{}

	m, err := s.BeginMutate(ctx, f.MergeKeys("a1/INBOX")...)
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}
	defer m.Close()

	if _, err := f.PlanMerge(ctx, m, "a1/INBOX", []byte(`{"add":["\\Seen"]}`)); !task.IsPermanent(err) {
		t.Fatalf("PlanMerge without uid = %v, want permanent", err)
	}
	if _, err := f.PlanMerge(ctx, m, "a1/INBOX", []byte(`not json`)); !task.IsPermanent(err) {
		t.Fatalf("PlanMerge of junk = %v, want permanent", err)
	}
}
