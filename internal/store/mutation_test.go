package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestMutation_CommitAppliesStagedWrites(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, err := s.BeginMutate(ctx, "folder/a1/INBOX")
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}
	m.StageFolderState(model.FolderState{
		AccountID:   "a1",
		Folder:      "INBOX",
		UIDValidity: 7,
		LastSeenUID: 42,
		SyncedAt:    time.Now(),
	})
	m.StagePendingFlags(store.PendingFlag{
		OwnerID: "a1/INBOX",
		UID:     3,
		Add:     []string{"\\Seen"},
	})

	// Nothing is visible until Commit.
	st, err := s.GetFolderState(ctx, "a1", "INBOX")
	if err != nil {
		t.Fatalf("GetFolderState before commit: %v", err)
	}
	if st != nil {
		t.Fatalf("folder state visible before commit: %+v", st)
	}

	if err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	st, err = s.GetFolderState(ctx, "a1", "INBOX")
	if err != nil {
		t.Fatalf("GetFolderState: %v", err)
	}
	if st == nil || st.UIDValidity != 7 || st.LastSeenUID != 42 {
		t.Fatalf("folder state after commit = %+v, want uidvalidity 7 lastseen 42", st)
	}
	n, err := s.CountPendingFlags(ctx)
	if err != nil {
		t.Fatalf("CountPendingFlags: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending flag rows = %d, want 1", n)
	}
}

func TestMutation_CloseDiscardsStagedWrites(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, err := s.BeginMutate(ctx, "folder/a1/INBOX")
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}
	m.StageFolderState(model.FolderState{AccountID: "a1", Folder: "INBOX", SyncedAt: time.Now()})
	m.Close()

	st, err := s.GetFolderState(ctx, "a1", "INBOX")
	if err != nil {
		t.Fatalf("GetFolderState: %v", err)
	}
	if st != nil {
		t.Fatalf("folder state written by closed scope: %+v", st)
	}

	if err := m.Commit(ctx); err == nil {
		t.Fatal("Commit after Close returned nil error")
	}
}

func TestMutation_OverlappingScopesSerialize(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first, err := s.BeginMutate(ctx, "flags/a1/INBOX", "task/t1")
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}

	opened := make(chan struct{})
	go func() {
		second, err := s.BeginMutate(ctx, "task/t1")
		if err == nil {
			second.Close()
		}
		close(opened)
	}()

	select {
	case <-opened:
		t.Fatal("overlapping scope opened while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping scope never opened after release")
	}
}

func TestMutation_DisjointScopesDoNotBlock(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first, err := s.BeginMutate(ctx, "flags/a1/INBOX")
	if err != nil {
		t.Fatalf("BeginMutate: %v", err)
	}
	defer first.Close()

	opened := make(chan struct{})
	go func() {
		second, err := s.BeginMutate(ctx, "flags/a2/INBOX")
		if err == nil {
			second.Close()
		}
		close(opened)
	}()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint scope blocked")
	}
}

func TestStagePendingFlags_EmptyEntryDeletes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, _ := s.BeginMutate(ctx, "flags/a1/INBOX")
	m.StagePendingFlags(store.PendingFlag{OwnerID: "a1/INBOX", UID: 5, Add: []string{"\\Flagged"}})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	m, _ = s.BeginMutate(ctx, "flags/a1/INBOX")
	m.StagePendingFlags(store.PendingFlag{OwnerID: "a1/INBOX", UID: 5})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := s.CountPendingFlags(ctx)
	if err != nil {
		t.Fatalf("CountPendingFlags: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending flag rows = %d after draining entry, want 0", n)
	}
}

func TestStageMessageFlags_AppliesDelta(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, _ := s.BeginMutate(ctx, "messages/a1/INBOX")
	m.StageMessages([]model.MessageInfo{{
		AccountID: "a1", Folder: "INBOX", UID: 9,
		Subject: "hello", Flags: []string{"\\Seen"}, Date: time.Now(),
	}})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	m, _ = s.BeginMutate(ctx, "messages/a1/INBOX")
	m.StageMessageFlags("a1", "INBOX", 9, []string{"\\Flagged"}, []string{"\\Seen"})
	// A UID without a local row is silently skipped.
	m.StageMessageFlags("a1", "INBOX", 999, []string{"\\Flagged"}, nil)
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("flags commit: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "a1", "INBOX")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if len(msgs[0].Flags) != 1 || msgs[0].Flags[0] != "\\Flagged" {
		t.Fatalf("flags = %v, want [\\Flagged]", msgs[0].Flags)
	}
}

func TestStageMessageMove(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, _ := s.BeginMutate(ctx, "messages/a1/INBOX")
	m.StageMessages([]model.MessageInfo{
		{AccountID: "a1", Folder: "INBOX", UID: 1, Subject: "keep", Date: time.Now()},
		{AccountID: "a1", Folder: "INBOX", UID: 2, Subject: "move", Date: time.Now()},
	})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	m, _ = s.BeginMutate(ctx, "messages/a1/INBOX", "messages/a1/Archive")
	m.StageMessageMove("a1", "INBOX", "Archive", []uint32{2})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("move commit: %v", err)
	}

	inbox, _ := s.ListMessages(ctx, "a1", "INBOX")
	archive, _ := s.ListMessages(ctx, "a1", "Archive")
	if len(inbox) != 1 || inbox[0].UID != 1 {
		t.Fatalf("INBOX after move = %+v, want only uid 1", inbox)
	}
	if len(archive) != 1 || archive[0].UID != 2 {
		t.Fatalf("Archive after move = %+v, want only uid 2", archive)
	}
}

func TestStageClearFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	m, _ := s.BeginMutate(ctx, "messages/a1/INBOX")
	m.StageMessages([]model.MessageInfo{
		{AccountID: "a1", Folder: "INBOX", UID: 1, Date: time.Now()},
		{AccountID: "a1", Folder: "Sent", UID: 1, Date: time.Now()},
	})
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	m, _ = s.BeginMutate(ctx, "messages/a1/INBOX")
	m.StageClearFolder("a1", "INBOX")
	if err := m.Commit(ctx); err != nil {
		t.Fatalf("clear commit: %v", err)
	}

	inbox, _ := s.ListMessages(ctx, "a1", "INBOX")
	sent, _ := s.ListMessages(ctx, "a1", "Sent")
	if len(inbox) != 0 {
		t.Fatalf("INBOX after clear = %d rows, want 0", len(inbox))
	}
	if len(sent) != 1 {
		t.Fatalf("Sent after clearing INBOX = %d rows, want 1", len(sent))
	}
}
