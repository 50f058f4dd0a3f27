package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// TypeSyncFolder is the incremental folder sync task.
const TypeSyncFolder task.Type = "sync_folder"

// SyncFolderArgs is the submission and planned payload of a folder
// sync.
type SyncFolderArgs struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
}

// SyncFolder fetches message summaries the local store has not seen
// yet. A UIDVALIDITY change on the server invalidates every stored
// UID, so the folder is cleared and resynced from scratch.
type SyncFolder struct {
	deps Deps
}

func (s *SyncFolder) Type() task.Type { return TypeSyncFolder }

func (s *SyncFolder) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	var args SyncFolderArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return task.Plan{}, task.Permanentf("parsing sync_folder args: %v", err)
	}
	if err := requireFields("account_id", args.AccountID, "folder", args.Folder); err != nil {
		return task.Plan{}, err
	}
	return task.Plan{
		Args:      req.Args,
		Resources: []sched.ResourceID{folderResource(args.AccountID, args.Folder)},
		Tags: []sched.Tag{
			accountTag(args.AccountID),
			folderTag(args.AccountID, args.Folder),
		},
	}, nil
}

func (s *SyncFolder) Execute(ctx context.Context, tc task.Context, raw json.RawMessage) error {
	var args SyncFolderArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("parsing sync_folder args: %v", err)})
	}

	stateKey := folderKey(args.AccountID, args.Folder)
	msgKey := messagesKey(args.AccountID, args.Folder)

	// Snapshot the sync position, then release the scope before the
	// network round trips; the folder resource already serializes
	// competing writers.
	snap, err := tc.BeginMutate(ctx, stateKey)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Transient(err)})
	}
	prev, err := snap.FolderState(ctx, args.AccountID, args.Folder)
	snap.Close()
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Transient(err)})
	}

	h, err := tc.AcquireAccount(ctx, args.AccountID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	status, err := h.SelectFolder(ctx, args.Folder)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	sinceUID := uint32(0)
	fullResync := prev == nil || prev.UIDValidity != status.UIDValidity
	if !fullResync {
		sinceUID = prev.LastSeenUID
	} else if prev != nil {
		s.deps.Log.Warnf("UIDVALIDITY changed for %s/%s (%d -> %d), full resync",
			args.AccountID, args.Folder, prev.UIDValidity, status.UIDValidity)
	}

	msgs, err := h.FetchSince(ctx, args.Folder, sinceUID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	lastSeen := sinceUID
	for _, m := range msgs {
		if m.UID > lastSeen {
			lastSeen = m.UID
		}
	}

	return tc.FinishTask(ctx, task.Result{
		Keys: []string{stateKey, msgKey},
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			if fullResync && prev != nil {
				m.StageClearFolder(args.AccountID, args.Folder)
			}
			m.StageMessages(msgs)
			m.StageFolderState(model.FolderState{
				AccountID:   args.AccountID,
				Folder:      args.Folder,
				UIDValidity: status.UIDValidity,
				LastSeenUID: lastSeen,
				SyncedAt:    time.Now(),
			})
			return nil, nil
		},
	})
}
