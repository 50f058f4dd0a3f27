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

// TypeCreateFolder creates a mailbox on the server.
const TypeCreateFolder task.Type = "create_folder"

// CreateFolderArgs is the submission and planned payload.
type CreateFolderArgs struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// CreateFolder creates the mailbox and seeds empty local sync state
// so the next schedule tick can pick the folder up.
type CreateFolder struct {
	deps Deps
}

func (c *CreateFolder) Type() task.Type { return TypeCreateFolder }

func (c *CreateFolder) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	var args CreateFolderArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return task.Plan{}, task.Permanentf("parsing create_folder args: %v", err)
	}
	if err := requireFields("account_id", args.AccountID, "name", args.Name); err != nil {
		return task.Plan{}, err
	}
	return task.Plan{
		Args:      req.Args,
		Resources: []sched.ResourceID{accountResource(args.AccountID)},
		Tags:      []sched.Tag{accountTag(args.AccountID)},
	}, nil
}

func (c *CreateFolder) Execute(ctx context.Context, tc task.Context, raw json.RawMessage) error {
	var args CreateFolderArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("parsing create_folder args: %v", err)})
	}

	h, err := tc.AcquireAccount(ctx, args.AccountID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}
	if err := h.CreateFolder(ctx, args.Name); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	return tc.FinishTask(ctx, task.Result{
		Keys: []string{folderKey(args.AccountID, args.Name)},
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			m.StageFolderState(model.FolderState{
				AccountID: args.AccountID,
				Folder:    args.Name,
				SyncedAt:  time.Now(),
			})
			return nil, nil
		},
	})
}
