package ops

import (
	"context"
	"encoding/json"

	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// TypeMoveMessages moves messages between two folders of one account.
const TypeMoveMessages task.Type = "move_messages"

// MoveMessagesArgs is the submission and planned payload of a move.
type MoveMessagesArgs struct {
	AccountID string   `json:"account_id"`
	Source    string   `json:"source"`
	Dest      string   `json:"dest"`
	UIDs      []uint32 `json:"uids"`
}

// MoveMessages holds both folders' resources for its duration so no
// sync or flag drain observes the move half-done.
type MoveMessages struct {
	deps Deps
}

func (mv *MoveMessages) Type() task.Type { return TypeMoveMessages }

func (mv *MoveMessages) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	var args MoveMessagesArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return task.Plan{}, task.Permanentf("parsing move_messages args: %v", err)
	}
	if err := requireFields("account_id", args.AccountID, "source", args.Source, "dest", args.Dest); err != nil {
		return task.Plan{}, err
	}
	if len(args.UIDs) == 0 {
		return task.Plan{}, task.Permanentf("move_messages without uids")
	}
	if args.Source == args.Dest {
		return task.Plan{}, task.Permanentf("move_messages source equals dest")
	}
	return task.Plan{
		Args: req.Args,
		Resources: []sched.ResourceID{
			folderResource(args.AccountID, args.Source),
			folderResource(args.AccountID, args.Dest),
		},
		Tags: []sched.Tag{
			accountTag(args.AccountID),
			folderTag(args.AccountID, args.Source),
		},
	}, nil
}

func (mv *MoveMessages) Execute(ctx context.Context, tc task.Context, raw json.RawMessage) error {
	var args MoveMessagesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("parsing move_messages args: %v", err)})
	}

	h, err := tc.AcquireAccount(ctx, args.AccountID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}
	if err := h.MoveMessages(ctx, args.Source, args.Dest, args.UIDs); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}

	return tc.FinishTask(ctx, task.Result{
		Keys: []string{
			messagesKey(args.AccountID, args.Source),
			messagesKey(args.AccountID, args.Dest),
		},
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			// UIDs are not stable across folders; the rows keep their
			// old UID until the destination's next sync corrects them.
			m.StageMessageMove(args.AccountID, args.Source, args.Dest, args.UIDs)
			return nil, nil
		},
	})
}
