package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/task"
)

// TypeSendMessage submits a composed message over SMTP.
const TypeSendMessage task.Type = "send_message"

// SendMessageArgs is the submission and planned payload of a send.
// Raw is the full RFC 5322 message.
type SendMessageArgs struct {
	AccountID string   `json:"account_id"`
	From      string   `json:"from,omitempty"`
	To        []string `json:"to"`
	Subject   string   `json:"subject,omitempty"`
	Raw       []byte   `json:"raw"`
}

// SendMessage serializes sends per account so submissions leave in
// order, and records the sent copy locally on commit.
type SendMessage struct {
	deps Deps
}

func (sm *SendMessage) Type() task.Type { return TypeSendMessage }

func (sm *SendMessage) Plan(ctx context.Context, req task.Request) (task.Plan, error) {
	var args SendMessageArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return task.Plan{}, task.Permanentf("parsing send_message args: %v", err)
	}
	if err := requireFields("account_id", args.AccountID); err != nil {
		return task.Plan{}, err
	}
	if len(args.To) == 0 {
		return task.Plan{}, task.Permanentf("send_message without recipients")
	}
	if len(args.Raw) == 0 {
		return task.Plan{}, task.Permanentf("send_message without body")
	}
	return task.Plan{
		Args:      req.Args,
		Resources: []sched.ResourceID{smtpResource(args.AccountID)},
		Tags:      []sched.Tag{accountTag(args.AccountID)},
		// Outgoing mail beats background syncing.
		Priority: 10,
	}, nil
}

func (sm *SendMessage) Execute(ctx context.Context, tc task.Context, raw json.RawMessage) error {
	var args SendMessageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return tc.FinishTask(ctx, task.Result{Err: task.Permanentf("parsing send_message args: %v", err)})
	}

	h, err := tc.AcquireAccount(ctx, args.AccountID)
	if err != nil {
		return tc.FinishTask(ctx, task.Result{Err: classify(err)})
	}
	if err := h.SendMessage(ctx, args.From, args.To, args.Raw); err != nil {
		// A failed submission is ambiguous: the server may have
		// accepted the message before the connection dropped.
		// Retrying could double-send, so surface it instead.
		return tc.FinishTask(ctx, task.Result{Err: task.Permanent(err)})
	}

	record := store.SentMessage{
		ID:        uuid.NewString(),
		AccountID: args.AccountID,
		From:      args.From,
		To:        args.To,
		Subject:   args.Subject,
		Size:      int64(len(args.Raw)),
		SentAt:    time.Now(),
	}
	return tc.FinishTask(ctx, task.Result{
		Keys: []string{"sent/" + args.AccountID},
		Commit: func(m *store.Mutation) (*task.MarkerPlan, error) {
			m.StageSentMessage(record)
			return nil, nil
		},
	})
}
