package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/engine"
	"github.com/nhle/mailsync/internal/ops"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/task"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync all accounts once and exit",
	Long: `Submit one folder-sync task per configured folder, wait for
them to finish, and report the outcome of each.`,
	RunE: syncOnce,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func syncOnce(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.engine.Load(ctx); err != nil {
		return err
	}

	// Subscribe before submitting so no completion can slip past.
	events := a.engine.Events().Subscribe(a.cfg.Scheduler.EventBuffer)

	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(ctx) }()

	pending := make(map[sched.UnitID]string)
	for _, acct := range a.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		for _, folder := range acct.Folders {
			raw, err := json.Marshal(ops.SyncFolderArgs{
				AccountID: acct.ID,
				Folder:    folder,
			})
			if err != nil {
				return err
			}
			id, err := a.engine.Submit(ctx, task.Request{
				Type: ops.TypeSyncFolder,
				Args: raw,
			})
			if err != nil {
				return fmt.Errorf("submitting sync for %s/%s: %w", acct.ID, folder, err)
			}
			pending[id] = acct.ID + "/" + folder
		}
	}
	if len(pending) == 0 {
		fmt.Println("no enabled accounts to sync")
		cancel()
		return <-engineDone
	}

	failed := 0
	for ev := range events {
		name, ours := pending[ev.Unit]
		if !ours {
			continue
		}
		switch ev.Type {
		case engine.EventCompleted:
			fmt.Printf("synced  %s\n", name)
		case engine.EventFailed:
			fmt.Printf("FAILED  %s: %s\n", name, ev.Err)
			failed++
		case engine.EventRetrying:
			fmt.Printf("retry   %s (attempt %d): %s\n", name, ev.Attempts, ev.Err)
			continue
		default:
			continue
		}
		delete(pending, ev.Unit)
		if len(pending) == 0 {
			break
		}
	}

	cancel()
	if err := <-engineDone; err != nil && err != context.Canceled {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d folder(s) failed to sync", failed)
	}
	return nil
}
