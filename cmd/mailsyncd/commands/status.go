package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted engine state",
	Long: `Print pending tasks, markers, accumulated flag changes and the
sync position of every folder from the durable store.`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	tasks, err := st.CountPlannedTasks(ctx)
	if err != nil {
		return err
	}
	markers, err := st.CountMarkers(ctx)
	if err != nil {
		return err
	}
	pending, err := st.CountPendingFlags(ctx)
	if err != nil {
		return err
	}
	messages, err := st.CountMessages(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "planned tasks:  %d\n", tasks)
	fmt.Fprintf(out, "markers:        %d\n", markers)
	fmt.Fprintf(out, "pending flags:  %d\n", pending)
	fmt.Fprintf(out, "messages:       %d\n", messages)

	states, err := st.ListFolderStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(out, "\nno folders synced yet")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tFOLDER\tUIDVALIDITY\tLAST UID\tSYNCED")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			s.AccountID, s.Folder, s.UIDValidity, s.LastSeenUID,
			s.SyncedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
