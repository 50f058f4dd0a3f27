package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage account credentials",
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cfg.Accounts) == 0 {
			fmt.Fprintln(out, "no accounts configured")
			return nil
		}
		for _, a := range cfg.Accounts {
			state := "enabled"
			if !a.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "%s\t%s@%s:%d\t%s\t%d folders\n",
				a.ID, a.Username, a.Host, a.Port, state, len(a.Folders))
		}
		return nil
	},
}

var accountSetPasswordCmd = &cobra.Command{
	Use:   "set-password <account-id>",
	Short: "Store an account's password in the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		id := args[0]
		if _, ok := cfg.Account(id); !ok {
			return fmt.Errorf("account %s is not in the configuration", id)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "password for %s: ", id)
		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return fmt.Errorf("empty password")
		}

		if err := credential.SetAccount(id, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored password for %s\n", id)
		return nil
	},
}

var accountDeletePasswordCmd = &cobra.Command{
	Use:   "delete-password <account-id>",
	Short: "Remove an account's password from the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return credential.DeleteAccount(args[0])
	},
}

func init() {
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountSetPasswordCmd)
	accountCmd.AddCommand(accountDeletePasswordCmd)
	rootCmd.AddCommand(accountCmd)
}
