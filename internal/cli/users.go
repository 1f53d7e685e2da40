package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapngo/snapbot/internal/daemon"
	"github.com/snapngo/snapbot/internal/domain"
)

func init() {
	usersSyncCmd.Flags().BoolVar(&syncWelcome, "welcome", false, "Also post the welcome message to every active member")
	usersCmd.AddCommand(usersSyncCmd, usersStatusCmd, usersListCmd)
	rootCmd.AddCommand(usersCmd)
}

var syncWelcome bool

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage the participant roster",
}

var usersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull workspace members from Slack into the ledger",
	RunE:  runUsersSync,
}

var usersStatusCmd = &cobra.Command{
	Use:   "status <user> <active|inactive>",
	Short: "Set a participant's account status",
	Args:  cobra.ExactArgs(2),
	RunE:  runUsersStatus,
}

var usersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active participants",
	RunE:    runUsersList,
}

func runUsersSync(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	members, err := d.Roster.Sync(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d members.\n", len(members))

	if !syncWelcome {
		return nil
	}
	active, err := d.Ledger.ActiveUsers(cmd.Context())
	if err != nil {
		return err
	}
	sent, err := d.Roster.Welcome(cmd.Context(), active)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Welcomed %d members.\n", sent)
	return nil
}

func runUsersStatus(cmd *cobra.Command, args []string) error {
	status := domain.AccountStatus(args[1])
	if status != domain.AccountActive && status != domain.AccountInactive {
		return fmt.Errorf("status must be %q or %q", domain.AccountActive, domain.AccountInactive)
	}

	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.SetAccountStatus(cmd.Context(), args[0], status); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
	return nil
}

func runUsersList(cmd *cobra.Command, args []string) error {
	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	ids, err := l.ActiveUsers(cmd.Context())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active participants. Run 'snapbot users sync' first.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
