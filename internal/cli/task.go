package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapngo/snapbot/internal/domain"
)

func init() {
	taskAddCmd.Flags().StringVar(&taskStart, "start", "", "Window start, RFC 3339 (default: now)")
	taskAddCmd.Flags().IntVar(&taskWindow, "window", 30, "Submission window length in minutes")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskLocation, "location", "", "Where the task happens")
	taskAddCmd.Flags().Float64Var(&taskPay, "pay", 0, "Compensation")

	taskAssignCmd.Flags().StringVar(&assignStatus, "status", string(domain.AssignmentAccepted),
		"pending | accepted | rejected | completed")

	taskCmd.AddCommand(taskAddCmd, taskAssignCmd)
	rootCmd.AddCommand(taskCmd)
}

var (
	taskStart    string
	taskWindow   int
	taskDesc     string
	taskLocation string
	taskPay      float64
	assignStatus string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Seed tasks and assignments in the ledger",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create or update a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <id> <user>",
	Short: "Offer a task to a user or set their assignment status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAssign,
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	start := time.Now().UTC()
	if taskStart != "" {
		start, err = time.Parse(time.RFC3339, taskStart)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
	}
	if taskWindow <= 0 {
		return fmt.Errorf("--window must be positive")
	}

	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	t := domain.Task{
		ID:            id,
		Description:   taskDesc,
		Location:      taskLocation,
		StartsAt:      start,
		WindowMinutes: taskWindow,
		Compensation:  taskPay,
	}
	if err := l.UpsertTask(cmd.Context(), t); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %d: %s → %s\n", id,
		t.StartsAt.Format(time.RFC3339), t.StartsAt.Add(t.Window()).Format(time.RFC3339))
	return nil
}

func runTaskAssign(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	status := domain.AssignmentStatus(assignStatus)
	if !status.Valid() {
		return fmt.Errorf("invalid --status %q", assignStatus)
	}

	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	a := domain.Assignment{TaskID: id, UserID: args[1], Status: status}
	if err := l.Assign(cmd.Context(), a); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %d → %s: %s\n", id, a.UserID, status)
	return nil
}
