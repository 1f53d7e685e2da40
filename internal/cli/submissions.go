package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	submissionsCmd.Flags().StringVar(&subsUser, "user", "", "Only this user's submissions")
	submissionsCmd.Flags().IntVar(&subsLimit, "limit", 50, "Maximum rows (0 for all)")
	rootCmd.AddCommand(submissionsCmd)
}

var (
	subsUser  string
	subsLimit int
)

var submissionsCmd = &cobra.Command{
	Use:     "submissions",
	Aliases: []string{"subs"},
	Short:   "List recorded photo submissions",
	RunE:    runSubmissions,
}

func runSubmissions(cmd *cobra.Command, args []string) error {
	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	subs, err := l.ListSubmissions(cmd.Context(), subsUser, subsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(subs) == 0 {
		fmt.Fprintln(out, "No submissions yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTASK\tSUBMITTED\tIMAGE")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			s.UserID,
			s.TaskID,
			s.SubmittedAt.Format("2006-01-02 15:04"),
			s.ImagePath,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if subsUser != "" {
		score, err := l.Reliability(cmd.Context(), subsUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReliability for %s: %.2f\n", subsUser, score)
	}
	return nil
}
