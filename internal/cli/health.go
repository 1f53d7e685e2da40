package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snapngo/snapbot/internal/daemon"
	"github.com/snapngo/snapbot/internal/health"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the ledger and image-directory checks once",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer l.Close()

	dir := cfg.Images.Dir
	if dir == "" {
		dir = filepath.Join(daemon.Home(), "pics")
	}
	c := health.NewChecker(l, dir)
	c.RunOnce(cmd.Context())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tERROR")
	for _, s := range c.Statuses() {
		status := "ok"
		if !s.Healthy {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, status, s.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !c.IsHealthy() {
		return fmt.Errorf("unhealthy")
	}
	return nil
}
