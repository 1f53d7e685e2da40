package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/snapngo/snapbot/internal/daemon"
	"github.com/snapngo/snapbot/internal/domain"
)

// openLedger opens the configured ledger without touching Slack.
func openLedger(ctx context.Context) (daemon.Store, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Ledger.Driver == "memory" {
		return nil, fmt.Errorf("the memory ledger only lives inside 'snapbot serve'")
	}
	return daemon.OpenLedger(ctx, cfg.Ledger)
}

// parseTaskID parses a positive task number argument.
func parseTaskID(s string) (domain.TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return domain.TaskID(n), nil
}

// mask hides all but the last four characters of a secret.
func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
