// Package roster mirrors the workspace member list into the ledger and sends
// the welcome message to active members.
package roster

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/infra/metrics"
	"github.com/snapngo/snapbot/internal/messages"
	"github.com/snapngo/snapbot/internal/platform/slack"
)

// Platform is the subset of the Slack client the roster needs.
type Platform interface {
	ListUsers(ctx context.Context) ([]slack.User, error)
	PostMessage(ctx context.Context, channel string, msg slack.Message) (string, error)
}

// Service syncs members and welcomes them.
type Service struct {
	platform Platform
	ledger   domain.Ledger
	msgs     *messages.Catalog
	botID    string
}

// New creates a roster service. botID is never welcomed.
func New(platform Platform, ledger domain.Ledger, msgs *messages.Catalog, botID string) *Service {
	return &Service{platform: platform, ledger: ledger, msgs: msgs, botID: botID}
}

// Sync fetches every member, drops deleted accounts and registers the rest
// with the ledger. Returns the registered members keyed by id.
func (s *Service) Sync(ctx context.Context) (map[string]domain.Member, error) {
	users, err := s.platform.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	members := make(map[string]domain.Member, len(users))
	for _, u := range users {
		if u.Deleted {
			continue
		}
		members[u.ID] = slack.MemberOf(u)
	}
	if err := s.ledger.AddUsers(ctx, members); err != nil {
		return nil, fmt.Errorf("register users: %w", err)
	}
	metrics.RosterSize.Set(float64(len(members)))
	log.Printf("[roster] registered %d members", len(members))
	return members, nil
}

// Welcome sends the welcome message to every id that is not the bot and is
// active in the ledger. A failed post is logged and the broadcast continues.
// Returns the number of messages sent.
func (s *Service) Welcome(ctx context.Context, ids []string) (int, error) {
	active, err := s.ledger.ActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active users: %w", err)
	}
	isActive := make(map[string]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	msg := slack.Message{Text: s.msgs.Welcome.Text, Blocks: s.msgs.Welcome.Blocks}
	sent := 0
	for _, id := range ids {
		if id == s.botID || !isActive[id] {
			continue
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if _, err := s.platform.PostMessage(ctx, id, msg); err != nil {
			metrics.WelcomesSent.WithLabelValues("failed").Inc()
			log.Printf("[roster] welcome %s: %v", id, err)
			continue
		}
		metrics.WelcomesSent.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, nil
}

// SyncAndWelcome runs the startup sequence: sync, then welcome every
// registered member.
func (s *Service) SyncAndWelcome(ctx context.Context) error {
	members, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sent, err := s.Welcome(ctx, ids)
	if err != nil {
		return err
	}
	log.Printf("[roster] welcomed %d of %d members", sent, len(ids))
	return nil
}

// Join handles a new member: re-sync the roster so the ledger knows them,
// then welcome just that member.
func (s *Service) Join(ctx context.Context, userID string) error {
	if _, err := s.Sync(ctx); err != nil {
		return err
	}
	_, err := s.Welcome(ctx, []string{userID})
	return err
}
