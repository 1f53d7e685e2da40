// Package orders handles the "submit my order" button: it opens an
// order-upload task and a private channel where the user uploads photos.
package orders

import (
	"context"
	"fmt"
	"log"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/messages"
	"github.com/snapngo/snapbot/internal/platform/slack"
)

// Platform is the subset of the Slack client orders need.
type Platform interface {
	CreateConversation(ctx context.Context, name string, private bool) (slack.Channel, error)
	Invite(ctx context.Context, channel string, users ...string) error
	PostMessage(ctx context.Context, channel string, msg slack.Message) (string, error)
}

// Service starts order submissions.
type Service struct {
	platform Platform
	ledger   domain.Ledger
	msgs     *messages.Catalog
}

// New creates an order service.
func New(platform Platform, ledger domain.Ledger, msgs *messages.Catalog) *Service {
	return &Service{platform: platform, ledger: ledger, msgs: msgs}
}

// ChannelName is the private channel for an order task.
func ChannelName(id domain.TaskID) string {
	return "order-upload-" + id.String()
}

// Start creates the order task and its channel, invites userID, and confirms
// in replyChannel. On failure the user gets the generic failure reply.
func (s *Service) Start(ctx context.Context, userID, replyChannel string) (domain.TaskID, error) {
	id, err := s.open(ctx, userID)
	if err != nil {
		log.Printf("[orders] start for %s: %v", userID, err)
		if _, perr := s.platform.PostMessage(ctx, replyChannel, slack.Message{Text: s.msgs.Failure}); perr != nil {
			log.Printf("[orders] failure reply to %s: %v", userID, perr)
		}
		return 0, err
	}

	confirm := s.msgs.ChannelCreated(ChannelName(id))
	if _, err := s.platform.PostMessage(ctx, replyChannel, slack.Message{Text: confirm.Text, Blocks: confirm.Blocks}); err != nil {
		return id, fmt.Errorf("confirm order %s: %w", id, err)
	}
	log.Printf("[orders] user %s opened order %s", userID, id)
	return id, nil
}

func (s *Service) open(ctx context.Context, userID string) (domain.TaskID, error) {
	id, err := s.ledger.CreateOrderTask(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("create order task: %w", err)
	}
	ch, err := s.platform.CreateConversation(ctx, ChannelName(id), true)
	if err != nil {
		return 0, fmt.Errorf("create channel: %w", err)
	}
	if err := s.platform.Invite(ctx, ch.ID, userID); err != nil {
		return 0, fmt.Errorf("invite to %s: %w", ch.Name, err)
	}
	welcome := slack.Message{Text: s.msgs.TaskChannelWelcome.Text, Blocks: s.msgs.TaskChannelWelcome.Blocks}
	if _, err := s.platform.PostMessage(ctx, ch.ID, welcome); err != nil {
		return 0, fmt.Errorf("post channel welcome: %w", err)
	}
	return id, nil
}
