// Package router turns inbound platform events into exactly one response
// path: a fixed reply, a photo submission, an order, or a roster update.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/infra/metrics"
	"github.com/snapngo/snapbot/internal/messages"
	"github.com/snapngo/snapbot/internal/platform/slack"
	"github.com/snapngo/snapbot/internal/submission"
)

// Button action ids.
const (
	ActionStartOrder   = "start_order_submission"
	ActionCheckAccount = "check_account_status"
	ActionBugsForm     = "bugs_form"
)

// ─── Events ─────────────────────────────────────────────────────────────────

// Event is one of MessageEvent, ActionEvent, TeamJoinEvent or FileSharedEvent.
type Event interface {
	Kind() string
	isEvent()
}

// MessageEvent is a user message, possibly with attachments.
type MessageEvent struct {
	User    string
	Channel string
	Text    string
	TaskRef string // first rich-text leaf; the typed task number for submissions
	Files   []slack.File
}

// ActionEvent is a button press.
type ActionEvent struct {
	User     string
	Channel  string
	ActionID string
	Value    string
	BlockID  string
}

// TeamJoinEvent is a new workspace member.
type TeamJoinEvent struct {
	User string
}

// FileSharedEvent is acknowledged and otherwise ignored; the message event
// that carries the file does the work.
type FileSharedEvent struct{}

func (MessageEvent) Kind() string    { return "message" }
func (ActionEvent) Kind() string     { return "action" }
func (TeamJoinEvent) Kind() string   { return "team_join" }
func (FileSharedEvent) Kind() string { return "file_shared" }

func (MessageEvent) isEvent()    {}
func (ActionEvent) isEvent()     {}
func (TeamJoinEvent) isEvent()   {}
func (FileSharedEvent) isEvent() {}

// ─── Collaborators ──────────────────────────────────────────────────────────

// Poster sends replies.
type Poster interface {
	PostMessage(ctx context.Context, channel string, msg slack.Message) (string, error)
}

// Submitter validates and records photo submissions.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (submission.Receipt, error)
}

// OrderStarter opens order-upload channels.
type OrderStarter interface {
	Start(ctx context.Context, userID, replyChannel string) (domain.TaskID, error)
}

// Roster registers and welcomes new members.
type Roster interface {
	Join(ctx context.Context, userID string) error
}

// Config identifies the bot so it never answers itself.
type Config struct {
	BotID string
}

// Router dispatches events. It holds no per-event state and is safe for
// concurrent use.
type Router struct {
	cfg    Config
	msgs   *messages.Catalog
	poster Poster
	submit Submitter
	orders OrderStarter
	roster Roster
}

// New creates a router.
func New(cfg Config, msgs *messages.Catalog, poster Poster, submit Submitter, orders OrderStarter, roster Roster) *Router {
	return &Router{cfg: cfg, msgs: msgs, poster: poster, submit: submit, orders: orders, roster: roster}
}

// Dispatch handles one event. Failures are logged here; the returned error is
// for the caller's accounting only.
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case MessageEvent:
		return r.handleMessage(ctx, e)
	case ActionEvent:
		return r.handleAction(ctx, e)
	case TeamJoinEvent:
		if err := r.roster.Join(ctx, e.User); err != nil {
			log.Printf("[router] team_join %s: %v", e.User, err)
			return err
		}
		return nil
	case FileSharedEvent:
		return nil
	default:
		log.Printf("[router] unhandled event %T", ev)
		return nil
	}
}

// Busy answers an event that was never dispatched because no worker freed up
// in time. A user message still gets its one reply: the generic failure.
func (r *Router) Busy(ctx context.Context, ev Event) error {
	e, ok := ev.(MessageEvent)
	if !ok || e.User == "" || e.User == r.cfg.BotID {
		return nil
	}
	return r.reply(ctx, e.Channel, slack.Message{Text: r.msgs.Failure})
}

// ─── Messages ───────────────────────────────────────────────────────────────

func (r *Router) handleMessage(ctx context.Context, e MessageEvent) error {
	if e.User == "" || e.User == r.cfg.BotID {
		return nil
	}
	if len(e.Files) == 0 {
		return r.reply(ctx, e.Channel, r.commandReply(e.Text))
	}
	if err := checkAttachments(e.Files); err != nil {
		metrics.Submissions.WithLabelValues("attachment_rejected").Inc()
		text := r.msgs.NotImage
		if len(e.Files) > 1 {
			text = r.msgs.MultipleFiles
		}
		return r.reply(ctx, e.Channel, slack.Message{Text: text})
	}
	file := e.Files[0]

	ref := e.TaskRef
	if ref == "" {
		ref = e.Text
	}
	rc, err := r.submit.Submit(ctx, submission.Request{
		UserID:  e.User,
		TaskRef: ref,
		FileURL: slack.DownloadURL(file),
	})
	return r.reply(ctx, e.Channel, slack.Message{Text: r.submissionReply(e.User, rc, err)})
}

// checkAttachments accepts exactly one image.
func checkAttachments(files []slack.File) error {
	if len(files) != 1 {
		return fmt.Errorf("%w: %d files attached", domain.ErrAttachmentPolicyViolation, len(files))
	}
	if !slack.IsImage(files[0].Mimetype) {
		return fmt.Errorf("%w: %q is not an image", domain.ErrAttachmentPolicyViolation, files[0].Mimetype)
	}
	return nil
}

// commandReply maps trimmed, case-insensitive text to its fixed reply.
// Anything unrecognized gets the sample task.
func (r *Router) commandReply(text string) slack.Message {
	var tpl messages.Template
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "?", "help":
		tpl = r.msgs.Help
	case "account":
		tpl = r.msgs.Account
	case "report":
		tpl = r.msgs.Report
	case "opt in":
		tpl = r.msgs.OptIn
	case "opt out":
		tpl = r.msgs.OptOut
	default:
		tpl = r.msgs.SampleTask
	}
	return slack.Message{Text: tpl.Text, Blocks: tpl.Blocks}
}

func (r *Router) submissionReply(user string, rc submission.Receipt, err error) string {
	if err == nil {
		return r.msgs.Received(rc.TaskID)
	}
	var rej *submission.Rejection
	if !errors.As(err, &rej) {
		log.Printf("[router] submission from %s failed: %v", user, err)
		return r.msgs.Failure
	}
	switch {
	case errors.Is(rej, domain.ErrMalformedTaskReference):
		return r.msgs.MalformedTask
	case errors.Is(rej, domain.ErrWindowExpired):
		return r.msgs.WindowExpired(rej.TaskID)
	case errors.Is(rej, domain.ErrWindowNotStarted):
		return r.msgs.WindowNotStarted(rej.TaskID)
	case errors.Is(rej, domain.ErrNotAuthorized):
		text := r.msgs.NotAuthorized(rej.TaskID, rej.Accepted)
		if rej.Pending {
			text += "\n" + r.msgs.PendingHint(rej.TaskID)
		}
		return text
	case errors.Is(rej, domain.ErrDuplicateSubmission):
		return r.msgs.Duplicate(rej.TaskID)
	default:
		log.Printf("[router] unclassified rejection for %s: %v", user, rej)
		return r.msgs.Failure
	}
}

// ─── Actions ────────────────────────────────────────────────────────────────

func (r *Router) handleAction(ctx context.Context, e ActionEvent) error {
	channel := e.Channel
	if channel == "" {
		channel = e.User
	}
	switch e.ActionID {
	case ActionStartOrder:
		_, err := r.orders.Start(ctx, e.User, channel)
		return err
	case ActionCheckAccount:
		return r.reply(ctx, channel, slack.Message{Text: r.msgs.CheckAccount.Text, Blocks: r.msgs.CheckAccount.Blocks})
	case ActionBugsForm:
		log.Printf("[router] %s opened the bug form", e.User)
		return nil
	default:
		log.Printf("[router] unknown action %q from %s", e.ActionID, e.User)
		return nil
	}
}

func (r *Router) reply(ctx context.Context, channel string, msg slack.Message) error {
	if _, err := r.poster.PostMessage(ctx, channel, msg); err != nil {
		log.Printf("[router] reply to %s: %v", channel, err)
		return err
	}
	return nil
}
