// Package slack adapts github.com/slack-go/slack to the handful of Web API
// calls and inbound payloads the bot uses, and maps its errors onto
// domain.ErrPlatformCallFailed.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/infra/metrics"
)

// DefaultAPIURL is the Slack Web API base.
const DefaultAPIURL = "https://slack.com/api/"

// APIError is a Web API call that came back with ok=false, a non-2xx status,
// or never completed. It unwraps to domain.ErrPlatformCallFailed.
type APIError struct {
	Method string
	Code   string
	Err    error // underlying slack-go or transport error, if any
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("slack %s: %s: %v", e.Method, e.Code, e.Err)
	}
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// Unwrap exposes the platform sentinel and any underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Err != nil {
		return []error{domain.ErrPlatformCallFailed, e.Err}
	}
	return []error{domain.ErrPlatformCallFailed}
}

// Client calls the Slack Web API with a bot token.
type Client struct {
	api *slackapi.Client
}

type options struct {
	http *http.Client
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		if hc != nil {
			o.http = hc
		}
	}
}

// NewClient builds a client for the API rooted at apiURL (DefaultAPIURL if empty).
func NewClient(token, apiURL string, opts ...Option) *Client {
	o := options{http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &Client{
		api: slackapi.New(token,
			slackapi.OptionAPIURL(apiURL),
			slackapi.OptionHTTPClient(o.http),
		),
	}
}

// ─── Outbound Types ─────────────────────────────────────────────────────────

// Block is one Block Kit block as loaded from the message templates.
type Block = map[string]any

// Message is an outbound chat message.
type Message struct {
	Text   string
	Blocks []Block
}

// AuthInfo is the identity behind the bot token.
type AuthInfo struct {
	UserID string
	BotID  string
	TeamID string
	Team   string
	User   string
}

// Channel is a created conversation.
type Channel struct {
	ID        string
	Name      string
	IsPrivate bool
}

// User is a users.list member.
type User = slackapi.User

// MemberOf converts a platform user into the roster entry stored in the ledger.
func MemberOf(u User) domain.Member {
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return domain.Member{
		ID:       u.ID,
		Name:     u.Name,
		RealName: realName,
		Email:    u.Profile.Email,
		TZ:       u.TZ,
		IsBot:    u.IsBot,
		Deleted:  u.Deleted,
	}
}

// ─── Web API Methods ────────────────────────────────────────────────────────

// AuthTest resolves the bot's own user id.
func (c *Client) AuthTest(ctx context.Context) (AuthInfo, error) {
	const method = "auth.test"
	defer observe(method, time.Now())

	res, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return AuthInfo{}, fail(method, codeOf(err), err)
	}
	return AuthInfo{
		UserID: res.UserID,
		BotID:  res.BotID,
		TeamID: res.TeamID,
		Team:   res.Team,
		User:   res.User,
	}, nil
}

// PostMessage sends msg to channel (a channel id or a user id for a DM) and
// returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel string, msg Message) (string, error) {
	const method = "chat.postMessage"
	defer observe(method, time.Now())

	var opts []slackapi.MsgOption
	if msg.Text != "" {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	if len(msg.Blocks) > 0 {
		blocks, err := toBlocks(msg.Blocks)
		if err != nil {
			return "", fmt.Errorf("encode blocks: %w", err)
		}
		opts = append(opts, slackapi.MsgOptionBlocks(blocks.BlockSet...))
	}

	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fail(method, codeOf(err), err)
	}
	return ts, nil
}

// CreateConversation creates a channel named name.
func (c *Client) CreateConversation(ctx context.Context, name string, private bool) (Channel, error) {
	const method = "conversations.create"
	defer observe(method, time.Now())

	ch, err := c.api.CreateConversationContext(ctx, slackapi.CreateConversationParams{
		ChannelName: name,
		IsPrivate:   private,
	})
	if err != nil {
		return Channel{}, fail(method, codeOf(err), err)
	}
	return Channel{ID: ch.ID, Name: ch.Name, IsPrivate: ch.IsPrivate}, nil
}

// Invite adds users to channel.
func (c *Client) Invite(ctx context.Context, channel string, users ...string) error {
	const method = "conversations.invite"
	defer observe(method, time.Now())

	if _, err := c.api.InviteUsersToConversationContext(ctx, channel, users...); err != nil {
		return fail(method, codeOf(err), err)
	}
	return nil
}

// ListUsers pages through users.list and returns every member.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	const method = "users.list"
	defer observe(method, time.Now())

	users, err := c.api.GetUsersContext(ctx, slackapi.GetUsersOptionLimit(200))
	if err != nil {
		return nil, fail(method, codeOf(err), err)
	}
	return users, nil
}

// Download streams a private file URL into w using the bot token.
func (c *Client) Download(ctx context.Context, fileURL string, w io.Writer) error {
	const method = "files.download"
	u, err := url.Parse(fileURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return fail(method, "invalid_url", err)
	}
	defer observe(method, time.Now())

	sw := &sniffWriter{w: w}
	err = c.api.GetFileContext(ctx, u.String(), sw)
	switch {
	case sw.html:
		// Slack answers an unauthenticated file fetch with its HTML login page.
		return fail(method, "not_authed", nil)
	case sw.err != nil:
		return fmt.Errorf("write file: %w", sw.err)
	case err != nil:
		return fail(method, codeOf(err), err)
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// toBlocks converts template blocks into slack-go blocks.
func toBlocks(blocks []Block) (slackapi.Blocks, error) {
	var out slackapi.Blocks
	data, err := json.Marshal(blocks)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// codeOf reduces a slack-go error to a Web API style error code.
func codeOf(err error) string {
	var (
		rateLimited *slackapi.RateLimitedError
		apiErr      slackapi.SlackErrorResponse
		status      slackapi.StatusCodeError
	)
	switch {
	case errors.As(err, &rateLimited):
		return "ratelimited"
	case errors.As(err, &apiErr):
		if apiErr.Err == "" {
			return "unknown_error"
		}
		return apiErr.Err
	case errors.As(err, &status):
		return fmt.Sprintf("http_%d", status.Code)
	default:
		return "transport"
	}
}

func fail(method, code string, cause error) error {
	metrics.PlatformErrors.WithLabelValues(method, code).Inc()
	return &APIError{Method: method, Code: code, Err: cause}
}

func observe(method string, start time.Time) {
	metrics.PlatformLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// sniffWriter rejects an HTML first chunk and remembers the downstream
// writer's error so it is not mistaken for a platform failure.
type sniffWriter struct {
	w       io.Writer
	checked bool
	html    bool
	err     error
}

var errHTMLBody = errors.New("html response body")

func (s *sniffWriter) Write(p []byte) (int, error) {
	if !s.checked {
		s.checked = true
		if strings.HasPrefix(http.DetectContentType(p), "text/html") {
			s.html = true
			return 0, errHTMLBody
		}
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
