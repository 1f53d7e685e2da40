package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/snapngo/snapbot/internal/domain"
)

// fakeAPI serves Web API methods from a map of handlers and records calls.
type fakeAPI struct {
	t        *testing.T
	handlers map[string]func(args url.Values) any
	calls    []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{t: t, handlers: map[string]func(url.Values) any{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, NewClient("xoxb-test", srv.URL+"/api")
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	f.calls = append(f.calls, method)
	body, _ := io.ReadAll(r.Body)
	args, _ := url.ParseQuery(string(body))
	if r.Header.Get("Authorization") != "Bearer xoxb-test" && args.Get("token") != "xoxb-test" {
		f.t.Errorf("%s sent no bot token", method)
	}
	w.Header().Set("Content-Type", "application/json")
	h, ok := f.handlers[method]
	if !ok {
		w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		return
	}
	json.NewEncoder(w).Encode(h(args))
}

func TestAuthTest(t *testing.T) {
	f, c := newFakeAPI(t)
	f.handlers["auth.test"] = func(url.Values) any {
		return map[string]any{"ok": true, "user_id": "UBOT", "team_id": "T1", "bot_id": "B1"}
	}

	info, err := c.AuthTest(context.Background())
	if err != nil {
		t.Fatalf("AuthTest() error: %v", err)
	}
	if info.UserID != "UBOT" || info.BotID != "B1" || info.TeamID != "T1" {
		t.Errorf("AuthTest() = %+v", info)
	}
}

func TestPostMessage(t *testing.T) {
	f, c := newFakeAPI(t)
	var got url.Values
	f.handlers["chat.postMessage"] = func(args url.Values) any {
		got = args
		return map[string]any{"ok": true, "channel": args.Get("channel"), "ts": "1700000000.000100"}
	}

	ts, err := c.PostMessage(context.Background(), "D1", Message{
		Text:   "hi",
		Blocks: []Block{{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": "hi"}}},
	})
	if err != nil {
		t.Fatalf("PostMessage() error: %v", err)
	}
	if ts != "1700000000.000100" {
		t.Errorf("ts = %q", ts)
	}
	if got.Get("channel") != "D1" || got.Get("text") != "hi" {
		t.Errorf("args = %v", got)
	}
	var blocks []map[string]any
	if err := json.Unmarshal([]byte(got.Get("blocks")), &blocks); err != nil || len(blocks) != 1 {
		t.Fatalf("blocks = %q, want 1 block", got.Get("blocks"))
	}
	if blocks[0]["type"] != "section" {
		t.Errorf("block type = %v, want section", blocks[0]["type"])
	}
}

func TestPostMessage_APIError(t *testing.T) {
	f, c := newFakeAPI(t)
	f.handlers["chat.postMessage"] = func(url.Values) any {
		return map[string]any{"ok": false, "error": "channel_not_found"}
	}

	_, err := c.PostMessage(context.Background(), "C404", Message{Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Method != "chat.postMessage" || apiErr.Code != "channel_not_found" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !errors.Is(err, domain.ErrPlatformCallFailed) {
		t.Error("APIError should match ErrPlatformCallFailed")
	}
}

func TestCall_HTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, "ratelimited"},
		{http.StatusBadGateway, "http_502"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewClient("xoxb-test", srv.URL).AuthTest(context.Background())
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.want {
				t.Errorf("AuthTest() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestCreateConversationAndInvite(t *testing.T) {
	f, c := newFakeAPI(t)
	var created, invited url.Values
	f.handlers["conversations.create"] = func(args url.Values) any {
		created = args
		return map[string]any{"ok": true, "channel": map[string]any{"id": "C9", "name": args.Get("name"), "is_private": true}}
	}
	f.handlers["conversations.invite"] = func(args url.Values) any {
		invited = args
		return map[string]any{"ok": true, "channel": map[string]any{"id": "C9"}}
	}

	ctx := context.Background()
	ch, err := c.CreateConversation(ctx, "order-upload-7", true)
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	if ch.ID != "C9" || ch.Name != "order-upload-7" || !ch.IsPrivate {
		t.Errorf("Channel = %+v", ch)
	}
	if created.Get("is_private") != "true" {
		t.Errorf("is_private = %q, want true", created.Get("is_private"))
	}

	if err := c.Invite(ctx, ch.ID, "U1", "U2"); err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	if invited.Get("channel") != "C9" || invited.Get("users") != "U1,U2" {
		t.Errorf("invite args = %v", invited)
	}
}

func TestListUsers_Paginates(t *testing.T) {
	f, c := newFakeAPI(t)
	f.handlers["users.list"] = func(args url.Values) any {
		if args.Get("cursor") == "" {
			return map[string]any{
				"ok":                true,
				"members":           []map[string]any{{"id": "U1", "name": "amy"}, {"id": "U2", "deleted": true}},
				"response_metadata": map[string]any{"next_cursor": "page2"},
			}
		}
		return map[string]any{
			"ok":                true,
			"members":           []map[string]any{{"id": "U3", "name": "helen", "profile": map[string]any{"real_name": "Helen M", "email": "h@x.org"}}},
			"response_metadata": map[string]any{"next_cursor": ""},
		}
	}

	users, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("ListUsers() = %d users, want 3", len(users))
	}
	if n := len(f.calls); n != 2 {
		t.Errorf("users.list called %d times, want 2", n)
	}
	m := MemberOf(users[2])
	if m.RealName != "Helen M" || m.Email != "h@x.org" {
		t.Errorf("MemberOf() = %+v", m)
	}
	if !MemberOf(users[1]).Deleted {
		t.Error("U2 should be deleted")
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body>login</body></html>"))
			return
		}
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("JPEGDATA"))
	}))
	defer srv.Close()
	ctx := context.Background()

	var buf bytes.Buffer
	if err := NewClient("xoxb-test", srv.URL).Download(ctx, srv.URL+"/f.jpg", &buf); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if buf.String() != "JPEGDATA" {
		t.Errorf("body = %q", buf.String())
	}

	buf.Reset()
	err := NewClient("wrong", srv.URL).Download(ctx, srv.URL+"/f.jpg", &buf)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "not_authed" {
		t.Errorf("Download() with bad token error = %v, want not_authed", err)
	}
	if buf.Len() != 0 {
		t.Errorf("login page written to the image: %q", buf.String())
	}

	err = NewClient("xoxb-test", srv.URL).Download(ctx, srv.URL+"/missing.jpg", io.Discard)
	if !errors.As(err, &apiErr) || apiErr.Code != "http_404" {
		t.Errorf("Download() of a missing file error = %v, want http_404", err)
	}
}

func TestDownload_WriterErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("JPEGDATA"))
	}))
	defer srv.Close()

	err := NewClient("xoxb-test", srv.URL).Download(context.Background(), srv.URL+"/f.jpg", failingWriter{})
	if !errors.Is(err, domain.ErrImageTooLarge) {
		t.Errorf("Download() error = %v, want ErrImageTooLarge", err)
	}
	if errors.Is(err, domain.ErrPlatformCallFailed) {
		t.Error("a local write failure is not a platform failure")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, domain.ErrImageTooLarge }

func TestDownload_BadURL(t *testing.T) {
	c := NewClient("xoxb-test", "")
	err := c.Download(context.Background(), "ftp://files/x", io.Discard)
	if !errors.Is(err, domain.ErrPlatformCallFailed) {
		t.Errorf("Download() error = %v, want ErrPlatformCallFailed", err)
	}
}
