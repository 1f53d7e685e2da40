// Package slacktest runs an in-process fake of the Slack Web API for tests.
// It answers the methods snapbot calls, records what was sent, and can be
// told to fail individual methods.
package slacktest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/snapngo/snapbot/internal/platform/slack"
)

// Token is the bot token the fake accepts.
const Token = "xoxb-test"

// Post is one recorded chat.postMessage call.
type Post struct {
	Channel string
	Text    string
	Blocks  []map[string]any
}

// Server is a fake Web API.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	posts    []Post
	channels []slack.Channel
	invites  map[string][]string
	failures map[string]string
	calls    map[string]int

	// BotUserID is returned by auth.test.
	BotUserID string
	// Users is returned by users.list, two per page.
	Users []slack.User
	// Files maps a download path to its body.
	Files map[string]string
}

// NewServer starts a fake API that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		invites:   make(map[string][]string),
		failures:  make(map[string]string),
		calls:     make(map[string]int),
		BotUserID: "UBOT",
		Files:     make(map[string]string),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the API root to pass to slack.NewClient.
func (s *Server) URL() string { return s.srv.URL + "/api/" }

// FileURL is a private download URL served by the fake.
func (s *Server) FileURL(path string) string { return s.srv.URL + "/files/" + path }

// Client returns a client pointed at the fake.
func (s *Server) Client() *slack.Client {
	return slack.NewClient(Token, s.URL())
}

// Fail makes method answer ok=false with code.
func (s *Server) Fail(method, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = code
}

// Posts returns every message posted so far.
func (s *Server) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.posts...)
}

// PostsTo returns messages posted to channel.
func (s *Server) PostsTo(channel string) []Post {
	var out []Post
	for _, p := range s.Posts() {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

// Channels returns created conversations.
func (s *Server) Channels() []slack.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]slack.Channel(nil), s.channels...)
}

// Invited returns users invited to channel.
func (s *Server) Invited(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invites[channel]...)
}

// Calls returns how many times method was called.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Sign computes the v0 request signature Slack sends for body at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/files/") {
		s.serveFile(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	body, _ := io.ReadAll(r.Body)
	args := parseArgs(r, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	if r.Header.Get("Authorization") != "Bearer "+Token && args.Get("token") != Token {
		writeJSON(w, map[string]any{"ok": false, "error": "not_authed"})
		return
	}
	if code, ok := s.failures[method]; ok {
		writeJSON(w, map[string]any{"ok": false, "error": code})
		return
	}

	switch method {
	case "auth.test":
		writeJSON(w, map[string]any{"ok": true, "user_id": s.BotUserID, "team_id": "T1", "bot_id": "B1"})
	case "chat.postMessage":
		p := Post{Channel: args.Get("channel"), Text: args.Get("text")}
		if raw := args.Get("blocks"); raw != "" {
			json.Unmarshal([]byte(raw), &p.Blocks)
		}
		s.posts = append(s.posts, p)
		writeJSON(w, map[string]any{"ok": true, "channel": p.Channel, "ts": fmt.Sprintf("1700000000.%06d", len(s.posts))})
	case "conversations.create":
		ch := slack.Channel{
			ID:        fmt.Sprintf("C%03d", len(s.channels)+1),
			Name:      args.Get("name"),
			IsPrivate: args.Get("is_private") == "true",
		}
		s.channels = append(s.channels, ch)
		writeJSON(w, map[string]any{"ok": true, "channel": map[string]any{
			"id": ch.ID, "name": ch.Name, "is_private": ch.IsPrivate,
		}})
	case "conversations.invite":
		channel := args.Get("channel")
		s.invites[channel] = append(s.invites[channel], strings.Split(args.Get("users"), ",")...)
		writeJSON(w, map[string]any{"ok": true, "channel": map[string]any{"id": channel}})
	case "users.list":
		start := 0
		fmt.Sscanf(args.Get("cursor"), "page%d", &start)
		end := start + 2
		if end > len(s.Users) {
			end = len(s.Users)
		}
		next := ""
		if end < len(s.Users) {
			next = fmt.Sprintf("page%d", end)
		}
		writeJSON(w, map[string]any{
			"ok":                true,
			"members":           s.Users[start:end],
			"response_metadata": map[string]any{"next_cursor": next},
		})
	default:
		writeJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls["files.download"]++
	body, ok := s.Files[strings.TrimPrefix(r.URL.Path, "/files/")]
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+Token {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>sign in</body></html>")
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	io.WriteString(w, body)
}

// parseArgs reads method arguments from the query and a form or JSON body.
func parseArgs(r *http.Request, body []byte) url.Values {
	args := r.URL.Query()
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		form, _ := url.ParseQuery(string(body))
		for k, v := range form {
			args[k] = v
		}
		return args
	}
	var m map[string]any
	json.Unmarshal(body, &m)
	for k, v := range m {
		if str, ok := v.(string); ok {
			args.Set(k, str)
			continue
		}
		data, _ := json.Marshal(v)
		args.Set(k, string(data))
	}
	return args
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
