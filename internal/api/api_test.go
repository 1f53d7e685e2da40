package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapngo/snapbot/internal/health"
	"github.com/snapngo/snapbot/internal/infra/memory"
	"github.com/snapngo/snapbot/internal/platform/slack"
	"github.com/snapngo/snapbot/internal/platform/slack/slacktest"
	"github.com/snapngo/snapbot/internal/router"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// recorder is a Dispatcher that keeps every event it is handed. block waits
// for close or the dispatch deadline; hold ignores the deadline.
type recorder struct {
	mu      sync.Mutex
	events  []router.Event
	busy    []router.Event
	block   chan struct{}
	hold    chan struct{}
	started chan struct{}
	panics  bool
}

func (r *recorder) Dispatch(ctx context.Context, ev router.Event) error {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.hold != nil {
		<-r.hold
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.panics {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Busy(ctx context.Context, ev router.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = append(r.busy, ev)
	return nil
}

func (r *recorder) Busied() []router.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Event(nil), r.busy...)
}

func (r *recorder) Events() []router.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Event(nil), r.events...)
}

func newTestServer(t *testing.T, d Dispatcher, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	s := NewServer(testSecret, d, opts...)
	return s, s.Handler()
}

func signedRequest(path, contentType, body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(slack.HeaderTimestamp, ts)
	req.Header.Set(slack.HeaderSignature, slacktest.Sign(testSecret, ts, []byte(body)))
	return req
}

func postEvent(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest("/slack/events", "application/json", body))
	return w
}

func callback(eventID, inner string) string {
	return `{"type":"event_callback","team_id":"T1","event_id":"` + eventID + `","event":` + inner + `}`
}

// ─── Health & Metrics ───────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, &recorder{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	l := memory.New()
	l.Err = context.DeadlineExceeded
	c := health.NewChecker(l, t.TempDir())
	c.RunOnce(context.Background())

	_, h := newTestServer(t, &recorder{}, WithHealth(c))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ledger"`) {
		t.Errorf("body = %s, want per-check detail", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t, &recorder{}, WithMetrics())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	_, h = newTestServer(t, &recorder{})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code == http.StatusOK {
		t.Error("/metrics should not be mounted unless enabled")
	}
}

// ─── Signature Verification ─────────────────────────────────────────────────

func TestEvents_RejectsBadSignature(t *testing.T) {
	rec := &recorder{}
	_, h := newTestServer(t, rec)

	body := callback("Ev1", `{"type":"message","user":"U1","channel":"D1","text":"help"}`)
	req := signedRequest("/slack/events", "application/json", body)
	req.Header.Set(slack.HeaderSignature, "v0=deadbeef")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestEvents_RejectsStaleTimestamp(t *testing.T) {
	_, h := newTestServer(t, &recorder{})

	body := `{"type":"url_verification","challenge":"abc"}`
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set(slack.HeaderTimestamp, ts)
	req.Header.Set(slack.HeaderSignature, slacktest.Sign(testSecret, ts, []byte(body)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ─── Events API ─────────────────────────────────────────────────────────────

func TestEvents_URLVerification(t *testing.T) {
	_, h := newTestServer(t, &recorder{})
	w := postEvent(t, h, `{"token":"x","type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["challenge"] != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge = %q", resp["challenge"])
	}
}

func TestEvents_MessageWithRichText(t *testing.T) {
	rec := &recorder{}
	s, h := newTestServer(t, rec)

	inner := `{"type":"message","user":"U1","channel":"D1","text":"*42*","subtype":"file_share",
		"blocks":[{"type":"rich_text","block_id":"b1","elements":[{"type":"rich_text_section","elements":[{"type":"text","text":"42"}]}]}],
		"files":[{"id":"F1","mimetype":"image/jpeg","url_private_download":"https://files.example/F1"}]}`
	if w := postEvent(t, h, callback("Ev1", inner)); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	s.Wait()

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(events))
	}
	m, ok := events[0].(router.MessageEvent)
	if !ok {
		t.Fatalf("event = %T, want MessageEvent", events[0])
	}
	if m.TaskRef != "42" || m.Text != "*42*" || m.User != "U1" || len(m.Files) != 1 {
		t.Errorf("message = %+v", m)
	}
}

func TestEvents_DropsRetries(t *testing.T) {
	rec := &recorder{}
	s, h := newTestServer(t, rec)

	body := callback("EvSame", `{"type":"message","user":"U1","channel":"D1","text":"help"}`)
	postEvent(t, h, body)
	postEvent(t, h, body)
	s.Wait()

	if n := len(rec.Events()); n != 1 {
		t.Errorf("dispatched %d events, want 1", n)
	}
}

func TestEvents_DedupeWindowEvicts(t *testing.T) {
	s, _ := newTestServer(t, &recorder{}, WithDedupeWindow(2))

	for _, id := range []string{"a", "b", "c"} {
		if s.seen(id) {
			t.Fatalf("seen(%q) = true on first sight", id)
		}
	}
	if s.seen("a") {
		t.Error("oldest id should have been evicted")
	}
	if !s.seen("c") {
		t.Error("recent id should still be remembered")
	}
}

func TestEvents_Ignored(t *testing.T) {
	tests := []struct {
		name  string
		inner string
	}{
		{"bot message", `{"type":"message","bot_id":"B1","user":"UBOT","channel":"D1","text":"hi"}`},
		{"edit", `{"type":"message","subtype":"message_changed","channel":"D1"}`},
		{"unknown type", `{"type":"reaction_added","user":"U1"}`},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s, h := newTestServer(t, rec)
			if w := postEvent(t, h, callback("Ev"+strconv.Itoa(i), tt.inner)); w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			s.Wait()
			if n := len(rec.Events()); n != 0 {
				t.Errorf("dispatched %d events, want 0", n)
			}
		})
	}
}

func TestEvents_TeamJoinAndFileShared(t *testing.T) {
	rec := &recorder{}
	s, h := newTestServer(t, rec)

	postEvent(t, h, callback("Ev1", `{"type":"team_join","user":{"id":"U9","name":"new"}}`))
	postEvent(t, h, callback("Ev2", `{"type":"file_shared","file_id":"F1","user_id":"U1"}`))
	s.Wait()

	var joined, shared bool
	for _, ev := range rec.Events() {
		switch e := ev.(type) {
		case router.TeamJoinEvent:
			joined = e.User == "U9"
		case router.FileSharedEvent:
			shared = true
		}
	}
	if !joined || !shared {
		t.Errorf("events = %+v, want team_join(U9) and file_shared", rec.Events())
	}
}

func TestEvents_InvalidJSON(t *testing.T) {
	_, h := newTestServer(t, &recorder{})
	if w := postEvent(t, h, `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ─── Interactivity ──────────────────────────────────────────────────────────

func TestActions_BlockActions(t *testing.T) {
	rec := &recorder{}
	s, h := newTestServer(t, rec)

	payload := `{"type":"block_actions","user":{"id":"U1"},"container":{"type":"message","channel_id":"C5"},
		"actions":[{"action_id":"start_order_submission","block_id":"b","value":"go"}]}`
	body := url.Values{"payload": {payload}}.Encode()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest("/slack/actions", "application/x-www-form-urlencoded", body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	s.Wait()

	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(events))
	}
	a := events[0].(router.ActionEvent)
	if a.ActionID != router.ActionStartOrder || a.Channel != "C5" || a.User != "U1" || a.Value != "go" {
		t.Errorf("action = %+v", a)
	}
}

func TestActions_MissingPayload(t *testing.T) {
	_, h := newTestServer(t, &recorder{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest("/slack/actions", "application/x-www-form-urlencoded", "foo=bar"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ─── Dispatch Behavior ──────────────────────────────────────────────────────

func TestEvents_AckBeforeDispatch(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	s, h := newTestServer(t, rec)

	w := postEvent(t, h, callback("Ev1", `{"type":"message","user":"U1","channel":"D1","text":"help"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if n := len(rec.Events()); n != 0 {
		t.Fatalf("dispatch finished before ack")
	}
	close(rec.block)
	s.Wait()
	if n := len(rec.Events()); n != 1 {
		t.Errorf("dispatched %d events, want 1", n)
	}
}

func TestEvents_BusyRepliesAfterTimeout(t *testing.T) {
	rec := &recorder{hold: make(chan struct{}), started: make(chan struct{}, 1)}
	s, h := newTestServer(t, rec, WithMaxConcurrent(1), WithEventTimeout(50*time.Millisecond))

	postEvent(t, h, callback("Ev1", `{"type":"message","user":"U1","channel":"D1","text":"a"}`))
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never dispatched")
	}
	postEvent(t, h, callback("Ev2", `{"type":"message","user":"U2","channel":"D2","text":"b"}`))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Busied()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(rec.hold)
	s.Wait()

	busy := rec.Busied()
	if len(busy) != 1 {
		t.Fatalf("busy replies = %d, want 1", len(busy))
	}
	if m, ok := busy[0].(router.MessageEvent); !ok || m.Channel != "D2" {
		t.Errorf("busy event = %+v, want the second message", busy[0])
	}
	if events := rec.Events(); len(events) != 1 {
		t.Errorf("dispatched %d events, want only the first", len(events))
	}
}

func TestEvents_PanicRecovered(t *testing.T) {
	rec := &recorder{panics: true}
	s, h := newTestServer(t, rec)

	postEvent(t, h, callback("Ev1", `{"type":"message","user":"U1","channel":"D1","text":"a"}`))
	s.Wait()

	// Server keeps serving.
	if w := postEvent(t, h, `{"type":"url_verification","challenge":"x"}`); w.Code != http.StatusOK {
		t.Errorf("status = %d after panic, want 200", w.Code)
	}
}
