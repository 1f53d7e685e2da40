package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"
)

// ─── Events ─────────────────────────────────────────────────────────────────

func TestDecodeMessageContent_TaskRef(t *testing.T) {
	body := []byte(`{"type":"event_callback","event_id":"Ev1","event":{
		"type": "message",
		"user": "U1",
		"text": "*42*",
		"files": [{"id": "F1", "mimetype": "image/jpeg", "url_private_download": "https://files/x.jpg"}],
		"blocks": [{"type": "rich_text", "block_id": "b1", "elements": [
			{"type": "rich_text_section", "elements": [{"type": "text", "text": "42"}]}
		]}]
	}}`)
	mc, err := DecodeMessageContent(body)
	if err != nil {
		t.Fatal(err)
	}
	if got := mc.TaskRef("*42*"); got != "42" {
		t.Errorf("TaskRef() = %q, want 42", got)
	}
	if len(mc.Files) != 1 || DownloadURL(mc.Files[0]) != "https://files/x.jpg" {
		t.Errorf("Files = %+v", mc.Files)
	}
}

func TestDecodeMessageContent_TaskRefFallback(t *testing.T) {
	mc, err := DecodeMessageContent([]byte(`{"event":{"type":"message","text":"17"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := mc.TaskRef("17"); got != "17" {
		t.Errorf("TaskRef() = %q, want 17", got)
	}

	// A leading emoji is not the plain text leaf.
	mc, err = DecodeMessageContent([]byte(`{"event":{"blocks":[{"type":"rich_text","elements":[
		{"type":"rich_text_section","elements":[{"type":"emoji","name":"camera"}]}]}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := mc.TaskRef("17"); got != "17" {
		t.Errorf("TaskRef() = %q, want fallback 17", got)
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"event_callback","event_id":"Ev9","event":{"type":"team_join","user":{"id":"U5"}}}`))
	if err != nil {
		t.Fatalf("ParseEvent() error: %v", err)
	}
	if ev.Type != slackevents.CallbackEvent || ev.InnerEvent.Type != EventTeamJoin {
		t.Errorf("event = %s/%s", ev.Type, ev.InnerEvent.Type)
	}
	cb, ok := ev.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok || cb.EventID != "Ev9" {
		t.Errorf("callback = %#v", ev.Data)
	}
	tj, ok := ev.InnerEvent.Data.(*slackevents.TeamJoinEvent)
	if !ok || tj.User.ID != "U5" {
		t.Errorf("inner = %#v", ev.InnerEvent.Data)
	}

	if typ, err := EnvelopeType([]byte(`{"type":"event_callback"}`)); err != nil || typ != slackevents.CallbackEvent {
		t.Errorf("EnvelopeType() = %q, %v", typ, err)
	}
}

func TestParseInteraction_Channel(t *testing.T) {
	raw := `{"type":"block_actions","user":{"id":"U1"},"container":{"type":"message","channel_id":"D7"},
		"actions":[{"action_id":"start_order_submission","block_id":"b1","type":"button","value":"go"}]}`
	cb, err := ParseInteraction(raw)
	if err != nil {
		t.Fatal(err)
	}
	if InteractionChannel(cb) != "D7" {
		t.Errorf("InteractionChannel() = %q, want container fallback D7", InteractionChannel(cb))
	}
	actions := cb.ActionCallback.BlockActions
	if len(actions) != 1 || actions[0].ActionID != "start_order_submission" || actions[0].Value != "go" {
		t.Errorf("BlockActions = %+v", actions)
	}
}

func TestIsImage(t *testing.T) {
	tests := map[string]bool{
		"image/jpeg":      true,
		"image/png":       true,
		"application/pdf": false,
		"":                false,
	}
	for mt, want := range tests {
		if got := IsImage(mt); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", mt, got, want)
		}
	}
}

// ─── Signatures ─────────────────────────────────────────────────────────────

func signedHeader(secret string, at time.Time, body []byte) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	h := http.Header{}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, "v0="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"type":"event_callback"}`)
	now := time.Now()

	if err := VerifyRequest("s3cret", signedHeader("s3cret", now, body), body); err != nil {
		t.Errorf("VerifyRequest() error: %v", err)
	}

	tests := []struct {
		name    string
		header  http.Header
		body    []byte
		wantErr error
	}{
		{"wrong secret", signedHeader("other", now, body), body, ErrInvalidSignature},
		{"tampered body", signedHeader("s3cret", now, body), []byte(`{}`), ErrInvalidSignature},
		{"stale", signedHeader("s3cret", now.Add(-10*time.Minute), body), body, ErrInvalidSignature},
		{"missing", http.Header{}, body, ErrMissingSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest("s3cret", tt.header, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyRequest() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
