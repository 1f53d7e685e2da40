package api

import (
	"io"
	"log"
	"net/http"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/snapngo/snapbot/internal/infra/metrics"
	"github.com/snapngo/snapbot/internal/platform/slack"
	"github.com/snapngo/snapbot/internal/router"
)

// handleEvents serves the Events API endpoint.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	ev, err := slack.ParseEvent(body)
	if err != nil {
		// slack-go refuses inner event types it has no struct for; those are
		// still valid callbacks the bot does not handle.
		if typ, terr := slack.EnvelopeType(body); terr == nil && typ == slackevents.CallbackEvent {
			metrics.EventsDropped.WithLabelValues("ignored").Inc()
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		v, ok := ev.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid url_verification")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": v.Challenge})
		return
	case slackevents.CallbackEvent:
	default:
		log.Printf("[api] ignoring envelope type %q", ev.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	var eventID string
	if cb, ok := ev.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}
	if s.seen(eventID) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	rev, err := translate(ev.InnerEvent, body)
	if err != nil {
		log.Printf("[api] event %s: %v", eventID, err)
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if rev == nil {
		metrics.EventsDropped.WithLabelValues("ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	s.enqueue(rev)
	w.WriteHeader(http.StatusOK)
}

// handleActions serves the interactivity endpoint.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	raw := r.PostForm.Get("payload")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing payload")
		return
	}
	cb, err := slack.ParseInteraction(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	if cb.Type != slackapi.InteractionTypeBlockActions {
		log.Printf("[api] ignoring interaction type %q", cb.Type)
		w.WriteHeader(http.StatusOK)
		return
	}
	channel := slack.InteractionChannel(cb)
	for _, a := range cb.ActionCallback.BlockActions {
		s.enqueue(router.ActionEvent{
			User:     cb.User.ID,
			Channel:  channel,
			ActionID: a.ActionID,
			Value:    a.Value,
			BlockID:  a.BlockID,
		})
	}
	w.WriteHeader(http.StatusOK)
}

// translate maps an inner callback event to a router event. A nil event with
// a nil error means the event is intentionally ignored.
func translate(inner slackevents.EventsAPIInnerEvent, body []byte) (router.Event, error) {
	switch e := inner.Data.(type) {
	case *slackevents.MessageEvent:
		// Edits, joins and the bot's own posts arrive as messages too.
		if e.BotID != "" || (e.SubType != "" && e.SubType != "file_share") {
			return nil, nil
		}
		content, err := slack.DecodeMessageContent(body)
		if err != nil {
			return nil, err
		}
		return router.MessageEvent{
			User:    e.User,
			Channel: e.Channel,
			Text:    e.Text,
			TaskRef: content.TaskRef(e.Text),
			Files:   content.Files,
		}, nil

	case *slackevents.TeamJoinEvent:
		return router.TeamJoinEvent{User: e.User.ID}, nil

	case *slackevents.FileSharedEvent:
		return router.FileSharedEvent{}, nil

	default:
		return nil, nil
	}
}
