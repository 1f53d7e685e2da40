// Package api provides the HTTP server for snapbot.
// It receives Slack Events API and interactivity callbacks, acknowledges them
// at once and dispatches them in the background.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapngo/snapbot/internal/health"
	"github.com/snapngo/snapbot/internal/infra/metrics"
	"github.com/snapngo/snapbot/internal/platform/slack"
	"github.com/snapngo/snapbot/internal/router"
)

const (
	defaultDedupeWindow  = 1024
	defaultMaxConcurrent = 8
	defaultEventTimeout  = 60 * time.Second
	busyReplyTimeout     = 10 * time.Second
	maxBodyBytes         = 1 << 20
)

// Dispatcher handles one translated event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev router.Event) error
}

// BusyReplier is implemented by dispatchers that answer events dropped for
// lack of a free slot.
type BusyReplier interface {
	Busy(ctx context.Context, ev router.Event) error
}

// Server is the snapbot webhook server.
type Server struct {
	secret         string
	dispatcher     Dispatcher
	checker        *health.Checker
	metricsEnabled bool
	baseCtx        context.Context
	eventTimeout   time.Duration
	sem            chan struct{}
	wg             sync.WaitGroup

	mu           sync.Mutex
	recentIDs    map[string]struct{}
	recentOrder  []string
	dedupeWindow int
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConcurrent bounds how many events are dispatched at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithEventTimeout bounds one dispatch, including the wait for a free slot.
func WithEventTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.eventTimeout = d
		}
	}
}

// WithDedupeWindow sets how many recent event ids are remembered.
func WithDedupeWindow(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.dedupeWindow = size
		}
	}
}

// WithHealth reports checker results on /health.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.checker = c }
}

// WithMetrics enables the /metrics Prometheus endpoint.
func WithMetrics() Option {
	return func(s *Server) { s.metricsEnabled = true }
}

// WithBaseContext parents every dispatch on ctx, so cancelling it aborts
// in-flight work.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer creates a webhook server that verifies requests with secret.
func NewServer(secret string, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		secret:       secret,
		dispatcher:   d,
		baseCtx:      context.Background(),
		eventTimeout: defaultEventTimeout,
		sem:          make(chan struct{}, defaultMaxConcurrent),
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/slack", func(r chi.Router) {
		r.Use(s.verifySignature)
		r.Post("/events", s.handleEvents)
		r.Post("/actions", s.handleActions)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Wait blocks until every dispatched event has finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.checker.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.checker.Statuses(),
	})
}

// verifySignature rejects requests whose v0 signature does not match and
// leaves the body readable for the handler.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if err := slack.VerifyRequest(s.secret, r.Header, body); err != nil {
			metrics.EventsDropped.WithLabelValues("bad_signature").Inc()
			log.Printf("[api] rejected %s: %v", r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

// seen records eventID and reports whether it was already in the window.
func (s *Server) seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recentIDs[eventID]; ok {
		return true
	}
	s.recentIDs[eventID] = struct{}{}
	s.recentOrder = append(s.recentOrder, eventID)
	if len(s.recentOrder) > s.dedupeWindow {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentIDs, oldest)
	}
	return false
}

// enqueue hands ev to a background goroutine. The goroutine waits for a free
// slot within the event timeout and drops the event if none frees up.
func (s *Server) enqueue(ev router.Event) {
	kind := ev.Kind()
	metrics.EventsReceived.WithLabelValues(kind).Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.eventTimeout)
		defer cancel()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			metrics.EventsDropped.WithLabelValues("busy").Inc()
			log.Printf("[api] dropped %s event: %v", kind, ctx.Err())
			s.replyBusy(ev)
			return
		}
		defer func() { <-s.sem }()

		s.dispatch(ctx, kind, ev)
	}()
}

// replyBusy tells the sender of a dropped event that it was not handled. The
// acknowledgement already went out, so a platform retry will not come.
func (s *Server) replyBusy(ev router.Event) {
	br, ok := s.dispatcher.(BusyReplier)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), busyReplyTimeout)
	defer cancel()
	if err := br.Busy(ctx, ev); err != nil {
		log.Printf("[api] busy reply for %s event: %v", ev.Kind(), err)
	}
}

func (s *Server) dispatch(ctx context.Context, kind string, ev router.Event) {
	metrics.DispatchInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.DispatchInFlight.Dec()
		metrics.DispatchLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			log.Printf("[api] panic handling %s event: %v\n%s", kind, p, debug.Stack())
		}
	}()
	// Errors are logged where they happen.
	_ = s.dispatcher.Dispatch(ctx, ev)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
