package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snapngo/snapbot/internal/api"
	"github.com/snapngo/snapbot/internal/domain"
	"github.com/snapngo/snapbot/internal/health"
	"github.com/snapngo/snapbot/internal/infra/imagestore"
	"github.com/snapngo/snapbot/internal/infra/memory"
	"github.com/snapngo/snapbot/internal/infra/postgres"
	"github.com/snapngo/snapbot/internal/infra/sqlite"
	"github.com/snapngo/snapbot/internal/messages"
	"github.com/snapngo/snapbot/internal/orders"
	"github.com/snapngo/snapbot/internal/platform/slack"
	"github.com/snapngo/snapbot/internal/roster"
	"github.com/snapngo/snapbot/internal/router"
	"github.com/snapngo/snapbot/internal/submission"
)

// Store is a ledger with the operator surface. Every driver provides both.
type Store interface {
	domain.Ledger
	domain.LedgerAdmin
	SetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus) error
}

// Daemon is the core snapbot runtime. It wires together all services.
type Daemon struct {
	Config      Config
	Ledger      Store
	Slack       *slack.Client
	Messages    *messages.Catalog
	Images      *imagestore.Store
	Submissions *submission.Validator
	Orders      *orders.Service
	Roster      *roster.Service
	Router      *router.Router
	Server      *api.Server
	Health      *health.Checker
	BotID       string

	ctx     context.Context
	cancel  context.CancelFunc
	logFile io.Closer
}

// New loads the config and creates a Daemon.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig creates a Daemon with the given configuration. It calls
// auth.test to learn the bot's own user id.
func NewWithConfig(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logFile, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	msgs, err := messages.Load(cfg.Messages.File)
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("load messages: %w", err)
	}

	client := slack.NewClient(cfg.Slack.BotToken, cfg.Slack.APIURL)
	auth, err := client.AuthTest(ctx)
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("auth.test: %w", err)
	}
	log.Printf("[daemon] connected to %s as %s (%s)", auth.Team, auth.User, auth.UserID)

	ledger, err := OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	imagesDir := cfg.Images.Dir
	if imagesDir == "" {
		imagesDir = filepath.Join(snapbotHome(), "pics")
	}
	images := imagestore.New(imagesDir, client,
		parseDuration(cfg.Images.DownloadTimeout, 30*time.Second),
		parseSize(cfg.Images.MaxSize, 20<<20))

	d := &Daemon{
		Config:   cfg,
		Ledger:   ledger,
		Slack:    client,
		Messages: msgs,
		Images:   images,
		BotID:    auth.UserID,
		logFile:  logFile,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	poster := slack.NewRetrying(client, slack.DefaultRetryConfig())
	d.Submissions = submission.New(ledger, images)
	d.Orders = orders.New(poster, ledger, msgs)
	d.Roster = roster.New(poster, ledger, msgs, auth.UserID)
	d.Router = router.New(router.Config{BotID: auth.UserID}, msgs, poster, d.Submissions, d.Orders, d.Roster)

	d.Health = health.NewChecker(ledger, imagesDir, health.PlatformCheck(func(ctx context.Context) error {
		_, err := client.AuthTest(ctx)
		return err
	}))

	opts := []api.Option{
		api.WithBaseContext(d.ctx),
		api.WithMaxConcurrent(cfg.API.MaxConcurrent),
		api.WithEventTimeout(parseDuration(cfg.Bot.EventTimeout, 60*time.Second)),
		api.WithHealth(d.Health),
	}
	if cfg.Telemetry.Prometheus {
		opts = append(opts, api.WithMetrics())
	}
	d.Server = api.NewServer(cfg.Slack.SigningSecret, d.Router, opts...)

	return d, nil
}

// OpenLedger opens the ledger selected by cfg.Driver.
func OpenLedger(ctx context.Context, cfg LedgerConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := sqlite.Open(snapbotHome())
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory":
		log.Printf("[daemon] WARNING: memory ledger, nothing survives a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// Startup syncs the roster and, when configured, welcomes active members.
// Failures are logged; the bot still serves.
func (d *Daemon) Startup(ctx context.Context) {
	var err error
	if d.Config.Bot.WelcomeOnStart {
		err = d.Roster.SyncAndWelcome(ctx)
	} else {
		_, err = d.Roster.Sync(ctx)
	}
	if err != nil {
		log.Printf("[daemon] roster startup: %v", err)
	}
}

// Serve runs startup, then the HTTP server, and blocks until ctx is done or
// SIGINT/SIGTERM arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.Health.Run(d.ctx)
	d.Startup(ctx)

	httpServer := &http.Server{
		Handler:      d.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		d.drain(shutdownCtx)
	}()

	fmt.Printf("snapbot serving on http://%s\n", ln.Addr())
	fmt.Printf("  Events:  POST /slack/events\n")
	fmt.Printf("  Actions: POST /slack/actions\n")
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", ln.Addr())
	}

	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

// drain waits for in-flight events, cancelling them if ctx ends first.
func (d *Daemon) drain(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		d.Server.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		log.Printf("[daemon] shutdown timeout, cancelling in-flight events")
		d.cancel()
		<-finished
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Ledger != nil {
		_ = d.Ledger.Close()
	}
	closeQuietly(d.logFile)
}

// setupLogging points the standard logger at stderr plus an optional file.
// "debug" adds file:line to every entry.
func setupLogging(cfg LoggingConfig) (io.Closer, error) {
	flags := log.LstdFlags
	if cfg.Level == "debug" {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
