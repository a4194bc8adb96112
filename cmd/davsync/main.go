package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alexjbarnes/davsync/internal/auth"
	"github.com/alexjbarnes/davsync/internal/config"
	"github.com/alexjbarnes/davsync/internal/events"
	"github.com/alexjbarnes/davsync/internal/logging"
	"github.com/alexjbarnes/davsync/internal/mcpserver"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/server"
	"github.com/alexjbarnes/davsync/internal/service"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/watcher"
	"github.com/alexjbarnes/davsync/internal/webdav"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: davsync [command]

Without a command davsync runs as a daemon.

commands:
  once                      sync every root once and exit
  roots                     list enrolled roots
  add-root <remote> <local> enroll a remote directory against a local folder
  remove-root <id>          forget a root (files are kept)
  resume <id>               clear a root's suspension
  conflicts [root-id]       list standing conflicts
  diff <record-id>          show a patch from the remote to the local copy
  resolve <record-id> local|remote
                            pick the winning side of a conflict
  status <root-id> <path>   show the sync record of a local file
  history [n]               list the n most recent outcomes (default 20)
  clear-history             delete all history
  gen-key                   print a new control API key
`

func main() {
	args := os.Args[1:]

	// Handle gen-key before config loading.
	if len(args) > 0 && args[0] == "gen-key" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if len(args) > 0 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
		fmt.Print(usage)
		return
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 {
		return runDaemon(ctx, cfg, logger)
	}

	return runCommand(ctx, cfg, logger, args)
}

// openState opens the bolt database. bbolt holds an exclusive file lock,
// so a second process times out instead of sharing it.
func openState(cfg *config.Config) (*state.State, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("%w (is another davsync process running?)", err)
	}

	st.SetHistoryLimit(cfg.HistoryLimit)

	return st, nil
}

func newRemote(cfg *config.Config, logger *slog.Logger) *webdav.Client {
	return webdav.New(webdav.Options{
		URL:        cfg.WebDAVURL,
		Username:   cfg.WebDAVUsername,
		Password:   cfg.WebDAVPassword,
		Timeout:    cfg.WebDAVTimeout,
		SafeUpload: cfg.SafeUpload,
	}, logger.With(slog.String("component", "webdav")))
}

func serviceOptions(cfg *config.Config) service.Options {
	return service.Options{
		TransferConcurrency: cfg.TransferConcurrency,
		RootConcurrency:     cfg.RootConcurrency,
	}
}

// runDaemon syncs on a schedule and on local changes until ctx is
// cancelled, serving the control endpoints when configured.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("davsync starting",
		slog.String("version", Version),
		slog.String("webdav", cfg.WebDAVURL),
		slog.String("state", cfg.StatePath),
		slog.Duration("interval", cfg.SyncInterval),
		slog.Bool("watch", cfg.WatchLocal),
		slog.Bool("control", cfg.ControlEnabled()),
	)

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	remote := newRemote(cfg, logger)
	if err := remote.Ping(ctx); err != nil {
		logger.Warn("webdav server unreachable, runs will retry on schedule", slog.String("error", err.Error()))
	}

	// The hub triggers runs through the service, which in turn notifies
	// the hub.
	var svc *service.Service

	// Hub-triggered runs stop on shutdown, not when the requesting
	// subscriber goes away.
	hub := events.NewHub(logger.With(slog.String("component", "events")), func(_ context.Context, rootID uint64) (models.Summary, error) {
		return svc.StartSync(ctx, rootID)
	})

	svc = service.New(st, remote, events.Fanout{events.NewLogNotifier(logger), hub}, logger, serviceOptions(cfg))

	if _, err := svc.RecoverLocks(); err != nil {
		return fmt.Errorf("recovering run locks: %w", err)
	}

	if err := enrollRoots(ctx, cfg, svc); err != nil {
		return err
	}

	roots, err := svc.ListRoots()
	if err != nil {
		return err
	}

	if len(roots) == 0 {
		logger.Warn("no sync roots enrolled; set ROOTS_FILE or run davsync add-root")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return schedule(gctx, svc, cfg.SyncInterval, logger)
	})

	if cfg.WatchLocal {
		w, err := watcher.New(roots, svc.StartSync, cfg.WatchDebounce, logger.With(slog.String("component", "watcher")))
		if err != nil {
			return err
		}

		g.Go(func() error {
			return w.Watch(gctx)
		})
	}

	if cfg.ControlEnabled() {
		g.Go(func() error {
			return runControl(gctx, cfg, svc, hub, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("davsync stopped")
		return nil
	}

	return err
}

// enrollRoots applies the roots file, if any.
func enrollRoots(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	if cfg.RootsFile == "" {
		return nil
	}

	roots, err := config.LoadRoots(cfg.RootsFile)
	if err != nil {
		return err
	}

	for _, r := range roots {
		if _, err := svc.EnsureRoot(ctx, r.Remote, r.Local); err != nil {
			return fmt.Errorf("enrolling %s: %w", r.Remote, err)
		}
	}

	return nil
}

// schedule runs every root immediately and then once per interval. A zero
// interval runs only once.
func schedule(ctx context.Context, svc *service.Service, interval time.Duration, logger *slog.Logger) error {
	runAll := func() {
		if _, err := svc.RunAll(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("scheduled sync finished with errors", slog.String("error", err.Error()))
		}
	}

	runAll()

	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runAll()
		}
	}
}

// runControl serves the MCP tools and the event stream.
func runControl(ctx context.Context, cfg *config.Config, svc *service.Service, hub *events.Hub, logger *slog.Logger) error {
	keys, err := cfg.ParseControlAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing control API keys: %w", err)
	}

	store, err := auth.NewStore(keys)
	if err != nil {
		return fmt.Errorf("loading control API keys: %w", err)
	}

	ctlLogger := logger.With(slog.String("service", "control"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "davsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.ControlListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Store:         store,
			MCPHandler:    mcpHandler,
			EventsHandler: hub,
			Logger:        ctlLogger,
			Version:       Version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Int("keys", store.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		ctlLogger.Info("shutting down control server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server error: %w", err)
	}

	return ctx.Err()
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	return id, nil
}
