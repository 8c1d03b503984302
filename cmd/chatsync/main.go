package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/collector"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/control"
	"github.com/alexjbarnes/chat-sync/internal/generation"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/resolver"
	"github.com/alexjbarnes/chat-sync/internal/scheduler"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle issue-token subcommand before role config loading.
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken prints a bearer token for the given user id.
func issueToken(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: chatsync issue-token <user-id>")
	}

	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateSecret(); err != nil {
		return err
	}

	token, expires, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL).Issue(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", args[0], expires.Format(time.RFC3339))
	fmt.Println(token)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.Bool("client", cfg.EnableClient),
		slog.Bool("server", cfg.EnableServer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableServer {
		g.Go(func() error {
			return runServer(gctx, cfg, logger)
		})
	}

	if cfg.EnableClient {
		g.Go(func() error {
			return runClient(gctx, cfg, logger)
		})
	}

	return g.Wait()
}

// runClient starts the local cache, the sync scheduler and the control
// surface.
func runClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clientLogger := logger.With(slog.String("service", "client"))

	var (
		c   *cache.Cache
		err error
	)

	if cfg.CachePath != "" {
		c, err = cache.LoadAt(cfg.CachePath)
	} else {
		c, err = cache.Load()
	}

	if err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}
	defer c.Close()

	if cfg.SyncToken != "" {
		if err := c.SetToken(cfg.SyncToken); err != nil {
			clientLogger.Warn("failed to save token", slog.String("error", err.Error()))
		}
	}

	if c.Token() == "" {
		clientLogger.Warn("no sync token configured; sync will report auth required until SYNC_TOKEN is set")
	}

	writer := generation.New(c, clientLogger.With(slog.String("component", "generation")), cfg.FlushInterval)
	sweeper := sweep.New(c, writer, clientLogger.With(slog.String("component", "sweep")))
	writer.AttachSweeper(sweeper)

	st := status.NewBroadcaster()
	sched := scheduler.New(
		c,
		sweeper,
		collector.New(c),
		transport.NewClient(cfg.SyncServerURL, c, cfg.SyncTimeout),
		st,
		clientLogger.With(slog.String("component", "scheduler")),
		scheduler.Config{
			Interval: cfg.SyncInterval,
			Timeout:  cfg.SyncTimeout,
			Debounce: cfg.AutoSyncDebounce,
		},
		scheduler.WithBusySignal(writer),
	)

	mux := control.NewMux(control.Config{Syncer: sched, Status: st, Cache: c, Generator: writer, Logger: clientLogger})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, c, sched, st)

	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil))

	controlServer := &http.Server{
		Addr:         cfg.ControlListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // status stream is long-lived
		IdleTimeout:  120 * time.Second,
	}

	clientLogger.Info("starting client",
		slog.String("server_url", cfg.SyncServerURL),
		slog.String("control", cfg.ControlListenAddr),
		slog.Duration("interval", cfg.SyncInterval),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return serve(gctx, controlServer, clientLogger)
	})

	return g.Wait()
}

// runServer starts the sync server.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	serverLogger := logger.With(slog.String("service", "server"))

	serverLogger.Info("opening database", slog.String("path", cfg.DatabasePath))

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	mux := server.NewMux(server.MuxConfig{
		Resolver: resolver.New(s, serverLogger.With(slog.String("component", "resolver"))),
		Issuer:   auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Logger:   serverLogger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ServerListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverLogger.Info("starting sync server", slog.String("listen", cfg.ServerListenAddr))

	return serve(ctx, httpServer, serverLogger)
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server", slog.String("addr", srv.Addr))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error on %s: %w", srv.Addr, err)
	}

	return nil
}
