// Command daemon runs the permission-bridging daemon described in the
// package documentation of its internal subpackages: it accepts local hook
// connections, tracks idle state, and posts interactive approval requests
// to a remote chat service while the user is away.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/clauderelay/daemon/internal/chat"
	"github.com/clauderelay/daemon/internal/config"
	"github.com/clauderelay/daemon/internal/coordinator"
	"github.com/clauderelay/daemon/internal/idlemon"
	"github.com/clauderelay/daemon/internal/idlestate"
	"github.com/clauderelay/daemon/internal/ipc"
)

// GracefulShutdownTimeout bounds how long the daemon waits for the
// coordinator to drain pending requests and the IPC server to drain
// in-flight connections before exiting anyway.
const GracefulShutdownTimeout = 10 * time.Second

var (
	flagVerbose    bool
	flagConfigPath string
)

func init() {
	flag.Usage = usage
	flag.BoolVar(&flagVerbose, "v", false, "enable debug logging")
	flag.StringVar(&flagConfigPath, "config", "", "path to config.json (default: platform per-user config dir)")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage:\n\tclauderelay-daemon [flags]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Parse()

	logger := newLogger(flagVerbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		logger.Error("startup failed: configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

// newLogger picks a colorized handler for an interactive terminal and a
// plain text handler otherwise, since this daemon is usually run
// unattended.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	store := idlestate.New(time.Now())

	backend, err := idlemon.SelectBackend(cfg.IdleHelperPath, cfg.IdleThreshold(), logger)
	if err != nil {
		return fmt.Errorf("idle backend: %w", err)
	}
	monitor := idlemon.New(backend, logger)

	adapter := chat.NewWSAdapter(chat.Config{
		URL:         cfg.ChatURL,
		Destination: cfg.ChatDestination,
		Token:       cfg.ChatToken,
		DialTimeout: 10 * time.Second,
	}, logger)

	coord := coordinator.New(store, adapter, logger, cfg.RequestTimeout())

	ln, err := ipc.Listen(cfg.IPCPath)
	if err != nil {
		return fmt.Errorf("ipc endpoint: %w", err)
	}
	server := ipc.NewServer(coord, logger, cfg.FilteredNotificationTypes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The idle-transition forwarder, the coordinator's event loop, and the
	// IPC accept loop are three independent background tasks whose only
	// coupling is ctx; errgroup.Group collects whichever one exits first
	// (normally the IPC server, on Serve's error return) without needing a
	// bespoke done-channel per task.
	group, groupCtx := errgroup.WithContext(ctx)

	transitions := monitor.Run(groupCtx)
	group.Go(func() error {
		for t := range transitions {
			coord.NotifyIdleChanged(t)
		}
		return nil
	})

	group.Go(func() error {
		coord.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		return server.Serve(groupCtx, ln)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("daemon started", "ipc_path", cfg.IPCPath, "chat_destination", cfg.ChatDestination)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-groupCtx.Done():
		logger.Warn("a background task exited unexpectedly, shutting down")
	}

	cancel() // stops the coordinator, idle monitor, and closes the IPC listener

	if err := server.Stop(GracefulShutdownTimeout); err != nil {
		logger.Warn("ipc server did not drain cleanly", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("background task reported an error during shutdown", "error", err)
		}
	case <-time.After(GracefulShutdownTimeout):
		logger.Warn("background tasks did not finish draining in time")
	}

	if err := adapter.Close(); err != nil {
		logger.Warn("chat adapter close error", "error", err)
	}

	logger.Info("daemon shutdown complete")
	return nil
}
