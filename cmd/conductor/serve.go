package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/api"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/intake"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/tui"
	"github.com/aristath/conductor/internal/version"
)

const httpShutdownTimeout = 10 * time.Second

// errQuit ends serve when the user leaves the terminal monitor.
var errQuit = errors.New("monitor closed")

type serveOptions struct {
	configPath string
	addr       string
	tui        bool
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts serveOptions
	fs.StringVar(&opts.configPath, "config", "", "config file")
	fs.StringVar(&opts.addr, "addr", "", "listen address, overrides http.addr")
	fs.BoolVar(&opts.tui, "tui", false, "show the terminal monitor")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serve runs the engine, the API and the optional intake watcher and monitor
// until ctx ends, the monitor is closed or the API fails.
func serve(ctx context.Context, opts serveOptions, stderr io.Writer) error {
	cfg, savePath, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.addr != "" {
		cfg.HTTP.Addr = opts.addr
	}

	// The monitor owns the terminal; records still reach the store.
	console := stderr
	if opts.tui {
		console = io.Discard
	}
	logger, handler := logging.New(console, cfg.LogLevel)

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	handler.SetSink(store)
	defer handler.SetSink(nil)

	coord, err := orchestrator.New(orchestrator.Options{Config: cfg, Store: store, Logger: logger})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}

	if err := coord.Start(ctx); err != nil {
		ln.Close()
		return err
	}
	logger.Info("conductor started", "version", version.Version, "addr", ln.Addr().String(),
		"workers", cfg.NumWorkers, "executor", cfg.Executor.Type)

	srv := api.NewServer(cfg.HTTP.Addr, coord, version.Version, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if cfg.Intake.Enabled {
		w, err := intake.NewWatcher(cfg.Intake.Dir, coord, logger)
		if err != nil {
			logger.Error("intake disabled", "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if opts.tui {
		g.Go(func() error { return runMonitor(gctx, coord, cfg, savePath, logger) })
	}

	runErr := g.Wait()
	if errors.Is(runErr, errQuit) {
		runErr = nil
	}

	// Allow the coordinator its own drain timeout plus a margin for flushing.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std()+5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := coord.Stop(stopCtx); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
		logger.Error("shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// runMonitor shows the terminal monitor until the user quits or ctx ends.
func runMonitor(ctx context.Context, coord *orchestrator.Coordinator, cfg *config.Config, savePath string, logger *slog.Logger) error {
	model := tui.New(coord.Events(), coord, cfg, savePath)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return errQuit
	case <-ctx.Done():
		p.Quit()
		if err := <-done; err != nil {
			logger.Warn("monitor exit error", "error", err)
		}
		return nil
	}
}
