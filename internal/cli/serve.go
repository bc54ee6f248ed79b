package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/dschat/internal/config"
	"github.com/harun/dschat/internal/logger"
	"github.com/harun/dschat/internal/tracing"
	"github.com/harun/dschat/pkg/agentproc"
	"github.com/harun/dschat/pkg/chatapi"
	"github.com/harun/dschat/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat API server",
	Long: `Run the chat API server in the foreground. The agent subprocess is
started lazily on the first chat request and restarted automatically
after failures.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	appLogger, err := logger.New(logger.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.GetZerolog()

	if err := tracing.InitOpenTelemetry("dschat"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	log.Info().Str("config", loader.GetConfigPath()).Str("version", version).Msg("Starting dschat")

	// Session store, optionally snapshot-backed
	var snapshots session.Snapshotter
	if cfg.Sessions.SnapshotPath != "" {
		path := cfg.Sessions.SnapshotPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		snapshots, err = session.NewSQLiteSnapshots(path, log)
		if err != nil {
			return fmt.Errorf("failed to open session snapshots: %w", err)
		}
	}

	store, err := session.NewStore(session.Options{Snapshots: snapshots, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer store.Close()

	sweeper, err := session.NewSweeper(session.SweeperOptions{
		Store:    store,
		TTL:      cfg.Sessions.TTL(),
		Schedule: cfg.Sessions.SweepSchedule,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	// Event stream for UI and operational tooling
	events := chatapi.NewEventHub(log)

	coordinator, err := agentproc.NewCoordinator(agentproc.Options{
		Config: agentproc.Config{
			Command:       cfg.Agent.Command,
			Args:          cfg.Agent.Args,
			Tables:        cfg.Agent.Tables,
			AllowedTools:  cfg.Agent.AllowedTools,
			InitTimeout:   cfg.Agent.InitTimeoutDuration(),
			TurnTimeout:   cfg.Agent.TurnTimeoutDuration(),
			ShutdownGrace: cfg.Agent.ShutdownGraceDuration(),
		},
		Sink:   events,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent coordinator: %w", err)
	}

	var watcher *agentproc.ProgramWatcher
	if cfg.Agent.WatchProgram {
		watcher, err = agentproc.NewProgramWatcher(coordinator, cfg.Agent.Command, log)
		if err != nil {
			log.Warn().Err(err).Msg("Agent program watching disabled")
		} else {
			defer watcher.Close()
		}
	}

	server, err := chatapi.NewServer(chatapi.ServerOptions{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxHistoryTurns: cfg.Sessions.MaxHistoryTurns,
		Version:         version,
	}, store, coordinator, events, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Coordinator shutdown failed")
	}

	log.Info().Msg("dschat stopped")
	return nil
}
