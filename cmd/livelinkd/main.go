// livelinkd keeps a live device channel open for a signed-in lockbox user
// and exposes its state over a local HTTP API.
//
// Usage: livelinkd --config configs/livelinkd.example.yaml
//
// Signals:
//
//	SIGINT, SIGTERM  shut down
//	SIGUSR1          app moved to the background
//	SIGUSR2          app became active
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

	"github.com/lockerlink/livelink/internal/api"
	"github.com/lockerlink/livelink/internal/auth"
	"github.com/lockerlink/livelink/internal/config"
	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/database"
	"github.com/lockerlink/livelink/internal/lifecycle"
	"github.com/lockerlink/livelink/internal/poller"
	"github.com/lockerlink/livelink/internal/router"
	"github.com/lockerlink/livelink/internal/session"
	"github.com/lockerlink/livelink/internal/status"
	"github.com/lockerlink/livelink/internal/store"
	"github.com/lockerlink/livelink/internal/version"
	"github.com/lockerlink/livelink/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/livelinkd.example.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("livelinkd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting livelinkd",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.API.RestURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Token storage
	var tokenStore auth.TokenStore = auth.NewMemoryStore()
	if cfg.Auth.StorePath != "" {
		sqliteStore, err := auth.OpenSQLiteStore(ctx, cfg.Auth.StorePath)
		if err != nil {
			return fmt.Errorf("open token store: %w", err)
		}
		defer sqliteStore.Close()
		tokenStore = sqliteStore
		logger.Info("token store opened", "path", sqliteStore.Path())
	}

	// REST client and token manager
	apiClient := api.NewClient(
		cfg.API.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	tokens := auth.NewManager(tokenStore, apiClient, auth.ManagerConfig{
		RefreshAhead:       cfg.Auth.RefreshAhead,
		RefreshWaitTimeout: cfg.Auth.RefreshWaitTimeout,
	}, logger)
	apiClient.SetTokenSource(tokens)

	if cfg.Auth.AccessToken != "" {
		if err := tokens.StoreTokens(ctx, cfg.Auth.AccessToken, cfg.Auth.RefreshToken); err != nil {
			return fmt.Errorf("seed tokens: %w", err)
		}
	}

	// Shared device state and live routing
	devices := store.New(logger)

	rtr := router.NewRouter(router.RouterConfig{
		RecordEvents:    cfg.Archive.Enabled,
		EventBufferSize: cfg.Archive.BufferSize,
	}, devices, logger)

	appState := lifecycle.NewSignal()

	transport := connection.NewClient(connection.ClientConfig{
		URL:              cfg.API.WSURL,
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		PingInterval:     cfg.Connection.PingInterval,
		PingTimeout:      cfg.Connection.PingTimeout,
		WriteTimeout:     cfg.Connection.WriteTimeout,
	}, tokens, logger)

	connMgr := connection.NewManager(connection.ManagerConfig{
		DevicesPath:          cfg.API.DevicesPath,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		JitterFactor:         cfg.Connection.JitterFactor,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		AuthRetryDelay:       cfg.Connection.AuthRetryDelay,
		ResumeThrottle:       cfg.Connection.ResumeThrottle,
	}, transport, tokens, rtr, appState, logger)

	live := session.NewLive(connMgr, logger)

	deviceSync := poller.New(poller.Config{
		Interval: cfg.Sync.Interval,
		Timeout:  cfg.Sync.Timeout,
	}, apiClient, devices, logger)

	statusServer := status.NewServer(status.Config{
		Host:     cfg.Status.Host,
		Port:     cfg.Status.Port,
		Instance: cfg.Instance.ID,
		Version:  version.String(),
	}, status.Deps{
		Connection: connMgr,
		Devices:    devices,
		Messages:   rtr,
		Session:    live,
		Lifecycle:  appState,
	}, logger)
	statusServer.AddComponent("router", func() any { return rtr.Stats() })
	statusServer.AddComponent("sync", func() any { return deviceSync.Stats() })

	// Optional event archive
	var archive *writer.EventWriter
	if cfg.Archive.Enabled {
		db := cfg.Archive.Database
		logger.Info("connecting to archive database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		archive = writer.NewEventWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, rtr.Events(), pool, logger)
		statusServer.AddComponent("archive", func() any { return archive.Stats() })
	}

	// Start components
	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			return fmt.Errorf("start archive: %w", err)
		}
	}
	if err := deviceSync.Start(ctx); err != nil {
		return fmt.Errorf("start device sync: %w", err)
	}
	if err := connMgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	if err := statusServer.Start(ctx); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	if tokens.Authenticated(ctx) {
		live.SetEnabled(ctx, true)
	} else {
		logger.Info("no stored credentials, live updates stay off until POST /session")
	}

	logger.Info("livelinkd running",
		"status_url", fmt.Sprintf("http://%s:%d/status", cfg.Status.Host, cfg.Status.Port),
	)

	waitForShutdown(ctx, appState, logger)

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := statusServer.Stop(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", "error", err)
	}
	live.SetEnabled(shutdownCtx, false)
	if err := connMgr.Stop(shutdownCtx); err != nil {
		logger.Warn("connection manager shutdown", "error", err)
	}
	if err := deviceSync.Stop(shutdownCtx); err != nil {
		logger.Warn("device sync shutdown", "error", err)
	}
	if archive != nil {
		if err := archive.Stop(shutdownCtx); err != nil {
			logger.Warn("archive shutdown", "error", err)
		}
	}

	logger.Info("livelinkd stopped")
	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM, translating SIGUSR1 and
// SIGUSR2 into background and active app states.
func waitForShutdown(ctx context.Context, appState *lifecycle.Signal, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("app state signal", "state", lifecycle.Background)
				appState.Set(lifecycle.Background)
			case syscall.SIGUSR2:
				logger.Info("app state signal", "state", lifecycle.Active)
				appState.Set(lifecycle.Active)
			default:
				logger.Info("received shutdown signal", "signal", sig)
				return
			}
		}
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}
