// streamtest opens the device channel with the bare transport and prints
// every message it receives. The transport retries on its own here, without
// the connection manager's backoff and token refresh.
//
// Usage: go run ./cmd/streamtest --config configs/livelinkd.example.yaml
//
// The access token comes from auth.access_token or the token store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lockerlink/livelink/internal/api"
	"github.com/lockerlink/livelink/internal/auth"
	"github.com/lockerlink/livelink/internal/config"
	"github.com/lockerlink/livelink/internal/connection"
)

func main() {
	configPath := flag.String("config", "configs/livelinkd.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	retries := flag.Int("retries", 5, "transport reconnect attempts")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var tokenStore auth.TokenStore = auth.NewMemoryStore()
	if cfg.Auth.StorePath != "" {
		sqliteStore, err := auth.OpenSQLiteStore(ctx, cfg.Auth.StorePath)
		if err != nil {
			logger.Error("failed to open token store", "error", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		tokenStore = sqliteStore
	}

	apiClient := api.NewClient(cfg.API.RestURL, api.WithLogger(logger))
	tokens := auth.NewManager(tokenStore, apiClient, auth.ManagerConfig{}, logger)
	if cfg.Auth.AccessToken != "" {
		tokens.StoreTokens(ctx, cfg.Auth.AccessToken, cfg.Auth.RefreshToken)
	}
	if !tokens.Authenticated(ctx) {
		logger.Error("no access token; set auth.access_token or auth.store_path")
		os.Exit(1)
	}

	client := connection.NewClient(connection.ClientConfig{
		URL:           cfg.API.WSURL,
		Standalone:    true,
		MaxRetries:    *retries,
		RetryInterval: 3 * time.Second,
	}, tokens, logger)

	var received atomic.Int64
	client.On(connection.WildcardType, func(msg connection.Message) {
		received.Add(1)
		if *verbose {
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Printf("[%s] %s\n%s\n", msg.Type, msg.DeviceID, data)
			return
		}
		fmt.Printf("[%s] device=%s data=%s\n", msg.Type, msg.DeviceID, msg.Data)
	})
	client.OnClose(func(err error) {
		logger.Warn("channel closed", "error", err)
	})

	if err := client.Connect(ctx, cfg.API.DevicesPath); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := client.Stats()
				logger.Info("stats",
					"state", client.State(),
					"received", stats.MessagesReceived,
					"parse_errors", stats.ParseErrors,
					"opens", stats.Opens,
					"unexpected_closes", stats.UnexpectedCloses,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	client.Disconnect()
	logger.Info("shutdown complete", "handled", received.Load())
}
