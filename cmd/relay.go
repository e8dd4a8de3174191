package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/internal/llmrouter"
	"github.com/hivechat/hivechat/internal/ratelimit"
	"github.com/hivechat/hivechat/internal/relay"
	"github.com/hivechat/hivechat/internal/store"
	"github.com/hivechat/hivechat/internal/store/pg"
	"github.com/hivechat/hivechat/internal/store/sqlite"
	"github.com/hivechat/hivechat/internal/tracing"
	"github.com/hivechat/hivechat/pkg/protocol"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the central relay",
		Run: func(cmd *cobra.Command, args []string) {
			runRelay()
		},
	}
}

func runRelay() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Relay.Token == "" {
		slog.Error("relay token is not configured", "hint", "set relay.token or HIVECHAT_RELAY_TOKEN")
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// Redis makes the rate limit global across relay processes; without it
	// the limiter runs on its process-local table.
	var counter ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		rs := ratelimit.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		counter = rs
		defer rs.Close()
		slog.Info("relay.ratelimit.redis", "addr", cfg.Redis.Addr)
	}
	limiter := ratelimit.New(counter, cfg.Relay.RateLimitMax, cfg.Relay.RateWindow())
	defer limiter.Close()

	// LLM-assisted routing for direct rooms is optional; without it the
	// relay falls back to the keyword heuristic.
	var llmRoute relay.LLMRouteFunc
	if cfg.LLMRouter.BaseURL != "" || cfg.LLMRouter.APIKey != "" {
		router := llmrouter.New(llmrouter.Config{
			BaseURL: cfg.LLMRouter.BaseURL,
			APIKey:  cfg.LLMRouter.APIKey,
			Model:   cfg.LLMRouter.Model,
			Timeout: cfg.LLMRouter.Timeout(),
		})
		llmRoute = router.Route
		slog.Info("relay.llmrouter.enabled", "model", cfg.LLMRouter.Model)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "hivechat-relay", cfg.Tracing.Enabled, cfg.Tracing.Endpoint)
	if err != nil {
		slog.Warn("tracing init failed", "error", err)
	} else if shutdownTracing != nil {
		defer shutdownTracing(context.Background())
	}

	server := relay.NewServer(cfg.Relay, stores, limiter, llmRoute, slog.Default())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("relay.shutdown", "signal", sig)
		cancel()
	}()

	slog.Info("hivechat relay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"host", cfg.Relay.Host,
		"port", cfg.Relay.Port,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
}

// openStores picks Postgres when a DSN is configured, SQLite otherwise.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.PostgresDSN != "" {
		return pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	}
	path := cfg.Database.SQLitePath
	if path == "" {
		path = config.ExpandHome("~/.hivechat/hivechat.db")
	}
	return sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: path})
}
