package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chainview/internal/chain"
	"chainview/internal/engine"
	"chainview/internal/expiry"
	"chainview/internal/feed"
	"chainview/internal/models"
	"chainview/internal/openalgo"
	"chainview/internal/server"
	"chainview/internal/store"
	"chainview/internal/stream"
)

// newServeCmd builds the long-running service command.
func newServeCmd(app *App) *cobra.Command {
	var (
		addr       string
		underlying string
		expiryDate string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the option chain streaming service",
		Long: `Start the aggregation engine, connect to the upstream feed and serve
the REST API and subscriber WebSocket endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				app.Config.Server.Addr = addr
			}
			if underlying != "" {
				app.Config.Chain.DefaultUnderlying = underlying
			}
			return runServe(app, expiryDate)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVarP(&underlying, "underlying", "u", "", "initial underlying (overrides config)")
	cmd.Flags().StringVarP(&expiryDate, "expiry", "e", "", "initial expiry (default: nearest)")
	return cmd
}

func runServe(app *App, expiryDate string) error {
	cfg := app.Config
	logger := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := openalgo.New(openalgo.Config{
		Host:    cfg.Upstream.Host,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.RequestTimeout,
	}, logger)

	// The outage journal and expiry persistence are best-effort; the
	// service runs without them.
	var (
		sqlStore *store.SQLiteStore
		journal  engine.OutageJournal
		outages  server.OutageReader
		persist  expiry.Persister
	)
	if s, err := store.NewSQLiteStore(cfg.Store.Path); err != nil {
		logger.Warn().Err(err).Msg("SQLite store unavailable, running without persistence")
	} else {
		sqlStore = s
		journal = s
		outages = s
		persist = s
		defer sqlStore.Close()
	}

	cache := expiry.NewCache(expiry.CacheConfig{
		TTL:         cfg.Chain.ExpiryTTL,
		FailBackoff: cfg.Chain.ExpiryFailBackoff,
	}, rest, persist, logger)
	if sqlStore != nil {
		warmExpiryCache(cache, sqlStore, logger)
	}

	chainStore := chain.NewStore(models.Selection{
		Underlying: cfg.Chain.DefaultUnderlying,
		Expiry:     expiryDate,
	}, cfg.Chain.StrikeWindow)

	hub := stream.NewHubWithConfig(stream.HubConfig{
		QueueSize:   cfg.Publish.QueueSize,
		IdleTimeout: cfg.Publish.IdleTimeout,
	}, logger)

	feedClient := feed.NewWebSocketClient(feed.WebSocketConfig{
		URL:        cfg.Upstream.WebSocketURL,
		APIKey:     cfg.Upstream.APIKey,
		BaseDelay:  cfg.Upstream.ReconnectBase,
		MaxDelay:   cfg.Upstream.ReconnectMax,
		MaxRetries: cfg.Upstream.ReconnectRetries,
	}, logger)

	eng := engine.New(engine.Config{
		MinPublishInterval: cfg.Publish.MinInterval,
	}, chainStore, cache, rest, feedClient, hub, journal, logger)

	srv := server.New(cfg.Publish, cfg.Server.Addr, eng, cache, hub, outages, logger)

	initial := models.Selection{
		Underlying: cfg.Chain.DefaultUnderlying,
		Expiry:     expiryDate,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub.Start(runCtx)

	errCh := make(chan error, 2)
	go func() { errCh <- eng.Run(runCtx, initial) }()
	go func() { errCh <- srv.Run(runCtx) }()

	logger.Info().
		Str("underlying", initial.Underlying).
		Str("addr", cfg.Server.Addr).
		Msg("Chainview started")

	// First failure stops the whole service; the second goroutine
	// drains on cancel.
	err := <-errCh
	cancel()
	<-errCh
	return err
}

// warmExpiryCache loads persisted expiry lists so a restart does not
// need the upstream before serving its first request.
func warmExpiryCache(cache *expiry.Cache, s *store.SQLiteStore, logger zerolog.Logger) {
	entries, err := s.LoadExpiries()
	if err != nil {
		logger.Warn().Err(err).Msg("Expiry warm start failed")
		return
	}
	for _, e := range entries {
		cache.Warm(e.Underlying, e.Dates, e.FetchedAt)
	}
	if len(entries) > 0 {
		logger.Info().Int("underlyings", len(entries)).Msg("Expiry cache warmed from store")
	}
}
