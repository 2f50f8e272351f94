package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradedesk/internal/api"
	"tradedesk/internal/credhealth"
	"tradedesk/internal/events"
	"tradedesk/internal/execution"
	"tradedesk/internal/gateway"
	"tradedesk/internal/marketmux"
	"tradedesk/internal/notify"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/userstream"
	"tradedesk/pkg/config"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/db"
	"tradedesk/pkg/exchanges"
	binance "tradedesk/pkg/exchanges/binance"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(cfg)

	log.Info().Str("version", buildVersion).Bool("testnet", cfg.BinanceTestnet).Msg("tradedesk starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("db init failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("db migrations failed")
	}

	cipher, err := crypto.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("credential cipher init failed")
	}
	if cipher == nil {
		log.Warn().Msg("CREDENTIAL_ENCRYPTION_KEY not set; credentials stored in plaintext")
	}

	// Gateway pool with environment fallback credentials.
	poolCfg := gateway.DefaultConfig()
	poolCfg.Testnet = cfg.BinanceTestnet
	poolCfg.EnvAPIKey = cfg.BinanceAPIKey
	poolCfg.EnvAPISecret = cfg.BinanceAPISecret
	pool := gateway.NewManager(database, cipher, poolCfg)
	pool.Start(ctx)

	health := credhealth.New(cfg.QuarantineThreshold)

	marketData, err := exchanges.NewMarketData(binance.Name, cfg.BinanceTestnet)
	if err != nil {
		log.Fatal().Err(err).Msg("market data init failed")
	}

	// Shared public stream multiplexer.
	muxCfg := marketmux.DefaultConfig()
	muxCfg.Testnet = cfg.BinanceTestnet
	muxCfg.DefaultInterval = cfg.DefaultKlineInterval
	muxCfg.SnapshotLimit = cfg.SnapshotCandleLimit
	muxCfg.ReconnectBase = cfg.ReconnectBaseDelay
	muxCfg.ReconnectMax = cfg.ReconnectMaxDelay
	muxCfg.MaxAttempts = cfg.ReconnectMaxAttempt
	mux := marketmux.New(muxCfg, marketData, bus)

	// Per-user private streams.
	webhook := notify.NewWebhook(cfg.NotifyWebhookURL)
	streamCfg := userstream.DefaultConfig()
	streamCfg.Testnet = cfg.BinanceTestnet
	streamCfg.Keepalive = cfg.ListenKeyKeepalive
	streamCfg.ReconnectBase = cfg.ReconnectBaseDelay
	streamCfg.ReconnectMax = cfg.ReconnectMaxDelay
	streamCfg.MaxAttempts = cfg.ReconnectMaxAttempt
	streams := userstream.NewManager(streamCfg, database, pool, bus, health, webhook)
	streams.StartAll(ctx, binance.Name)

	// Execution and reconciliation.
	execCfg := execution.Config{
		SizePct:        cfg.Trading.SizePct,
		SlippageBuffer: cfg.Trading.SlippageBuffer,
		SignalMaxAge:   cfg.Trading.SignalMaxAge,
		DustThreshold:  cfg.Trading.DustThreshold,
		QuoteAsset:     cfg.Trading.QuoteAsset,
	}
	coordinator := execution.NewCoordinator(execCfg, database, pool, health, marketData)
	reconciler := reconcile.New(reconcile.Config{DustThreshold: cfg.Trading.DustThreshold}, database, marketData)

	// API
	server := api.NewServer(api.Deps{
		Bus:         bus,
		DB:          database,
		Cipher:      cipher,
		Mux:         mux,
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Streams:     streams,
		Health:      health,
		Pool:        pool,
		JWTSecret:   cfg.JWTSecret,
		SignalToken: cfg.SignalToken,
		Meta: api.SystemMeta{
			Exchange: binance.Name,
			Testnet:  cfg.BinanceTestnet,
			Version:  buildVersion,
		},
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")

	// Stop accepting requests first, then tear streams down so listen keys
	// are revoked before the process exits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	mux.Close()
	streams.StopAll()
	pool.Stop()
	cancel()
	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
