package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lpwatch/internal/api"
	"lpwatch/internal/config"
	"lpwatch/internal/ingestion"
	"lpwatch/internal/metrics"
	"lpwatch/internal/onchain"
	"lpwatch/internal/persistence"
	"lpwatch/internal/portfolio"
	"lpwatch/internal/registry"
	"lpwatch/internal/tracker"
	"lpwatch/pkg/chain/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// .env file is optional
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Int64("chain_id", cfg.Chain.ChainID).Msg("Starting lpwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("lpwatch shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")

	client, err := evm.NewClient(cfg.Chain.RPCURL, cfg.Refresh.RequestsPerSecond)
	if err != nil {
		return err
	}
	defer client.Close()
	client.SetMulticallAddress(cfg.MulticallAddress())

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("reading chain id: %w", err)
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		return fmt.Errorf("node is on chain %s, configured chain_id is %d", chainID, cfg.Chain.ChainID)
	}
	log.Info().Str("chain_id", chainID.String()).Msg("RPC client connected")

	reg, err := registry.FromConfig(cfg, store)
	if err != nil {
		return err
	}
	programs, err := onchain.ProgramsFromConfig(cfg.Staking.Programs, reg.Factory())
	if err != nil {
		return err
	}
	legacyTokens := make([]common.Address, 0, len(cfg.Legacy.Tokens))
	for _, t := range cfg.Legacy.Tokens {
		legacyTokens = append(legacyTokens, common.HexToAddress(t))
	}

	tr := tracker.NewManager(m)
	defer tr.Close()

	portfolioSvc := portfolio.NewService(
		tr,
		reg,
		onchain.NewFetcher(client, cfg.Refresh.BatchSize),
		store,
		m,
		portfolio.Config{
			Interval:     cfg.Refresh.Interval,
			FetchTimeout: cfg.Refresh.FetchTimeout,
			Programs:     programs,
			LegacyTokens: legacyTokens,
		},
	)

	var ingestionSvc *ingestion.Service
	if cfg.Chain.WSURL != "" {
		ingestionSvc = ingestion.NewService(cfg.Chain.WSURL, tr, m)
		ingestionSvc.SetReconciler(ingestion.NewReconciler(client, tr))
		ingestionSvc.OnHead(func(uint64) { portfolioSvc.Trigger() })
		portfolioSvc.OnLiquidityTokens(ingestionSvc.SetTrackedPools)
	} else {
		log.Warn().Msg("No WebSocket URL configured, refreshing on interval only")
	}

	if err := portfolioSvc.Restore(ctx, cfg.AccountAddress()); err != nil {
		return err
	}

	hub := api.NewHub(m)
	if cfg.API.Enabled {
		server := api.NewServer(tr, portfolioSvc, hub)
		if err := server.Start(cfg.API.Port); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ingestionSvc != nil {
		g.Go(func() error {
			log.Info().Msg("Starting ingestion service...")
			return ingestionSvc.Run(gCtx)
		})
	}

	g.Go(func() error {
		log.Info().Msg("Starting portfolio refresh...")
		return portfolioSvc.Run(gCtx)
	})

	// Drains the view channel even when the API is disabled
	g.Go(func() error {
		return hub.Run(gCtx, tr.Views())
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
