package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/config"
	"roomfi/internal/logging"
	"roomfi/internal/metrics"
	"roomfi/internal/network"
	"roomfi/internal/server"
	"roomfi/internal/statestore"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Environment: cfg.Log.Environment})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := metrics.New()
	ctx := context.Background()

	store, err := statestore.Open(ctx, cfg.State)
	if err != nil {
		logger.Fatal("state store error", zap.String("backend", cfg.State.Backend), zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	if cfg.Chain.PrivateKey == "" {
		logger.Fatal("CHAIN_PRIVATE_KEY is required to sign transactions")
	}
	wallet, err := chain.NewLocalWallet(cfg.Chain.PrivateKey, cfg.Networks[cfg.DefaultNetwork].ChainID)
	if err != nil {
		logger.Fatal("wallet error", zap.Error(err))
	}

	dial := network.EthDialer(chain.Options{
		Retry:          cfg.Chain.Retry,
		PollInterval:   cfg.Chain.ReceiptPollInterval,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		Logger:         logger,
		Metrics:        reg,
	})
	coord, err := network.New(network.Config{
		Profiles: cfg.Networks,
		Default:  cfg.DefaultNetwork,
		Wallet:   wallet,
		Store:    store,
		Dial: func(ctx context.Context, p chain.Profile) (chain.Client, error) {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
			defer cancel()
			return dial(dialCtx, p)
		},
		Policy:              cfg.Chain.Confirmations,
		ConfirmTimeout:      cfg.Chain.ConfirmTimeout,
		VaultPollInterval:   cfg.Chain.VaultPollInterval,
		BalancePollInterval: cfg.Chain.BalancePollInterval,
		ReconcileInterval:   time.Minute,
		Metrics:             reg,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("network coordinator error", zap.Error(err))
	}
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("could not activate a network", zap.Error(err))
	}

	apiServer := server.NewServer(server.Options{
		Service:     cfg.Service,
		Coordinator: coord,
		Store:       store,
		Metrics:     reg,
		Logger:      logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := coord.Close(); err != nil {
		logger.Warn("network shutdown", zap.Error(err))
	}
}
