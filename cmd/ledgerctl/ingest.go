package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loanLedger/internal/chain"
	"loanLedger/internal/config"
	"loanLedger/internal/ingest"
	"loanLedger/internal/metrics"
	"loanLedger/internal/storage"
	"loanLedger/internal/storage/postgres"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadLedger(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadIngest(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	addrs, err := cfg.Contracts.Resolve()
	if err != nil {
		return err
	}
	escrows, err := config.ParseAddresses("escrow", cfg.Escrows)
	if err != nil {
		return err
	}
	subs := ingest.DefaultSubscriptions(addrs.DebtKernel, addrs.RepaymentRouter, addrs.Collateralizer, escrows)
	if len(subs) == 0 {
		return fmt.Errorf("no contracts configured to ingest from")
	}

	ctx, stop := signalContext()
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	store, err := openStore(ctx, cfg.Common)
	if err != nil {
		return err
	}
	defer store.Close()

	var state storage.StateStore = store
	if cfg.State == config.StateFile {
		state = &storage.FileStateStore{Path: cfg.Checkpoint}
	}

	reg, m := newMetrics()
	if cfg.MetricsAddr != "" {
		defer stopMetrics(serveMetrics(cfg.MetricsAddr, reg, logger))
	}

	decoder, err := ingest.NewDecoder()
	if err != nil {
		return err
	}
	source := ingest.NewChainSource(chainClient, decoder, ingest.SourceConfig{
		ToBlock:       cfg.ToBlock,
		BatchSize:     cfg.BatchSize,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		Subscribe:     cfg.Subscribe,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, logger)

	var archive *storage.JSONLArchive
	if cfg.Archive != "" {
		archive = storage.NewJSONLArchive(cfg.Archive)
	}

	ingestor := ingest.NewIngestor(ingest.Config{
		FromBlock:    cfg.FromBlock,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, decoder, store, state, chainClient, archive, logger, m)

	logger.Info("ingest start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("store", cfg.Store),
		zap.String("state", cfg.State),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("subscriptions", len(subs)),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Bool("subscribe", cfg.Subscribe),
		zap.String("archive", cfg.Archive),
	)

	return ingestor.Run(ctx, source, subs)
}

// newMetrics returns a registry carrying the runtime collectors and the
// ledger metrics registered on it.
func newMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

func stopMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
