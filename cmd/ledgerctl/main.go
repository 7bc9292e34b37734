package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"loanLedger/internal/config"
	"loanLedger/internal/storage"
	"loanLedger/internal/storage/memory"
	"loanLedger/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Lending agreement orchestration and ledger",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(migrateCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest settlement events into the ledger store",
		RunE:  runIngest,
	}
	addCommonFlags(ingestCmd, config.StorePostgres)
	ingestCmd.Flags().Uint64("from", 0, "start block (inclusive) when no checkpoint exists")
	ingestCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 follows the chain head")
	ingestCmd.Flags().Uint64("batch-size", 2000, "blocks per backfill batch")
	ingestCmd.Flags().Uint64("confirmations", 0, "blocks to stay behind the head")
	ingestCmd.Flags().Duration("poll-interval", 5*time.Second, "head polling interval")
	ingestCmd.Flags().Bool("subscribe", false, "follow the head with a log subscription (websocket rpc)")
	ingestCmd.Flags().StringSlice("escrow", nil, "escrow contract addresses (comma-separated)")
	ingestCmd.Flags().String("state", config.StateDB, "checkpoint backend (db, file)")
	ingestCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path for file state")
	ingestCmd.Flags().String("archive", "", "optional JSONL archive of ingested events")
	ingestCmd.Flags().String("metrics-addr", ":9102", "prometheus listen address, empty disables")
	root.AddCommand(ingestCmd)

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print an account ledger as JSON lines",
		RunE:  runLedger,
	}
	ledgerCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	ledgerCmd.Flags().String("role", "", "ledger perspective (lender, borrower, depositor)")
	ledgerCmd.Flags().String("account", "", "account address")
	ledgerCmd.Flags().String("agreement", "", "optional agreement id filter")
	ledgerCmd.Flags().String("opening", "0", "opening balance")
	ledgerCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(ledgerCmd)

	root.AddCommand(newFillCmd(), newCancelCmd(), newRepayCmd(), newAuthorizeCmd(), newDisposeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command, store string) {
	cmd.Flags().String("rpc", "", "RPC URL")
	cmd.Flags().String("store", store, "ledger store (postgres, memory)")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
	cmd.Flags().String("debt-kernel", "", "debt kernel address")
	cmd.Flags().String("debt-registry", "", "debt registry address")
	cmd.Flags().String("debt-token", "", "debt token address")
	cmd.Flags().String("repayment-router", "", "repayment router address")
	cmd.Flags().String("token-transfer-proxy", "", "token transfer proxy address")
	cmd.Flags().String("collateralizer", "", "collateralizer address")
	cmd.Flags().String("terms-contract", "", "terms contract address")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func openStore(ctx context.Context, cfg config.Common) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
