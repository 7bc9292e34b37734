package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"loanLedger/internal/config"
	"loanLedger/internal/ledger"
	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

func runLedger(cmd *cobra.Command, _ []string) error {
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

	q, err := ledgerQuery(cmd)
	if err != nil {
		return err
	}
	openingRaw, _ := cmd.Flags().GetString("opening")
	opening, err := config.ParseAmount("opening", openingRaw)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := openStore(ctx, cfg.Common)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := ledger.NewProjector(store, logger).Project(ctx, q, opening)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func ledgerQuery(cmd *cobra.Command) (storage.LedgerQuery, error) {
	roleRaw, _ := cmd.Flags().GetString("role")
	role, err := model.ParseRole(roleRaw)
	if err != nil {
		return storage.LedgerQuery{}, err
	}
	accountRaw, _ := cmd.Flags().GetString("account")
	account, err := config.ParseAddress("account", accountRaw)
	if err != nil {
		return storage.LedgerQuery{}, err
	}

	q := storage.LedgerQuery{Role: role, Account: account}
	if raw, _ := cmd.Flags().GetString("agreement"); strings.TrimSpace(raw) != "" {
		id, err := parseHash("agreement", raw)
		if err != nil {
			return storage.LedgerQuery{}, err
		}
		q.AgreementID = &id
	}
	return q, q.Validate()
}

func parseHash(key, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%s: invalid 32 byte hex %q", key, raw)
	}
	return common.HexToHash(raw), nil
}
