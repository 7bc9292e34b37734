package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loanLedger/internal/chain"
	"loanLedger/internal/config"
	"loanLedger/internal/disposition"
	"loanLedger/internal/metrics"
	"loanLedger/internal/model"
	"loanLedger/internal/order"
	"loanLedger/internal/settlement"
	"loanLedger/internal/signing"
)

// session is the wiring shared by the commands that sign and send transactions.
type session struct {
	cfg        config.SettlementConfig
	logger     *zap.Logger
	client     *chain.Client
	keystore   *signing.Keystore
	dispatcher *settlement.Dispatcher
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
}

func addSettlementFlags(cmd *cobra.Command) {
	addCommonFlags(cmd, config.StoreMemory)
	cmd.Flags().String("keystore", "", "key store directory")
	cmd.Flags().String("sender", "", "account that sends the transaction")
	cmd.Flags().String("passphrase", "", "default key store passphrase")
	cmd.Flags().String("passphrases", "", "per-account passphrases (comma-separated address=passphrase)")
	cmd.Flags().Duration("inclusion-timeout", 2*time.Minute, "maximum wait for inclusion")
	cmd.Flags().Uint64("confirmations", 0, "blocks to wait after inclusion")
	cmd.Flags().Duration("poll-interval", time.Second, "receipt polling interval")
	cmd.Flags().Uint64("gas-headroom", 20, "percent added to the gas estimate")
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadSettlement(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	addrs, err := cfg.Contracts.Resolve()
	if err != nil {
		return nil, err
	}
	sender, err := config.ParseAddress("sender", cfg.Sender)
	if err != nil {
		return nil, err
	}

	ks, err := signing.OpenKeystore(cfg.Keystore, signing.StaticPassphrases(cfg.Passphrases, cfg.Passphrase))
	if err != nil {
		return nil, err
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	signTx, err := ks.Transactor(sender, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}

	reg, m := newMetrics()
	d := settlement.NewDispatcher(client, addrs, sender, signTx, settlement.Options{
		InclusionTimeout:   cfg.InclusionTimeout,
		Confirmations:      cfg.Confirmations,
		PollInterval:       cfg.PollInterval,
		GasHeadroomPercent: cfg.GasHeadroom,
	}, logger, m)

	return &session{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		keystore:   ks,
		dispatcher: d,
		registry:   reg,
		metrics:    m,
	}, nil
}

func (s *session) Close() {
	s.client.Close()
	_ = s.logger.Sync()
}

// report prints a settlement result. A transaction that was sent but not
// seen mined is printed as pending with its hash so it can be polled later.
func (s *session) report(op string, fields map[string]interface{}, receipt settlement.Receipt, err error) error {
	out := map[string]interface{}{"op": op}
	for k, v := range fields {
		out[k] = v
	}
	switch {
	case err == nil:
		out["status"] = "included"
		out["receipt"] = receipt
	case errors.Is(err, settlement.ErrInclusionTimeout):
		hash, _ := settlement.TxHashOf(err)
		out["status"] = "pending"
		out["tx_hash"] = hash
		s.logger.Warn("transaction not yet included", zap.String("op", op), zap.String("tx_hash", hash.Hex()))
	default:
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}

func addOrderFlags(cmd *cobra.Command) {
	cmd.Flags().String("version", "", "order version address (defaults to the repayment router)")
	cmd.Flags().String("debtor", "", "debtor address")
	cmd.Flags().String("creditor", "", "creditor address")
	cmd.Flags().String("underwriter", "", "optional underwriter address")
	cmd.Flags().String("risk-rating", "0", "underwriter risk rating")
	cmd.Flags().String("salt", "", "order salt (defaults to one derived from the attempt id)")
	cmd.Flags().String("principal-token", "", "principal token address")
	cmd.Flags().String("principal", "", "principal amount")
	cmd.Flags().String("underwriter-fee", "0", "underwriter fee")
	cmd.Flags().String("relayer", "", "relayer address")
	cmd.Flags().String("relayer-fee", "0", "relayer fee")
	cmd.Flags().String("creditor-fee", "0", "creditor fee")
	cmd.Flags().String("debtor-fee", "0", "debtor fee")
	cmd.Flags().String("expiration", "", "order expiration (unix seconds or RFC3339)")
	cmd.Flags().String("terms-parameters", "", "packed terms parameters; overrides the term flags")
	cmd.Flags().Uint8("principal-token-index", 0, "principal token registry index")
	cmd.Flags().Uint32("interest-rate", 0, "interest rate in 1/10000 percent")
	cmd.Flags().String("amortization", "months", "amortization unit (hours, days, weeks, months, years)")
	cmd.Flags().Uint16("term-length", 0, "term length in amortization units")
	cmd.Flags().Uint8("collateral-token-index", 0, "collateral token registry index")
	cmd.Flags().String("collateral", "0", "collateral amount")
	cmd.Flags().Uint8("grace-days", 0, "grace period in days")
}

func orderParams(cmd *cobra.Command, addrs settlement.Contracts, defaultSalt *big.Int) (order.Params, error) {
	flags := cmd.Flags()
	str := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}

	p := order.Params{Kernel: addrs.DebtKernel, TermsContract: addrs.TermsContract}
	addresses := []struct {
		name string
		dst  *common.Address
	}{
		{"version", &p.Version},
		{"debtor", &p.Debtor},
		{"creditor", &p.Creditor},
		{"underwriter", &p.Underwriter},
		{"principal-token", &p.PrincipalToken},
		{"relayer", &p.Relayer},
	}
	for _, a := range addresses {
		addr, err := config.ParseAddress(a.name, str(a.name))
		if err != nil {
			return order.Params{}, err
		}
		*a.dst = addr
	}
	if p.Version == (common.Address{}) {
		p.Version = addrs.RepaymentRouter
	}

	amounts := []struct {
		name string
		dst  **big.Int
	}{
		{"risk-rating", &p.UnderwriterRiskRating},
		{"principal", &p.PrincipalAmount},
		{"underwriter-fee", &p.UnderwriterFee},
		{"relayer-fee", &p.RelayerFee},
		{"creditor-fee", &p.CreditorFee},
		{"debtor-fee", &p.DebtorFee},
	}
	for _, a := range amounts {
		v, err := config.ParseAmount(a.name, str(a.name))
		if err != nil {
			return order.Params{}, err
		}
		*a.dst = v
	}

	p.Salt = defaultSalt
	if raw := str("salt"); raw != "" {
		salt, err := config.ParseAmount("salt", raw)
		if err != nil {
			return order.Params{}, err
		}
		p.Salt = salt
	}
	if p.Salt == nil {
		return order.Params{}, fmt.Errorf("salt is required")
	}

	expiration, err := config.ParseTimestamp(str("expiration"))
	if err != nil {
		return order.Params{}, fmt.Errorf("expiration: %w", err)
	}
	p.Expiration = new(big.Int).SetUint64(expiration)

	if raw := str("terms-parameters"); raw != "" {
		p.TermsParameters, err = parseHash("terms-parameters", raw)
		if err != nil {
			return order.Params{}, err
		}
		return p, nil
	}
	terms, err := termsFromFlags(cmd, p.PrincipalAmount)
	if err != nil {
		return order.Params{}, err
	}
	p.TermsParameters, err = order.PackTerms(terms)
	if err != nil {
		return order.Params{}, err
	}
	return p, nil
}

func termsFromFlags(cmd *cobra.Command, principal *big.Int) (model.Terms, error) {
	flags := cmd.Flags()
	unitRaw, _ := flags.GetString("amortization")
	unit, err := parseAmortization(unitRaw)
	if err != nil {
		return model.Terms{}, err
	}
	collateralRaw, _ := flags.GetString("collateral")
	collateral, err := config.ParseAmount("collateral", collateralRaw)
	if err != nil {
		return model.Terms{}, err
	}
	principalIndex, _ := flags.GetUint8("principal-token-index")
	rate, _ := flags.GetUint32("interest-rate")
	length, _ := flags.GetUint16("term-length")
	collateralIndex, _ := flags.GetUint8("collateral-token-index")
	grace, _ := flags.GetUint8("grace-days")

	return model.Terms{
		PrincipalTokenIndex:  principalIndex,
		PrincipalAmount:      principal,
		InterestRate:         rate,
		AmortizationUnitType: unit,
		TermLength:           length,
		CollateralTokenIndex: collateralIndex,
		CollateralAmount:     collateral,
		GracePeriodInDays:    grace,
	}, nil
}

func parseAmortization(input string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "hours":
		return order.AmortizationHours, nil
	case "days":
		return order.AmortizationDays, nil
	case "weeks":
		return order.AmortizationWeeks, nil
	case "months":
		return order.AmortizationMonths, nil
	case "years":
		return order.AmortizationYears, nil
	default:
		return 0, fmt.Errorf("unknown amortization unit %q", input)
	}
}

func newFillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fill",
		Short: "Build, sign and submit a debt order",
		RunE:  runFill,
	}
	addSettlementFlags(cmd)
	addOrderFlags(cmd)
	return cmd
}

func runFill(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	attemptID := uuid.New()
	logger := s.logger.With(zap.String("attempt_id", attemptID.String()))

	params, err := orderParams(cmd, s.dispatcher.Contracts(), new(big.Int).SetBytes(attemptID[:]))
	if err != nil {
		return err
	}
	draft, err := order.Prepare(params)
	if err != nil {
		return err
	}
	digests := draft.Digests()
	logger.Info("order prepared",
		zap.String("agreement_id", digests.AgreementID.Hex()),
		zap.String("order_hash", digests.OrderHash.Hex()))

	auths, err := draft.Authorize(ctx, signing.NewCollector(s.client, s.keystore, logger))
	if err != nil {
		return err
	}
	o, err := draft.Assemble(auths)
	if err != nil {
		return err
	}

	receipt, err := s.dispatcher.Submit(ctx, o)
	return s.report(settlement.OpFill, map[string]interface{}{
		"attempt_id":   attemptID.String(),
		"agreement_id": digests.AgreementID,
		"salt":         params.Salt.String(),
		"delegated":    o.CreditorDelegated(),
	}, receipt, err)
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a debt order or its issuance",
		RunE:  runCancel,
	}
	addSettlementFlags(cmd)
	addOrderFlags(cmd)
	cmd.Flags().Bool("issuance", false, "cancel the issuance")
	cmd.Flags().Bool("order", false, "cancel the debt order")
	return cmd
}

func runCancel(cmd *cobra.Command, _ []string) error {
	issuance, _ := cmd.Flags().GetBool("issuance")
	debtOrder, _ := cmd.Flags().GetBool("order")
	if issuance == debtOrder {
		return fmt.Errorf("exactly one of --issuance or --order is required")
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	params, err := orderParams(cmd, s.dispatcher.Contracts(), nil)
	if err != nil {
		return err
	}
	draft, err := order.Prepare(params)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{"agreement_id": draft.Digests().AgreementID}

	if issuance {
		receipt, err := s.dispatcher.CancelIssuance(ctx, draft.Params())
		return s.report(settlement.OpCancelIssuance, fields, receipt, err)
	}
	receipt, err := s.dispatcher.CancelOrder(ctx, draft.Params())
	return s.report(settlement.OpCancelOrder, fields, receipt, err)
}

func newRepayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repay",
		Short: "Repay towards an agreement",
		RunE:  runRepay,
	}
	addSettlementFlags(cmd)
	cmd.Flags().String("agreement", "", "agreement id")
	cmd.Flags().String("amount", "", "amount to repay")
	cmd.Flags().String("token", "", "repayment token address")
	return cmd
}

func runRepay(cmd *cobra.Command, _ []string) error {
	agreementRaw, _ := cmd.Flags().GetString("agreement")
	agreementID, err := parseHash("agreement", agreementRaw)
	if err != nil {
		return err
	}
	amountRaw, _ := cmd.Flags().GetString("amount")
	amount, err := config.ParseAmount("amount", amountRaw)
	if err != nil {
		return err
	}
	tokenRaw, _ := cmd.Flags().GetString("token")
	token, err := config.ParseAddress("token", tokenRaw)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	receipt, err := s.dispatcher.Repay(ctx, agreementID, amount, token)
	return s.report(settlement.OpRepay, map[string]interface{}{"agreement_id": agreementID}, receipt, err)
}

func newAuthorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Grant the agent permissions the settlement contracts need",
		RunE:  runAuthorize,
	}
	addSettlementFlags(cmd)
	return cmd
}

func runAuthorize(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	grants := settlement.DefaultGrants(s.dispatcher.Contracts())
	receipts, err := s.dispatcher.EnsureAuthorizations(ctx, grants)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"op":       settlement.OpAuthorize,
		"grants":   len(grants),
		"sent":     len(receipts),
		"receipts": receipts,
	})
}

func newDisposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispose",
		Short: "Return or seize collateral of matured agreements",
		RunE:  runDispose,
	}
	addSettlementFlags(cmd)
	cmd.Flags().String("agreement", "", "agreement id to resolve once")
	cmd.Flags().Bool("watch", false, "keep resolving every agreement in the ledger store")
	cmd.Flags().Duration("watch-interval", time.Minute, "interval between sweeps")
	cmd.Flags().String("metrics-addr", ":9103", "prometheus listen address while watching, empty disables")
	return cmd
}

func runDispose(cmd *cobra.Command, _ []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	agreementRaw, _ := cmd.Flags().GetString("agreement")
	if watch == (agreementRaw != "") {
		return fmt.Errorf("exactly one of --agreement or --watch is required")
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	engine := disposition.NewEngine(s.dispatcher, s.dispatcher, disposition.Config{
		MaxRetries:   s.cfg.MaxRetries,
		RetryBackoff: s.cfg.RetryBackoff,
	}, s.logger, s.metrics)

	if !watch {
		agreementID, err := parseHash("agreement", agreementRaw)
		if err != nil {
			return err
		}
		d, err := engine.Resolve(ctx, agreementID)
		if err != nil {
			return err
		}
		return printJSON(d)
	}

	if s.cfg.Store != config.StorePostgres {
		return fmt.Errorf("dispose --watch lists agreements from the postgres store")
	}
	store, err := openStore(ctx, s.cfg.Common)
	if err != nil {
		return err
	}
	defer store.Close()

	if s.cfg.MetricsAddr != "" {
		defer stopMetrics(serveMetrics(s.cfg.MetricsAddr, s.registry, s.logger))
	}

	s.logger.Info("disposition watch start", zap.Duration("interval", s.cfg.WatchInterval))
	return disposition.NewWatcher(engine, store, s.cfg.WatchInterval, s.logger).Run(ctx)
}
