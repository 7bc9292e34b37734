// Package disposition decides, at or after maturity, whether an agreement's
// collateral goes back to the borrower or to the lender.
package disposition

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"loanLedger/internal/chain"
	"loanLedger/internal/metrics"
	"loanLedger/internal/model"
	"loanLedger/internal/order"
	"loanLedger/internal/settlement"
)

// ErrStaleComparisonInput means the term end moved between the comparison and
// the action. The decision has to start over.
var ErrStaleComparisonInput = errors.New("term end changed during disposition")

const secondsPerDay = 86400

// State of an agreement's collateral disposition.
type State string

const (
	StateActive                 State = "active"
	StateMaturedPendingDecision State = "matured_pending_decision"
	StateResolved               State = "resolved"
)

// Outcome of a resolved disposition.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeReturned Outcome = "returned"
	OutcomeSeized   Outcome = "seized"
)

// Reader is the settlement-layer view the engine decides from.
type Reader interface {
	CollateralDetails(ctx context.Context, agreementID common.Hash) (settlement.CollateralDetails, error)
	LatestTimestamp(ctx context.Context) (uint64, error)
	TermEndTimestamp(ctx context.Context, agreementID common.Hash) (uint64, error)
	TermsParameters(ctx context.Context, agreementID common.Hash) (common.Hash, error)
	ExpectedRepaymentValue(ctx context.Context, agreementID common.Hash, ts uint64) (*big.Int, error)
	ValueRepaidToDate(ctx context.Context, agreementID common.Hash) (*big.Int, error)
}

// Actor executes the collateral actions.
type Actor interface {
	ReturnCollateral(ctx context.Context, agreementID common.Hash) (settlement.Receipt, error)
	SeizeCollateral(ctx context.Context, agreementID common.Hash) (settlement.Receipt, error)
}

// Decision is the result of one pass over an agreement.
type Decision struct {
	AgreementID common.Hash
	State       State
	Outcome     Outcome
	Receipt     *settlement.Receipt
}

// Config sets the retry policy for chain reads and actions.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Engine resolves matured agreements by returning or seizing collateral.
type Engine struct {
	reader  Reader
	actor   Actor
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine builds an Engine. logger and m may be nil.
func NewEngine(reader Reader, actor Actor, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Engine{reader: reader, actor: actor, cfg: cfg, logger: logger, metrics: m}
}

// Decide makes one attempt at resolving the agreement. Every input is read
// fresh; nothing is carried over from an earlier attempt.
func (e *Engine) Decide(ctx context.Context, agreementID common.Hash) (Decision, error) {
	d := Decision{AgreementID: agreementID}

	details, err := e.reader.CollateralDetails(ctx, agreementID)
	if err != nil {
		return d, fmt.Errorf("collateral details: %w", err)
	}
	if details.State.Released() {
		d.State = StateResolved
		e.observe(d, "already_resolved")
		return d, nil
	}
	if details.State == model.CollateralStateNone {
		d.State = StateResolved
		e.observe(d, "no_collateral")
		return d, nil
	}

	now, err := e.reader.LatestTimestamp(ctx)
	if err != nil {
		return d, fmt.Errorf("latest timestamp: %w", err)
	}
	termEnd, err := e.reader.TermEndTimestamp(ctx, agreementID)
	if err != nil {
		return d, fmt.Errorf("term end: %w", err)
	}
	if now < termEnd {
		d.State = StateActive
		e.observe(d, "waiting")
		return d, nil
	}

	expected, err := e.reader.ExpectedRepaymentValue(ctx, agreementID, termEnd)
	if err != nil {
		return d, fmt.Errorf("expected repayment at term end: %w", err)
	}
	repaid, err := e.reader.ValueRepaidToDate(ctx, agreementID)
	if err != nil {
		return d, fmt.Errorf("value repaid: %w", err)
	}
	if expected.Cmp(repaid) <= 0 {
		return e.act(ctx, d, termEnd, OutcomeReturned)
	}

	params, err := e.reader.TermsParameters(ctx, agreementID)
	if err != nil {
		return d, fmt.Errorf("terms parameters: %w", err)
	}
	graceEnd := termEnd + uint64(order.UnpackTerms(params).GracePeriodInDays)*secondsPerDay
	if now < graceEnd {
		d.State = StateMaturedPendingDecision
		e.observe(d, "in_grace")
		return d, nil
	}

	expected, err = e.reader.ExpectedRepaymentValue(ctx, agreementID, graceEnd)
	if err != nil {
		return d, fmt.Errorf("expected repayment at grace end: %w", err)
	}
	repaid, err = e.reader.ValueRepaidToDate(ctx, agreementID)
	if err != nil {
		return d, fmt.Errorf("value repaid: %w", err)
	}
	if expected.Cmp(repaid) > 0 {
		return e.act(ctx, d, termEnd, OutcomeSeized)
	}
	return e.act(ctx, d, termEnd, OutcomeReturned)
}

func (e *Engine) act(ctx context.Context, d Decision, termEnd uint64, outcome Outcome) (Decision, error) {
	d.State = StateMaturedPendingDecision
	current, err := e.reader.TermEndTimestamp(ctx, d.AgreementID)
	if err != nil {
		return d, fmt.Errorf("term end: %w", err)
	}
	if current != termEnd {
		e.observe(d, "stale")
		return d, fmt.Errorf("%w: %d -> %d", ErrStaleComparisonInput, termEnd, current)
	}

	var receipt settlement.Receipt
	switch outcome {
	case OutcomeSeized:
		receipt, err = e.actor.SeizeCollateral(ctx, d.AgreementID)
	default:
		receipt, err = e.actor.ReturnCollateral(ctx, d.AgreementID)
	}
	if err != nil {
		e.observe(d, "failed")
		return d, err
	}

	d.State = StateResolved
	d.Outcome = outcome
	d.Receipt = &receipt
	e.observe(d, string(outcome))
	e.logger.Info("collateral disposed",
		zap.String("agreement_id", d.AgreementID.Hex()),
		zap.String("outcome", string(outcome)),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber))
	return d, nil
}

// Resolve runs Decide until it returns without error, restarting from the
// first read after each failure.
func (e *Engine) Resolve(ctx context.Context, agreementID common.Hash) (Decision, error) {
	var out Decision
	err := chain.WithRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func(ctx context.Context) error {
		d, err := e.Decide(ctx, agreementID)
		if err != nil {
			e.logger.Warn("disposition attempt failed",
				zap.String("agreement_id", agreementID.Hex()),
				zap.Error(err))
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return Decision{AgreementID: agreementID}, fmt.Errorf("resolve %s: %w", agreementID.Hex(), err)
	}
	return out, nil
}

func (e *Engine) observe(d Decision, outcome string) {
	e.metrics.ObserveDisposition(string(d.State), outcome)
}
