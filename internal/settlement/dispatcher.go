// Package settlement submits orders and lifecycle calls to the settlement layer
// and waits for their inclusion.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"loanLedger/internal/contracts"
	"loanLedger/internal/metrics"
	"loanLedger/internal/order"
	"loanLedger/internal/signing"
)

// Operation names used in errors, logs and metrics.
const (
	OpFill             = "fill"
	OpCancelIssuance   = "cancel_issuance"
	OpCancelOrder      = "cancel_order"
	OpRepay            = "repay"
	OpReturnCollateral = "return_collateral"
	OpSeizeCollateral  = "seize_collateral"
	OpAuthorize        = "authorize"
)

// Backend is the subset of the chain client the dispatcher uses.
type Backend interface {
	bind.DeployBackend
	ethereum.ContractCaller
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Contracts are the settlement layer addresses.
type Contracts struct {
	DebtKernel         common.Address
	DebtRegistry       common.Address
	DebtToken          common.Address
	RepaymentRouter    common.Address
	TokenTransferProxy common.Address
	Collateralizer     common.Address
	TermsContract      common.Address
}

// Options tune transaction submission.
type Options struct {
	InclusionTimeout time.Duration
	Confirmations    uint64
	PollInterval     time.Duration
	// GasHeadroomPercent is added on top of the estimate.
	GasHeadroomPercent uint64
}

// Receipt is the inclusion proof of a settlement transaction.
type Receipt struct {
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`
	GasUsed     uint64      `json:"gas_used"`
}

// Dispatcher sends settlement transactions from one sender account.
type Dispatcher struct {
	backend   Backend
	contracts Contracts
	from      common.Address
	signTx    signing.TxSigner
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher builds a dispatcher. signTx may be nil for read-only use.
func NewDispatcher(backend Backend, addrs Contracts, from common.Address, signTx signing.TxSigner, opts Options, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InclusionTimeout <= 0 {
		opts.InclusionTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		backend:   backend,
		contracts: addrs,
		from:      from,
		signTx:    signTx,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

// Contracts returns the configured addresses.
func (d *Dispatcher) Contracts() Contracts {
	return d.contracts
}

// Submit fills o. Delegated creditors are routed through the creditor contract.
func (d *Dispatcher) Submit(ctx context.Context, o *order.Order) (Receipt, error) {
	if o == nil {
		return Receipt{}, &Error{Op: OpFill, Err: fmt.Errorf("order is nil")}
	}
	if err := o.Verify(); err != nil {
		d.metrics.ObserveSettlement(OpFill, "stale")
		return Receipt{}, &Error{Op: OpFill, Kind: ErrStaleOrder, Err: err}
	}

	kernel, err := contracts.DebtKernelABI()
	if err != nil {
		return Receipt{}, &Error{Op: OpFill, Err: err}
	}
	data, err := kernel.Pack("fillDebtOrder", o.Creditor(), o.Addresses(), o.Values(), o.Blobs(), o.SigV(), o.SigR(), o.SigS())
	if err != nil {
		return Receipt{}, &Error{Op: OpFill, Err: fmt.Errorf("pack: %w", err)}
	}

	to := d.contracts.DebtKernel
	if o.CreditorDelegated() {
		to = o.Creditor()
	}
	return d.transact(ctx, OpFill, to, data, zap.String("agreement", o.AgreementID().Hex()))
}

// CancelIssuance cancels the issuance the order values would create. It must
// be sent by the debtor or the underwriter.
func (d *Dispatcher) CancelIssuance(ctx context.Context, p order.Params) (Receipt, error) {
	values := p.Values()
	return d.call(ctx, OpCancelIssuance, d.contracts.DebtKernel, contracts.DebtKernelABI, "cancelIssuance",
		p.Version, p.Debtor, p.TermsContract, [32]byte(p.TermsParameters), p.Underwriter, values[0], values[1])
}

// CancelOrder cancels the debt order with the given values. It must be sent by
// the debtor.
func (d *Dispatcher) CancelOrder(ctx context.Context, p order.Params) (Receipt, error) {
	return d.call(ctx, OpCancelOrder, d.contracts.DebtKernel, contracts.DebtKernelABI, "cancelDebtOrder",
		p.Addresses(), p.Values(), p.Blobs())
}

// Repay pays amount of token towards an agreement.
func (d *Dispatcher) Repay(ctx context.Context, agreementID common.Hash, amount *big.Int, token common.Address) (Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, &Error{Op: OpRepay, Err: fmt.Errorf("amount must be positive")}
	}
	return d.call(ctx, OpRepay, d.contracts.RepaymentRouter, contracts.RepaymentRouterABI, "repay",
		[32]byte(agreementID), amount, token)
}

// ReturnCollateral releases collateral back to its collateralizer.
func (d *Dispatcher) ReturnCollateral(ctx context.Context, agreementID common.Hash) (Receipt, error) {
	return d.call(ctx, OpReturnCollateral, d.contracts.Collateralizer, contracts.CollateralizerABI, "returnCollateral", [32]byte(agreementID))
}

// SeizeCollateral transfers collateral to the beneficiary.
func (d *Dispatcher) SeizeCollateral(ctx context.Context, agreementID common.Hash) (Receipt, error) {
	return d.call(ctx, OpSeizeCollateral, d.contracts.Collateralizer, contracts.CollateralizerABI, "seizeCollateral", [32]byte(agreementID))
}

// PollReceipt checks once whether txHash has been mined.
func (d *Dispatcher) PollReceipt(ctx context.Context, txHash common.Hash) (Receipt, bool, error) {
	receipt, err := d.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return Receipt{}, true, &Error{Op: "poll", Kind: ErrRevertedByValidityCheck, TxHash: txHash}
	}
	return toReceipt(receipt), true, nil
}

func (d *Dispatcher) call(ctx context.Context, op string, to common.Address, abiFn func() (abi.ABI, error), method string, args ...interface{}) (Receipt, error) {
	parsed, err := abiFn()
	if err != nil {
		return Receipt{}, &Error{Op: op, Err: err}
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return Receipt{}, &Error{Op: op, Err: fmt.Errorf("pack %s: %w", method, err)}
	}
	return d.transact(ctx, op, to, data)
}

func (d *Dispatcher) transact(ctx context.Context, op string, to common.Address, data []byte, fields ...zap.Field) (Receipt, error) {
	receipt, err := d.send(ctx, op, to, data, fields...)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRevertedByValidityCheck):
		result = "reverted"
	case errors.Is(err, ErrInclusionTimeout):
		result = "timeout"
	case errors.Is(err, ErrKeyUnavailable):
		result = "key_unavailable"
	default:
		result = "error"
	}
	d.metrics.ObserveSettlement(op, result)
	return receipt, err
}

func (d *Dispatcher) send(ctx context.Context, op string, to common.Address, data []byte, fields ...zap.Field) (Receipt, error) {
	if to == (common.Address{}) {
		return Receipt{}, &Error{Op: op, Err: fmt.Errorf("contract address not configured")}
	}
	if d.signTx == nil {
		return Receipt{}, &Error{Op: op, Kind: ErrKeyUnavailable, Err: fmt.Errorf("no transaction signer")}
	}
	logger := d.logger.With(append(fields, zap.String("op", op), zap.String("to", to.Hex()))...)

	msg := ethereum.CallMsg{From: d.from, To: &to, Data: data}
	gas, err := d.backend.EstimateGas(ctx, msg)
	if err != nil {
		logger.Warn("settlement call rejected", zap.Error(err))
		return Receipt{}, &Error{Op: op, Kind: ErrRevertedByValidityCheck, Err: err}
	}
	gas += gas * d.opts.GasHeadroomPercent / 100

	nonce, err := d.backend.PendingNonceAt(ctx, d.from)
	if err != nil {
		return Receipt{}, &Error{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := d.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, &Error{Op: op, Err: fmt.Errorf("gas price: %w", err)}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := d.signTx(d.from, tx)
	if err != nil {
		return Receipt{}, &Error{Op: op, Kind: ErrKeyUnavailable, Err: err}
	}
	if err := d.backend.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, &Error{Op: op, TxHash: signed.Hash(), Err: fmt.Errorf("send: %w", err)}
	}

	logger = logger.With(zap.String("tx", signed.Hash().Hex()), zap.Uint64("nonce", nonce))
	logger.Info("settlement transaction sent", zap.Uint64("gas", gas))

	sent := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, d.opts.InclusionTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, d.backend, signed)
	if err == nil {
		err = d.waitConfirmations(waitCtx, receipt)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn("settlement transaction not included in time", zap.Duration("timeout", d.opts.InclusionTimeout))
			return Receipt{}, &Error{Op: op, Kind: ErrInclusionTimeout, TxHash: signed.Hash()}
		}
		return Receipt{}, &Error{Op: op, TxHash: signed.Hash(), Err: err}
	}
	d.metrics.ObserveInclusion(time.Since(sent))

	if receipt.Status == types.ReceiptStatusFailed {
		logger.Warn("settlement transaction reverted", zap.Uint64("block", receipt.BlockNumber.Uint64()))
		return Receipt{}, &Error{Op: op, Kind: ErrRevertedByValidityCheck, TxHash: signed.Hash()}
	}

	out := toReceipt(receipt)
	logger.Info("settlement transaction included", zap.Uint64("block", out.BlockNumber), zap.Uint64("gas_used", out.GasUsed))
	return out, nil
}

func (d *Dispatcher) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if d.opts.Confirmations == 0 || receipt.BlockNumber == nil {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + d.opts.Confirmations
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		head, err := d.backend.HeaderByNumber(ctx, nil)
		if err == nil && head.Number.Uint64() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt) Receipt {
	out := Receipt{TxHash: r.TxHash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
