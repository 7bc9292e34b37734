package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"loanLedger/internal/contracts"
	"loanLedger/internal/model"
)

// CollateralDetails is the collateralizer's view of one agreement.
type CollateralDetails struct {
	Collateralizer common.Address
	Amount         *big.Int
	State          model.CollateralState
}

// ExpectedRepaymentValue returns the amount due by timestamp ts.
func (d *Dispatcher) ExpectedRepaymentValue(ctx context.Context, agreementID common.Hash, ts uint64) (*big.Int, error) {
	values, err := d.read(ctx, d.contracts.TermsContract, contracts.TermsContractABI, "getExpectedRepaymentValue",
		[32]byte(agreementID), new(big.Int).SetUint64(ts))
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// ValueRepaidToDate returns the amount repaid so far.
func (d *Dispatcher) ValueRepaidToDate(ctx context.Context, agreementID common.Hash) (*big.Int, error) {
	values, err := d.read(ctx, d.contracts.TermsContract, contracts.TermsContractABI, "getValueRepaidToDate", [32]byte(agreementID))
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// TermEndTimestamp returns the unix time the agreement term ends.
func (d *Dispatcher) TermEndTimestamp(ctx context.Context, agreementID common.Hash) (uint64, error) {
	values, err := d.read(ctx, d.contracts.TermsContract, contracts.TermsContractABI, "getTermEndTimestamp", [32]byte(agreementID))
	if err != nil {
		return 0, err
	}
	v, err := asBigInt(values[0])
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("term end %s out of range", v)
	}
	return v.Uint64(), nil
}

// TermsParameters returns the packed terms blob registered for the agreement.
func (d *Dispatcher) TermsParameters(ctx context.Context, agreementID common.Hash) (common.Hash, error) {
	values, err := d.read(ctx, d.contracts.DebtRegistry, contracts.DebtRegistryABI, "getTermsContractParameters", [32]byte(agreementID))
	if err != nil {
		return common.Hash{}, err
	}
	raw, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unsupported bytes32 type %T", values[0])
	}
	return common.Hash(raw), nil
}

// CollateralDetails returns the collateralizer, amount and state of an agreement.
func (d *Dispatcher) CollateralDetails(ctx context.Context, agreementID common.Hash) (CollateralDetails, error) {
	values, err := d.read(ctx, d.contracts.Collateralizer, contracts.CollateralizerABI, "getCollateralDetails", [32]byte(agreementID))
	if err != nil {
		return CollateralDetails{}, err
	}
	if len(values) != 3 {
		return CollateralDetails{}, fmt.Errorf("collateral details: %d values", len(values))
	}
	collateralizer, err := asAddress(values[0])
	if err != nil {
		return CollateralDetails{}, err
	}
	amount, err := asBigInt(values[1])
	if err != nil {
		return CollateralDetails{}, err
	}
	state, ok := values[2].(uint8)
	if !ok {
		return CollateralDetails{}, fmt.Errorf("unsupported state type %T", values[2])
	}
	return CollateralDetails{Collateralizer: collateralizer, Amount: amount, State: model.CollateralState(state)}, nil
}

// LatestTimestamp returns the timestamp of the chain head.
func (d *Dispatcher) LatestTimestamp(ctx context.Context) (uint64, error) {
	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	return head.Time, nil
}

func (d *Dispatcher) read(ctx context.Context, to common.Address, abiFn func() (abi.ABI, error), method string, args ...interface{}) ([]interface{}, error) {
	if to == (common.Address{}) {
		return nil, fmt.Errorf("%s: contract address not configured", method)
	}
	parsed, err := abiFn()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := d.backend.CallContract(ctx, ethereum.CallMsg{From: d.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: no values", method)
	}
	return values, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
