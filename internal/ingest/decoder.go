package ingest

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanLedger/internal/contracts"
	"loanLedger/internal/model"
	"loanLedger/internal/order"
)

// ErrUnknownEvent is returned for logs whose topic0 is not a ledger event.
var ErrUnknownEvent = errors.New("unknown event")

// Decoder turns settlement layer logs into ledger events.
type Decoder struct {
	byTopic map[common.Hash]abi.Event
	byName  map[string]abi.Event
}

// NewDecoder loads the event ABIs of the kernel, repayment router,
// collateralizer and escrow contracts.
func NewDecoder() (*Decoder, error) {
	d := &Decoder{
		byTopic: make(map[common.Hash]abi.Event),
		byName:  make(map[string]abi.Event),
	}
	sources := []struct {
		load   func() (abi.ABI, error)
		events []string
	}{
		{contracts.DebtKernelABI, []string{model.EventDebtOrderFilled}},
		{contracts.RepaymentRouterABI, []string{model.EventRepayment}},
		{contracts.CollateralizerABI, []string{model.EventCollateralLocked, model.EventCollateralReturned, model.EventCollateralSeized}},
		{contracts.EscrowABI, []string{model.EventDeposited, model.EventWithdrawn}},
	}
	for _, src := range sources {
		parsed, err := src.load()
		if err != nil {
			return nil, fmt.Errorf("parse abi: %w", err)
		}
		for _, name := range src.events {
			ev, ok := parsed.Events[name]
			if !ok {
				return nil, fmt.Errorf("event %s missing from abi", name)
			}
			d.byTopic[ev.ID] = ev
			d.byName[name] = ev
		}
	}
	return d, nil
}

// Topic returns the topic0 of a ledger event.
func (d *Decoder) Topic(name string) (common.Hash, bool) {
	ev, ok := d.byName[name]
	return ev.ID, ok
}

// Decode converts log into a ledger event stamped with the block time.
func (d *Decoder) Decode(log types.Log, blockTime time.Time) (model.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics", ErrUnknownEvent)
	}
	ev, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	fields, err := unpackLog(ev, log)
	if err != nil {
		return nil, err
	}
	rec := model.EventRecord{
		InvokedBy:   log.Address,
		BlockHash:   log.BlockHash,
		BlockNumber: log.BlockNumber,
		Event:       ev.Name,
		LogIndex:    uint64(log.Index),
		TxHash:      log.TxHash,
		TxIndex:     uint64(log.TxIndex),
		Timestamp:   blockTime.UTC(),
	}

	var out model.Event
	switch ev.Name {
	case model.EventDeposited:
		out = model.Deposit{
			Record:    rec,
			Depositor: fields.address("depositor"),
			Escrow:    log.Address,
			Amount:    fields.bigInt("amount"),
		}
	case model.EventWithdrawn:
		out = model.Withdrawal{
			Record:     rec,
			Withdrawer: fields.address("withdrawer"),
			Escrow:     log.Address,
			Amount:     fields.bigInt("amount"),
		}
	case model.EventRepayment:
		out = model.Repayment{
			Record:      rec,
			AgreementID: fields.hash("agreementId"),
			Payer:       fields.address("payer"),
			Beneficiary: fields.address("beneficiary"),
			Amount:      fields.bigInt("amount"),
			Token:       fields.address("token"),
		}
	case model.EventCollateralLocked:
		c := fields.collateral(rec, model.CollateralStateLocked)
		c.Guarantor = fields.address("collateralizer")
		out = model.CollateralLocked{Collateral: c}
	case model.EventCollateralReturned:
		c := fields.collateral(rec, model.CollateralStateReturned)
		c.Guarantor = fields.address("collateralizer")
		out = model.CollateralReturned{Collateral: c}
	case model.EventCollateralSeized:
		c := fields.collateral(rec, model.CollateralStateSeized)
		c.Beneficiary = fields.address("beneficiary")
		out = model.CollateralSeized{Collateral: c}
	case model.EventDebtOrderFilled:
		params := fields.hash("termsContractParameters")
		out = model.AgreementCreated{
			Record:          rec,
			AgreementID:     fields.hash("agreementId"),
			Lender:          fields.address("creditor"),
			Borrower:        fields.address("debtor"),
			PrincipalAmount: fields.bigInt("principal"),
			PrincipalToken:  fields.address("principalToken"),
			Underwriter:     fields.address("underwriter"),
			UnderwriterFee:  fields.bigInt("underwriterFee"),
			Relayer:         fields.address("relayer"),
			RelayerFee:      fields.bigInt("relayerFee"),
			DebtorFee:       fields.bigInt("debtorFee"),
			CreditorFee:     fields.bigInt("creditorFee"),
			TermsContract:   fields.address("termsContract"),
			TermsParameters: params,
			Terms:           order.UnpackTerms(params),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if fields.err != nil {
		return nil, fields.err
	}
	return out, nil
}

func unpackLog(ev abi.Event, log types.Log) (*logFields, error) {
	values := make(map[string]interface{})
	indexed := indexedArguments(ev.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("%s: expected %d topics, got %d", ev.Name, len(indexed)+1, len(log.Topics))
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%s: parse topics: %w", ev.Name, err)
	}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, fmt.Errorf("%s: unpack data: %w", ev.Name, err)
	}
	return &logFields{event: ev.Name, values: values}, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

// logFields reads typed values out of a decoded log, keeping the first error.
type logFields struct {
	event  string
	values map[string]interface{}
	err    error
}

func (f *logFields) fail(name string, value interface{}) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: field %s has type %T", f.event, name, value)
	}
}

func (f *logFields) address(name string) common.Address {
	v, ok := f.values[name].(common.Address)
	if !ok {
		f.fail(name, f.values[name])
	}
	return v
}

func (f *logFields) hash(name string) common.Hash {
	v, ok := f.values[name].([32]byte)
	if !ok {
		f.fail(name, f.values[name])
	}
	return common.Hash(v)
}

func (f *logFields) bigInt(name string) *big.Int {
	v, ok := f.values[name].(*big.Int)
	if !ok {
		f.fail(name, f.values[name])
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (f *logFields) collateral(rec model.EventRecord, state model.CollateralState) model.Collateral {
	return model.Collateral{
		Record:      rec,
		AgreementID: f.hash("agreementId"),
		Token:       f.address("token"),
		Amount:      f.bigInt("amount"),
		State:       state,
	}
}
