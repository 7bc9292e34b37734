package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event names as emitted by the settlement layer.
const (
	EventDebtOrderFilled    = "LogDebtOrderFilled"
	EventRepayment          = "LogRepayment"
	EventCollateralLocked   = "CollateralLocked"
	EventCollateralReturned = "CollateralReturned"
	EventCollateralSeized   = "CollateralSeized"
	EventDeposited          = "Deposited"
	EventWithdrawn          = "Withdrawn"
)

// Event is one persisted settlement-layer occurrence with its typed payload.
// The concrete types are Deposit, Withdrawal, Repayment, CollateralLocked,
// CollateralReturned, CollateralSeized and AgreementCreated.
type Event interface {
	Meta() EventRecord
	isEvent()
}

// Deposit is a depositor funding an escrow.
type Deposit struct {
	Record    EventRecord    `json:"record"`
	Depositor common.Address `json:"depositor"`
	Escrow    common.Address `json:"escrow_contract"`
	Amount    *big.Int       `json:"amount"`
}

// Withdrawal is a depositor pulling funds out of an escrow.
type Withdrawal struct {
	Record     EventRecord    `json:"record"`
	Withdrawer common.Address `json:"withdrawer"`
	Escrow     common.Address `json:"escrow_contract"`
	Amount     *big.Int       `json:"amount"`
}

// Repayment is a payment by the debtor routed to the agreement beneficiary.
type Repayment struct {
	Record      EventRecord    `json:"record"`
	AgreementID common.Hash    `json:"agreement_id"`
	Payer       common.Address `json:"payer"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      *big.Int       `json:"repaid_value"`
	Token       common.Address `json:"token_address"`
}

// Collateral is the payload shared by all collateral state changes.
type Collateral struct {
	Record      EventRecord     `json:"record"`
	AgreementID common.Hash     `json:"agreement_id"`
	Guarantor   common.Address  `json:"guarantor"`
	Beneficiary common.Address  `json:"beneficiary"`
	Token       common.Address  `json:"token"`
	Amount      *big.Int        `json:"amount"`
	State       CollateralState `json:"collateral_state"`
}

// CollateralLocked records collateral moved into custody at fill time.
type CollateralLocked struct{ Collateral }

// CollateralReturned records collateral released back to the guarantor.
type CollateralReturned struct{ Collateral }

// CollateralSeized records collateral transferred to the beneficiary.
type CollateralSeized struct{ Collateral }

// AgreementCreated is a filled debt order: the agreement plus its order and terms.
type AgreementCreated struct {
	Record          EventRecord    `json:"record"`
	AgreementID     common.Hash    `json:"agreement_id"`
	Lender          common.Address `json:"lender"`
	Borrower        common.Address `json:"borrower"`
	PrincipalAmount *big.Int       `json:"principal_amount"`
	PrincipalToken  common.Address `json:"principal_token"`
	Underwriter     common.Address `json:"underwriter"`
	UnderwriterFee  *big.Int       `json:"underwriter_fee"`
	Relayer         common.Address `json:"relayer"`
	RelayerFee      *big.Int       `json:"relayer_fee"`
	DebtorFee       *big.Int       `json:"debtor_fee"`
	CreditorFee     *big.Int       `json:"creditor_fee"`
	TermsContract   common.Address `json:"terms_contract"`
	TermsParameters common.Hash    `json:"terms_parameters"`
	Terms           Terms          `json:"terms"`
}

// Terms is the decoded view of the terms parameter blob kept in debt_terms.
type Terms struct {
	PrincipalTokenIndex  uint8    `json:"principal_token_index"`
	PrincipalAmount      *big.Int `json:"principal_amount"`
	InterestRate         uint32   `json:"interest_rate"`
	AmortizationUnitType uint8    `json:"amortization_unit_type"`
	TermLength           uint16   `json:"term_length_in_amortization_units"`
	CollateralTokenIndex uint8    `json:"collateral_token_index"`
	CollateralAmount     *big.Int `json:"collateral_amount"`
	GracePeriodInDays    uint8    `json:"grace_period_in_days"`
}

func (e Deposit) Meta() EventRecord          { return e.Record }
func (e Withdrawal) Meta() EventRecord       { return e.Record }
func (e Repayment) Meta() EventRecord        { return e.Record }
func (e Collateral) Meta() EventRecord       { return e.Record }
func (e AgreementCreated) Meta() EventRecord { return e.Record }

func (Deposit) isEvent()            {}
func (Withdrawal) isEvent()         {}
func (Repayment) isEvent()          {}
func (CollateralLocked) isEvent()   {}
func (CollateralReturned) isEvent() {}
func (CollateralSeized) isEvent()   {}
func (AgreementCreated) isEvent()   {}
