package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"loanLedger/internal/model"
)

// LedgerQuery selects the events that make up one account's ledger.
type LedgerQuery struct {
	Role        model.Role
	Account     common.Address
	AgreementID *common.Hash
}

func (q LedgerQuery) Validate() error {
	switch q.Role {
	case model.RoleLender, model.RoleBorrower, model.RoleDepositor:
	default:
		return fmt.Errorf("unknown role: %q", string(q.Role))
	}
	if q.Account == (common.Address{}) {
		return fmt.Errorf("account is required")
	}
	return nil
}

// Matches reports whether event belongs to the ledger q selects.
//
// Lender ledgers are kept for the escrow that funds loans: its deposits and
// withdrawals, the agreements it funded, repayments and seized collateral it
// received. Borrower ledgers hold the agreements the account took out,
// repayments it made and collateral it locked or got back. Depositor ledgers
// hold the account's own escrow deposits and withdrawals.
func (q LedgerQuery) Matches(event model.Event) bool {
	if q.AgreementID != nil {
		id, ok := AgreementOf(event)
		if !ok || id != *q.AgreementID {
			return false
		}
	}

	switch q.Role {
	case model.RoleLender:
		switch e := event.(type) {
		case model.Deposit:
			return e.Escrow == q.Account
		case model.Withdrawal:
			return e.Escrow == q.Account
		case model.AgreementCreated:
			return e.Lender == q.Account
		case model.Repayment:
			return e.Beneficiary == q.Account
		case model.CollateralSeized:
			return e.Beneficiary == q.Account
		}
	case model.RoleBorrower:
		switch e := event.(type) {
		case model.AgreementCreated:
			return e.Borrower == q.Account
		case model.Repayment:
			return e.Payer == q.Account
		case model.CollateralLocked:
			return e.Guarantor == q.Account
		case model.CollateralReturned:
			return e.Guarantor == q.Account
		}
	case model.RoleDepositor:
		switch e := event.(type) {
		case model.Deposit:
			return e.Depositor == q.Account
		case model.Withdrawal:
			return e.Withdrawer == q.Account
		}
	}
	return false
}

// AgreementOf returns the agreement an event refers to, if any.
func AgreementOf(event model.Event) (common.Hash, bool) {
	switch e := event.(type) {
	case model.AgreementCreated:
		return e.AgreementID, true
	case model.Repayment:
		return e.AgreementID, true
	case model.CollateralLocked:
		return e.AgreementID, true
	case model.CollateralReturned:
		return e.AgreementID, true
	case model.CollateralSeized:
		return e.AgreementID, true
	default:
		return common.Hash{}, false
	}
}
