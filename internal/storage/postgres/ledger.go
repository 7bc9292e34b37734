package postgres

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

const eventColumns = `e.invoked_by, e.block_hash, e.block_number, e.event, e.log_index, e.transaction_hash, e.transaction_index, e.block_time`

const ledgerOrder = ` ORDER BY e.block_time, e.block_number, e.transaction_index, e.log_index`

type eventKind int

const (
	kindDeposit eventKind = iota
	kindWithdrawal
	kindAgreement
	kindRepayment
	kindCollateral
)

type roleSelect struct {
	kind  eventKind
	where string
}

// roleSelects is the per-role membership of each detail table. It mirrors
// storage.LedgerQuery.Matches.
var roleSelects = map[model.Role][]roleSelect{
	model.RoleLender: {
		{kindDeposit, "d.escrow_contract = $1"},
		{kindWithdrawal, "d.escrow_contract = $1"},
		{kindAgreement, "a.lender = $1"},
		{kindRepayment, "d.beneficiary = $1"},
		{kindCollateral, "d.beneficiary = $1 AND e.event = '" + model.EventCollateralSeized + "'"},
	},
	model.RoleBorrower: {
		{kindAgreement, "a.borrower = $1"},
		{kindRepayment, "d.payer = $1"},
		{kindCollateral, "d.guarantor = $1 AND e.event IN ('" + model.EventCollateralLocked + "', '" + model.EventCollateralReturned + "')"},
	},
	model.RoleDepositor: {
		{kindDeposit, "d.depositor = $1"},
		{kindWithdrawal, "d.withdrawer = $1"},
	},
}

// LedgerEvents returns the events of one account's ledger in ledger order.
func (s *Store) LedgerEvents(ctx context.Context, q storage.LedgerQuery) ([]model.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	out := make([]model.Event, 0)
	for _, sel := range roleSelects[q.Role] {
		args := []interface{}{addr(q.Account)}
		where := sel.where
		if q.AgreementID != nil {
			if sel.kind == kindDeposit || sel.kind == kindWithdrawal {
				continue
			}
			args = append(args, hash(*q.AgreementID))
			if sel.kind == kindAgreement {
				where += " AND a.agreement_id = $2"
			} else {
				where += " AND d.agreement_id = $2"
			}
		}

		events, err := s.selectEvents(ctx, sel.kind, where, args...)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if q.Matches(ev) {
				out = append(out, ev)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().Before(out[j].Meta())
	})
	return out, nil
}

// Agreements returns every persisted agreement.
func (s *Store) Agreements(ctx context.Context) ([]model.AgreementCreated, error) {
	events, err := s.selectEvents(ctx, kindAgreement, "TRUE")
	if err != nil {
		return nil, err
	}
	out := make([]model.AgreementCreated, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.(model.AgreementCreated))
	}
	return out, nil
}

func (s *Store) selectEvents(ctx context.Context, kind eventKind, where string, args ...interface{}) ([]model.Event, error) {
	var query string
	switch kind {
	case kindDeposit:
		query = `SELECT ` + eventColumns + `, d.depositor, d.escrow_contract, d.amount::text
			FROM deposit_details d JOIN event_block e USING (block_hash, log_index)`
	case kindWithdrawal:
		query = `SELECT ` + eventColumns + `, d.withdrawer, d.escrow_contract, d.amount::text
			FROM withdrawal_details d JOIN event_block e USING (block_hash, log_index)`
	case kindRepayment:
		query = `SELECT ` + eventColumns + `, d.agreement_id, d.payer, d.beneficiary, d.repaid_value::text, d.token_address
			FROM repayment_details d JOIN event_block e USING (block_hash, log_index)`
	case kindCollateral:
		query = `SELECT ` + eventColumns + `, d.agreement_id, d.guarantor, d.beneficiary, d.token, d.amount::text, d.collateral_state
			FROM collateral_details d JOIN event_block e USING (block_hash, log_index)`
	case kindAgreement:
		query = `SELECT ` + eventColumns + `, a.agreement_id, a.lender, a.borrower,
				o.principal_amount::text, o.principal_token, o.underwriter, o.underwriter_fee::text,
				o.relayer, o.relayer_fee::text, o.debtor_fee::text, o.creditor_fee::text,
				o.terms_contract, o.terms_contract_parameters,
				t.principal_token_index, t.principal_amount::text, t.interest_rate, t.amortization_unit_type,
				t.term_length_in_amortization_units, t.collateral_token_index, t.collateral_amount::text,
				t.grace_period_in_days
			FROM agreements a
			JOIN event_block e USING (block_hash, log_index)
			JOIN debt_order o USING (block_hash, log_index)
			JOIN debt_terms t USING (block_hash, log_index)`
	default:
		return nil, fmt.Errorf("unknown event kind %d", kind)
	}
	query += ` WHERE ` + where + ledgerOrder

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger events: %w", err)
	}
	return out, nil
}

type rawRecord struct {
	invokedBy, blockHash, event, txHash string
	blockNumber, logIndex, txIndex      int64
	blockTime                           time.Time
}

func (r *rawRecord) dest() []interface{} {
	return []interface{}{&r.invokedBy, &r.blockHash, &r.blockNumber, &r.event, &r.logIndex, &r.txHash, &r.txIndex, &r.blockTime}
}

func (r *rawRecord) record() model.EventRecord {
	return model.EventRecord{
		InvokedBy:   common.HexToAddress(r.invokedBy),
		BlockHash:   common.HexToHash(r.blockHash),
		BlockNumber: uint64(r.blockNumber),
		Event:       r.event,
		LogIndex:    uint64(r.logIndex),
		TxHash:      common.HexToHash(r.txHash),
		TxIndex:     uint64(r.txIndex),
		Timestamp:   r.blockTime.UTC(),
	}
}

func scanEvent(kind eventKind, rows pgx.Rows) (model.Event, error) {
	var rec rawRecord
	switch kind {
	case kindDeposit, kindWithdrawal:
		var account, escrow, amount string
		if err := rows.Scan(append(rec.dest(), &account, &escrow, &amount)...); err != nil {
			return nil, fmt.Errorf("scan escrow event: %w", err)
		}
		value, err := parseNum(amount)
		if err != nil {
			return nil, err
		}
		if kind == kindDeposit {
			return model.Deposit{Record: rec.record(), Depositor: common.HexToAddress(account), Escrow: common.HexToAddress(escrow), Amount: value}, nil
		}
		return model.Withdrawal{Record: rec.record(), Withdrawer: common.HexToAddress(account), Escrow: common.HexToAddress(escrow), Amount: value}, nil

	case kindRepayment:
		var id, payer, beneficiary, amount, token string
		if err := rows.Scan(append(rec.dest(), &id, &payer, &beneficiary, &amount, &token)...); err != nil {
			return nil, fmt.Errorf("scan repayment: %w", err)
		}
		value, err := parseNum(amount)
		if err != nil {
			return nil, err
		}
		return model.Repayment{
			Record:      rec.record(),
			AgreementID: common.HexToHash(id),
			Payer:       common.HexToAddress(payer),
			Beneficiary: common.HexToAddress(beneficiary),
			Amount:      value,
			Token:       common.HexToAddress(token),
		}, nil

	case kindCollateral:
		var id, guarantor, beneficiary, token, amount string
		var state int16
		if err := rows.Scan(append(rec.dest(), &id, &guarantor, &beneficiary, &token, &amount, &state)...); err != nil {
			return nil, fmt.Errorf("scan collateral: %w", err)
		}
		value, err := parseNum(amount)
		if err != nil {
			return nil, err
		}
		c := model.Collateral{
			Record:      rec.record(),
			AgreementID: common.HexToHash(id),
			Guarantor:   common.HexToAddress(guarantor),
			Beneficiary: common.HexToAddress(beneficiary),
			Token:       common.HexToAddress(token),
			Amount:      value,
			State:       model.CollateralState(state),
		}
		switch rec.event {
		case model.EventCollateralLocked:
			return model.CollateralLocked{Collateral: c}, nil
		case model.EventCollateralReturned:
			return model.CollateralReturned{Collateral: c}, nil
		case model.EventCollateralSeized:
			return model.CollateralSeized{Collateral: c}, nil
		default:
			return nil, fmt.Errorf("unknown collateral event %q", rec.event)
		}

	case kindAgreement:
		var (
			id, lender, borrower                                  string
			principal, principalToken, underwriter, underwriterFee string
			relayer, relayerFee, debtorFee, creditorFee           string
			termsContract, termsParams                            string
			termsPrincipal, collateralAmount                      string
			principalIndex, unit, collateralIndex, grace          int16
			rate                                                  int64
			termLength                                            int32
		)
		dest := append(rec.dest(),
			&id, &lender, &borrower,
			&principal, &principalToken, &underwriter, &underwriterFee,
			&relayer, &relayerFee, &debtorFee, &creditorFee,
			&termsContract, &termsParams,
			&principalIndex, &termsPrincipal, &rate, &unit,
			&termLength, &collateralIndex, &collateralAmount,
			&grace,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		amounts, err := parseNums(principal, underwriterFee, relayerFee, debtorFee, creditorFee, termsPrincipal, collateralAmount)
		if err != nil {
			return nil, err
		}
		return model.AgreementCreated{
			Record:          rec.record(),
			AgreementID:     common.HexToHash(id),
			Lender:          common.HexToAddress(lender),
			Borrower:        common.HexToAddress(borrower),
			PrincipalAmount: amounts[0],
			PrincipalToken:  common.HexToAddress(principalToken),
			Underwriter:     common.HexToAddress(underwriter),
			UnderwriterFee:  amounts[1],
			Relayer:         common.HexToAddress(relayer),
			RelayerFee:      amounts[2],
			DebtorFee:       amounts[3],
			CreditorFee:     amounts[4],
			TermsContract:   common.HexToAddress(termsContract),
			TermsParameters: common.HexToHash(termsParams),
			Terms: model.Terms{
				PrincipalTokenIndex:  uint8(principalIndex),
				PrincipalAmount:      amounts[5],
				InterestRate:         uint32(rate),
				AmortizationUnitType: uint8(unit),
				TermLength:           uint16(termLength),
				CollateralTokenIndex: uint8(collateralIndex),
				CollateralAmount:     amounts[6],
				GracePeriodInDays:    uint8(grace),
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown event kind %d", kind)
}

func num(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNum(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func parseNums(values ...string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, s := range values {
		v, err := parseNum(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
