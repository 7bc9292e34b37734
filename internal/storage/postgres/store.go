package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

//go:embed schema.sql
var schema string

// Store provides Postgres persistence for ledger events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertEvent writes the event_block row and the event's detail rows in one
// transaction. A key that already exists yields storage.ErrDuplicateEvent and
// leaves every table untouched.
func (s *Store) InsertEvent(ctx context.Context, event model.Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	rec := event.Meta()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO event_block (
			invoked_by, block_hash, block_number, event, log_index, transaction_hash, transaction_index, block_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (block_hash, log_index) DO NOTHING
	`,
		addr(rec.InvokedBy),
		hash(rec.BlockHash),
		int64(rec.BlockNumber),
		rec.Event,
		int64(rec.LogIndex),
		hash(rec.TxHash),
		int64(rec.TxIndex),
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event_block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateEvent
	}

	batch := &pgx.Batch{}
	switch e := event.(type) {
	case model.Deposit:
		batch.Queue(`
			INSERT INTO deposit_details (depositor, amount, date, escrow_contract, block_hash, log_index)
			VALUES ($1, $2::numeric, $3, $4, $5, $6)
			ON CONFLICT (block_hash, log_index) DO NOTHING
		`, addr(e.Depositor), num(e.Amount), rec.Timestamp.UTC(), addr(e.Escrow), hash(rec.BlockHash), int64(rec.LogIndex))
	case model.Withdrawal:
		batch.Queue(`
			INSERT INTO withdrawal_details (withdrawer, amount, date, escrow_contract, block_hash, log_index)
			VALUES ($1, $2::numeric, $3, $4, $5, $6)
			ON CONFLICT (block_hash, log_index) DO NOTHING
		`, addr(e.Withdrawer), num(e.Amount), rec.Timestamp.UTC(), addr(e.Escrow), hash(rec.BlockHash), int64(rec.LogIndex))
	case model.Repayment:
		batch.Queue(`
			INSERT INTO repayment_details (payer, beneficiary, repaid_value, token_address, agreement_id, block_hash, log_index, repayment_date)
			VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
			ON CONFLICT (block_hash, log_index) DO NOTHING
		`, addr(e.Payer), addr(e.Beneficiary), num(e.Amount), addr(e.Token), hash(e.AgreementID), hash(rec.BlockHash), int64(rec.LogIndex), rec.Timestamp.UTC())
	case model.CollateralLocked:
		queueCollateral(batch, e.Collateral)
	case model.CollateralReturned:
		queueCollateral(batch, e.Collateral)
	case model.CollateralSeized:
		queueCollateral(batch, e.Collateral)
	case model.AgreementCreated:
		queueAgreement(batch, e)
	default:
		return fmt.Errorf("unsupported event type %T", event)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert %s details: %w", rec.Event, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

func queueCollateral(batch *pgx.Batch, c model.Collateral) {
	batch.Queue(`
		INSERT INTO collateral_details (agreement_id, guarantor, beneficiary, token, amount, date, collateral_state, block_hash, log_index)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (block_hash, log_index) DO NOTHING
	`,
		hash(c.AgreementID),
		addr(c.Guarantor),
		addr(c.Beneficiary),
		addr(c.Token),
		num(c.Amount),
		c.Record.Timestamp.UTC(),
		int16(c.State),
		hash(c.Record.BlockHash),
		int64(c.Record.LogIndex),
	)
}

func queueAgreement(batch *pgx.Batch, e model.AgreementCreated) {
	rec := e.Record
	batch.Queue(`
		INSERT INTO agreements (agreement_id, lender, borrower, date_created, block_hash, log_index)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block_hash, log_index) DO NOTHING
	`, hash(e.AgreementID), addr(e.Lender), addr(e.Borrower), rec.Timestamp.UTC(), hash(rec.BlockHash), int64(rec.LogIndex))
	batch.Queue(`
		INSERT INTO debt_order (
			principal_amount, principal_token, underwriter, underwriter_fee, relayer, relayer_fee,
			debtor_fee, creditor_fee, terms_contract, terms_contract_parameters, agreement_id, block_hash, log_index
		) VALUES ($1::numeric, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
		ON CONFLICT (block_hash, log_index) DO NOTHING
	`,
		num(e.PrincipalAmount),
		addr(e.PrincipalToken),
		addr(e.Underwriter),
		num(e.UnderwriterFee),
		addr(e.Relayer),
		num(e.RelayerFee),
		num(e.DebtorFee),
		num(e.CreditorFee),
		addr(e.TermsContract),
		hash(e.TermsParameters),
		hash(e.AgreementID),
		hash(rec.BlockHash),
		int64(rec.LogIndex),
	)
	t := e.Terms
	batch.Queue(`
		INSERT INTO debt_terms (
			principal_token, principal_token_index, principal_amount, interest_rate, amortization_unit_type,
			term_length_in_amortization_units, collateral_token_index, collateral_amount, grace_period_in_days,
			agreement_id, block_hash, log_index
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12)
		ON CONFLICT (block_hash, log_index) DO NOTHING
	`,
		addr(e.PrincipalToken),
		int16(t.PrincipalTokenIndex),
		num(t.PrincipalAmount),
		int64(t.InterestRate),
		int16(t.AmortizationUnitType),
		int32(t.TermLength),
		int16(t.CollateralTokenIndex),
		num(t.CollateralAmount),
		int16(t.GracePeriodInDays),
		hash(e.AgreementID),
		hash(rec.BlockHash),
		int64(rec.LogIndex),
	)
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM indexer_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}

func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func hash(h common.Hash) string {
	return strings.ToLower(h.Hex())
}
