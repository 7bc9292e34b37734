// Package ledger derives per-account ledgers from persisted settlement events.
// Entries are recomputed on every read and never stored.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

// Projector turns persisted events into ledger entries.
type Projector struct {
	reader storage.LedgerReader
	logger *zap.Logger
}

func NewProjector(reader storage.LedgerReader, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{reader: reader, logger: logger}
}

// Project reads the events of q and folds them into entries with a running
// balance that starts at opening.
func (p *Projector) Project(ctx context.Context, q storage.LedgerQuery, opening *big.Int) ([]model.LedgerEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	events, err := p.reader.LedgerEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read ledger events: %w", err)
	}
	entries, err := Fold(q, events, opening)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("ledger projected",
		zap.String("role", string(q.Role)),
		zap.String("account", q.Account.Hex()),
		zap.Int("events", len(events)),
		zap.Int("entries", len(entries)))
	return entries, nil
}

// Fold is the pure projection: it sorts events into ledger order, keeps those
// that belong to q and accumulates the balance.
func Fold(q storage.LedgerQuery, events []model.Event, opening *big.Int) ([]model.LedgerEntry, error) {
	sorted := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if q.Matches(ev) {
			sorted = append(sorted, ev)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Meta().Before(sorted[j].Meta())
	})

	balance := new(big.Int)
	if opening != nil {
		balance.Set(opening)
	}

	entries := make([]model.LedgerEntry, 0, len(sorted))
	for _, ev := range sorted {
		mv, err := movementFor(q.Role, ev)
		if err != nil {
			return nil, err
		}
		balance.Add(balance, mv.in)
		balance.Sub(balance, mv.out)

		rec := ev.Meta()
		entry := model.LedgerEntry{
			Date:        rec.Timestamp,
			Description: mv.description,
			Deposited:   mv.in,
			Withdrawn:   mv.out,
			Balance:     new(big.Int).Set(balance),
			TxHash:      rec.TxHash,
		}
		if id, ok := storage.AgreementOf(ev); ok {
			entry.AgreementID = &id
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type movement struct {
	description string
	in          *big.Int
	out         *big.Int
}

func credit(description string, amount *big.Int) movement {
	return movement{description: description, in: copyAmount(amount), out: new(big.Int)}
}

func debit(description string, amount *big.Int) movement {
	return movement{description: description, in: new(big.Int), out: copyAmount(amount)}
}

func movementFor(role model.Role, event model.Event) (movement, error) {
	switch e := event.(type) {
	case model.Deposit:
		if role == model.RoleDepositor {
			return credit("deposit to escrow "+short(e.Escrow), e.Amount), nil
		}
		return credit("deposit from "+short(e.Depositor), e.Amount), nil

	case model.Withdrawal:
		if role == model.RoleDepositor {
			return debit("withdrawal from escrow "+short(e.Escrow), e.Amount), nil
		}
		return debit("withdrawal by "+short(e.Withdrawer), e.Amount), nil

	case model.AgreementCreated:
		if role == model.RoleBorrower {
			received := new(big.Int).Sub(copyAmount(e.PrincipalAmount), copyAmount(e.DebtorFee))
			return credit("received loan "+shortHash(e.AgreementID), received), nil
		}
		lent := new(big.Int).Add(copyAmount(e.PrincipalAmount), copyAmount(e.CreditorFee))
		return debit("funded loan "+shortHash(e.AgreementID), lent), nil

	case model.Repayment:
		if role == model.RoleBorrower {
			return debit("repayment of "+shortHash(e.AgreementID), e.Amount), nil
		}
		return credit("repayment of "+shortHash(e.AgreementID), e.Amount), nil

	case model.CollateralLocked:
		return debit("collateral locked for "+shortHash(e.AgreementID), e.Amount), nil

	case model.CollateralReturned:
		return credit("collateral returned for "+shortHash(e.AgreementID), e.Amount), nil

	case model.CollateralSeized:
		return credit("collateral seized for "+shortHash(e.AgreementID), e.Amount), nil
	}
	return movement{}, fmt.Errorf("unsupported event type %T", event)
}

func copyAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func short(a common.Address) string {
	h := a.Hex()
	return h[:10]
}

func shortHash(h common.Hash) string {
	return h.Hex()[:10]
}
