package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func uniqueHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", label, time.Now().UnixNano())))
}

func TestInsertAndReadLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	escrow := common.BytesToAddress(uniqueHash("escrow").Bytes())
	borrower := common.BytesToAddress(uniqueHash("borrower").Bytes())
	agreementID := uniqueHash("agreement")
	ts := time.Unix(1_700_000_000, 0).UTC()

	deposit := model.Deposit{
		Record:    model.EventRecord{BlockHash: uniqueHash("b1"), BlockNumber: 1, Event: model.EventDeposited, Timestamp: ts},
		Depositor: common.HexToAddress("0x01"),
		Escrow:    escrow,
		Amount:    big.NewInt(2500),
	}
	created := model.AgreementCreated{
		Record:          model.EventRecord{BlockHash: uniqueHash("b2"), BlockNumber: 2, Event: model.EventDebtOrderFilled, LogIndex: 4, Timestamp: ts.Add(time.Minute)},
		AgreementID:     agreementID,
		Lender:          escrow,
		Borrower:        borrower,
		PrincipalAmount: big.NewInt(1000),
		UnderwriterFee:  big.NewInt(0),
		RelayerFee:      big.NewInt(0),
		DebtorFee:       big.NewInt(10),
		CreditorFee:     big.NewInt(5),
		Terms: model.Terms{
			PrincipalAmount:  big.NewInt(1000),
			InterestRate:     100_000,
			TermLength:       100,
			CollateralAmount: big.NewInt(500),
		},
	}

	for _, ev := range []model.Event{deposit, created} {
		if err := store.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert %T: %v", ev, err)
		}
	}
	if err := store.InsertEvent(ctx, created); !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	events, err := store.LedgerEvents(ctx, storage.LedgerQuery{Role: model.RoleLender, Account: escrow})
	if err != nil {
		t.Fatalf("ledger events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	got, ok := events[1].(model.AgreementCreated)
	if !ok {
		t.Fatalf("events[1] = %T", events[1])
	}
	if got.CreditorFee.Int64() != 5 || got.Terms.CollateralAmount.Int64() != 500 || got.Borrower != borrower {
		t.Fatalf("agreement = %+v", got)
	}

	filtered, err := store.LedgerEvents(ctx, storage.LedgerQuery{Role: model.RoleBorrower, Account: borrower, AgreementID: &agreementID})
	if err != nil {
		t.Fatalf("borrower ledger: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("borrower events = %d, want 1", len(filtered))
	}
}

func TestState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	name := "test:" + uniqueHash("state").Hex()

	if _, ok, err := store.LoadState(ctx, name); err != nil || ok {
		t.Fatalf("load missing: ok=%v err=%v", ok, err)
	}
	if err := store.SaveState(ctx, name, 10); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveState(ctx, name, 12); err != nil {
		t.Fatalf("save: %v", err)
	}
	block, ok, err := store.LoadState(ctx, name)
	if err != nil || !ok || block != 12 {
		t.Fatalf("load = %d ok=%v err=%v", block, ok, err)
	}
}
