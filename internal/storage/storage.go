// Package storage defines the ledger store contracts shared by the ingestor,
// the ledger projector and the disposition watcher.
package storage

import (
	"context"
	"errors"

	"loanLedger/internal/model"
)

// ErrDuplicateEvent is returned by InsertEvent when the (block_hash, log_index)
// key was already persisted. Nothing is written in that case.
var ErrDuplicateEvent = errors.New("duplicate event")

// EventWriter persists one event atomically.
type EventWriter interface {
	InsertEvent(ctx context.Context, event model.Event) error
}

// LedgerReader returns the persisted events selected by a query, in ledger order.
type LedgerReader interface {
	LedgerEvents(ctx context.Context, q LedgerQuery) ([]model.Event, error)
}

// AgreementLister returns every known agreement.
type AgreementLister interface {
	Agreements(ctx context.Context) ([]model.AgreementCreated, error)
}

// StateStore persists named checkpoints.
type StateStore interface {
	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, block uint64) error
}

// Store is a complete ledger store.
type Store interface {
	EventWriter
	LedgerReader
	AgreementLister
	StateStore
	Close()
}
