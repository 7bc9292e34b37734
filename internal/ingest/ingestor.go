// Package ingest normalizes settlement layer logs into ledger events and
// persists each real-world occurrence exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loanLedger/internal/chain"
	"loanLedger/internal/metrics"
	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

// Subscription is one (contract, event) pair to ingest.
type Subscription struct {
	Contract common.Address
	Event    string
}

func (s Subscription) String() string {
	return strings.ToLower(s.Contract.Hex()) + ":" + s.Event
}

// StateName is the checkpoint name of the subscription.
func (s Subscription) StateName() string {
	return "ingest:" + s.String()
}

// DefaultSubscriptions lists every ledger event of the given contracts.
func DefaultSubscriptions(kernel, router, collateralizer common.Address, escrows []common.Address) []Subscription {
	subs := []Subscription{
		{kernel, model.EventDebtOrderFilled},
		{router, model.EventRepayment},
		{collateralizer, model.EventCollateralLocked},
		{collateralizer, model.EventCollateralReturned},
		{collateralizer, model.EventCollateralSeized},
	}
	for _, escrow := range escrows {
		subs = append(subs,
			Subscription{escrow, model.EventDeposited},
			Subscription{escrow, model.EventWithdrawn},
		)
	}
	out := subs[:0]
	for _, s := range subs {
		if s.Contract != (common.Address{}) {
			out = append(out, s)
		}
	}
	return out
}

// Outcome is the result of handling one log.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// BlockClock resolves block timestamps.
type BlockClock interface {
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Streamer produces batches for a subscription starting at a block.
type Streamer interface {
	Stream(ctx context.Context, sub Subscription, from uint64) (<-chan Batch, <-chan error)
}

// Config holds ingestor settings.
type Config struct {
	FromBlock    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Ingestor writes decoded events to the ledger store.
type Ingestor struct {
	cfg     Config
	decoder *Decoder
	writer  storage.EventWriter
	state   storage.StateStore
	clock   BlockClock
	archive *storage.JSONLArchive
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewIngestor builds an Ingestor. state and archive may be nil.
func NewIngestor(cfg Config, decoder *Decoder, writer storage.EventWriter, state storage.StateStore, clock BlockClock, archive *storage.JSONLArchive, logger *zap.Logger, m *metrics.Metrics) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		cfg:     cfg,
		decoder: decoder,
		writer:  writer,
		state:   state,
		clock:   clock,
		archive: archive,
		logger:  logger,
		metrics: m,
	}
}

// Handle decodes and persists one log. A log whose key was already persisted
// is absorbed as OutcomeDuplicate; removed and unknown logs are skipped.
func (i *Ingestor) Handle(ctx context.Context, log types.Log) (Outcome, model.Event, error) {
	fields := []zap.Field{
		zap.Uint64("block", log.BlockNumber),
		zap.String("block_hash", log.BlockHash.Hex()),
		zap.Uint("log_index", log.Index),
	}
	if log.Removed {
		i.logger.Warn("skip removed log", fields...)
		i.metrics.ObserveEvent("removed", string(OutcomeSkipped))
		return OutcomeSkipped, nil, nil
	}

	ts, err := i.blockTime(ctx, log.BlockNumber)
	if err != nil {
		return "", nil, fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
	}

	event, err := i.decoder.Decode(log, ts)
	if err != nil {
		i.logger.Warn("skip undecodable log", append(fields, zap.Error(err))...)
		i.metrics.ObserveEvent("unknown", string(OutcomeSkipped))
		return OutcomeSkipped, nil, nil
	}
	name := event.Meta().Event

	if err := i.writer.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			i.logger.Debug("duplicate event absorbed", append(fields, zap.String("event", name))...)
			i.metrics.ObserveEvent(name, string(OutcomeDuplicate))
			return OutcomeDuplicate, event, nil
		}
		return "", nil, fmt.Errorf("insert %s: %w", name, err)
	}
	i.metrics.ObserveEvent(name, string(OutcomeInserted))
	return OutcomeInserted, event, nil
}

// Consume handles batches until the channel closes, saving the subscription
// checkpoint after every fully persisted batch.
func (i *Ingestor) Consume(ctx context.Context, sub Subscription, batches <-chan Batch) error {
	logger := i.logger.With(zap.String("subscription", sub.String()))
	checkpoint, _, err := i.loadCheckpoint(ctx, sub)
	if err != nil {
		return err
	}

	for batch := range batches {
		inserted := make([]model.Event, 0, len(batch.Logs))
		duplicates := 0
		for _, log := range batch.Logs {
			outcome, event, err := i.Handle(ctx, log)
			if err != nil {
				return err
			}
			switch outcome {
			case OutcomeInserted:
				inserted = append(inserted, event)
			case OutcomeDuplicate:
				duplicates++
			}
		}

		if err := i.archive.Append(inserted); err != nil {
			return fmt.Errorf("archive: %w", err)
		}

		if batch.Through > checkpoint && i.state != nil {
			if err := i.state.SaveState(ctx, sub.StateName(), batch.Through); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			checkpoint = batch.Through
			i.metrics.SetCheckpoint(sub.String(), checkpoint)
		}

		if len(batch.Logs) > 0 {
			logger.Info("batch persisted",
				zap.Int("logs", len(batch.Logs)),
				zap.Int("inserted", len(inserted)),
				zap.Int("duplicates", duplicates),
				zap.Uint64("through", batch.Through))
		}
	}
	return nil
}

// Run ingests every subscription concurrently until ctx ends or one fails.
func (i *Ingestor) Run(ctx context.Context, source Streamer, subs []Subscription) error {
	if len(subs) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			from := i.cfg.FromBlock
			last, ok, err := i.loadCheckpoint(gctx, sub)
			if err != nil {
				return err
			}
			if ok && last+1 > from {
				from = last + 1
				i.logger.Info("resume from checkpoint", zap.String("subscription", sub.String()), zap.Uint64("from", from))
			}

			batches, errc := source.Stream(gctx, sub, from)
			if err := i.Consume(gctx, sub, batches); err != nil {
				return fmt.Errorf("%s: %w", sub, err)
			}
			if err := <-errc; err != nil {
				return fmt.Errorf("%s: %w", sub, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (i *Ingestor) loadCheckpoint(ctx context.Context, sub Subscription) (uint64, bool, error) {
	if i.state == nil {
		return 0, false, nil
	}
	block, ok, err := i.state.LoadState(ctx, sub.StateName())
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", sub, err)
	}
	return block, ok, nil
}

func (i *Ingestor) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	var ts uint64
	err := chain.WithRetry(ctx, i.cfg.MaxRetries, i.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = i.clock.BlockTimestamp(ctx, number)
		if err != nil {
			i.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", number))
		}
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}
