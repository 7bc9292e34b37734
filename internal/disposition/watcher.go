package disposition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"loanLedger/internal/storage"
)

// Watcher periodically resolves the agreements known to the ledger store.
type Watcher struct {
	engine   *Engine
	lister   storage.AgreementLister
	interval time.Duration
	logger   *zap.Logger
	resolved map[common.Hash]Outcome
}

func NewWatcher(engine *Engine, lister storage.AgreementLister, interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		engine:   engine,
		lister:   lister,
		interval: interval,
		logger:   logger,
		resolved: make(map[common.Hash]Outcome),
	}
}

// Sweep makes one pass over all unresolved agreements. A failure on one
// agreement does not stop the others.
func (w *Watcher) Sweep(ctx context.Context) ([]Decision, error) {
	agreements, err := w.lister.Agreements(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}

	decisions := make([]Decision, 0, len(agreements))
	var errs []error
	for _, a := range agreements {
		if _, done := w.resolved[a.AgreementID]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return decisions, err
		}
		d, err := w.engine.Decide(ctx, a.AgreementID)
		if err != nil {
			errs = append(errs, err)
			w.logger.Warn("disposition failed",
				zap.String("agreement_id", a.AgreementID.Hex()),
				zap.Error(err))
			continue
		}
		if d.State == StateResolved {
			w.resolved[a.AgreementID] = d.Outcome
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled. Failed agreements are
// picked up again on the next sweep.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		decisions, err := w.Sweep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Warn("sweep finished with errors", zap.Error(err))
		}
		w.logger.Info("disposition sweep", zap.Int("decided", len(decisions)), zap.Int("resolved_total", len(w.resolved)))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
