package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"loanLedger/internal/chain"
)

// Batch is a group of logs for one subscription. Through is the highest block
// whose logs are all contained in this or earlier batches.
type Batch struct {
	Logs    []types.Log
	Through uint64
}

// LogClient is the chain access a ChainSource needs.
type LogClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

// SourceConfig tunes backfill and follow behavior.
type SourceConfig struct {
	// ToBlock stops the stream once reached. Zero follows the chain head.
	ToBlock       uint64
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
	// Subscribe wakes the follow loop on live logs instead of waiting for
	// the next poll. Fetching still goes through confirmed block ranges.
	Subscribe    bool
	MaxRetries   int
	RetryBackoff time.Duration
}

// ChainSource streams the logs of one subscription: a FilterLogs backfill from
// the checkpoint, then polling or a live subscription.
type ChainSource struct {
	client LogClient
	topics func(event string) (common.Hash, bool)
	cfg    SourceConfig
	logger *zap.Logger
}

func NewChainSource(client LogClient, decoder *Decoder, cfg SourceConfig, logger *zap.Logger) *ChainSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &ChainSource{client: client, topics: decoder.Topic, cfg: cfg, logger: logger}
}

// Stream starts producing batches from block from. The batch channel is
// unbuffered so a slow consumer holds the producer back. Both channels are
// closed when the stream ends; errc carries at most one error.
func (s *ChainSource) Stream(ctx context.Context, sub Subscription, from uint64) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if err := s.run(ctx, sub, from, out); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	return out, errc
}

func (s *ChainSource) run(ctx context.Context, sub Subscription, next uint64, out chan<- Batch) error {
	topic, ok := s.topics(sub.Event)
	if !ok {
		return fmt.Errorf("unknown event %q", sub.Event)
	}
	f := &rangeFetcher{
		source:    s,
		addresses: []common.Address{sub.Contract},
		topic0:    []common.Hash{topic},
		logger:    s.logger.With(zap.String("subscription", sub.String())),
		out:       out,
		next:      next,
	}

	for {
		if err := f.catchUp(ctx); err != nil {
			return err
		}
		if f.done() {
			f.logger.Info("reached end block", zap.Uint64("to", s.cfg.ToBlock))
			return nil
		}

		if s.cfg.Subscribe {
			err := s.follow(ctx, f)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil && f.done() {
				f.logger.Info("reached end block", zap.Uint64("to", s.cfg.ToBlock))
				return nil
			}
			f.logger.Warn("log subscription ended, falling back to backfill", zap.Error(err))
			continue
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// follow uses a live subscription to learn about new blocks quickly. Live logs
// are never forwarded directly: each one, and each poll tick, triggers a range
// fetch up to the confirmed head, so every batch boundary is a fetched block.
func (s *ChainSource) follow(ctx context.Context, f *rangeFetcher) error {
	ch := make(chan types.Log)
	subscription, err := s.client.SubscribeLogs(ctx, f.addresses, f.topic0, ch)
	if err != nil {
		return err
	}
	defer subscription.Unsubscribe()

	// Blocks mined between the last fetch and the subscription starting.
	if err := f.catchUp(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if f.done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-subscription.Err():
			return err
		case log := <-ch:
			f.logger.Debug("live log", zap.Uint64("block", log.BlockNumber), zap.Bool("removed", log.Removed))
		case <-ticker.C:
		}
		if err := f.catchUp(ctx); err != nil {
			return err
		}
	}
}

// rangeFetcher tracks the next unfetched block of one subscription.
type rangeFetcher struct {
	source    *ChainSource
	addresses []common.Address
	topic0    []common.Hash
	logger    *zap.Logger
	out       chan<- Batch
	next      uint64
}

func (f *rangeFetcher) done() bool {
	to := f.source.cfg.ToBlock
	return to > 0 && f.next > to
}

// catchUp fetches [next, safe head] in BatchSize ranges and advances next past
// each range once its batch is delivered.
func (f *rangeFetcher) catchUp(ctx context.Context) error {
	s := f.source
	head, err := s.safeHead(ctx)
	if err != nil {
		return err
	}
	if s.cfg.ToBlock > 0 && head > s.cfg.ToBlock {
		head = s.cfg.ToBlock
	}
	if f.next > head {
		return nil
	}

	ranges, err := SplitRange(f.next, head, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		var logs []types.Log
		err := chain.WithRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			logs, err = s.client.FilterLogs(ctx, r.From, r.To, f.addresses, f.topic0)
			if err != nil {
				f.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", r.From), zap.Uint64("to", r.To))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", r.From, r.To, err)
		}
		f.logger.Debug("fetched logs", zap.Int("logs", len(logs)), zap.Uint64("from", r.From), zap.Uint64("to", r.To))
		if err := send(ctx, f.out, Batch{Logs: logs, Through: r.To}); err != nil {
			return err
		}
		f.next = r.To + 1
	}
	return nil
}

func (s *ChainSource) safeHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := chain.WithRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = s.client.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if head < s.cfg.Confirmations {
		return 0, nil
	}
	return head - s.cfg.Confirmations, nil
}

func send(ctx context.Context, out chan<- Batch, b Batch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- b:
		return nil
	}
}
