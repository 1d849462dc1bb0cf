package db

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// HistoryPruner periodically removes terminal transaction records older than
// the retention period.
type HistoryPruner struct {
	db              *DB
	transactions    *TransactionStore
	clock           clock.Clock
	logger          zerolog.Logger
	stopCh          chan struct{}
	stopOnce        sync.Once
	pruneInterval   time.Duration
	retentionPeriod time.Duration
}

// NewHistoryPruner creates a new history pruner
func NewHistoryPruner(
	database *DB,
	retention time.Duration,
	interval time.Duration,
	clk clock.Clock,
	logger zerolog.Logger,
) *HistoryPruner {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &HistoryPruner{
		db:              database,
		transactions:    NewTransactionStore(database),
		clock:           clk,
		pruneInterval:   interval,
		retentionPeriod: retention,
		logger:          logger.With().Str("component", "history_pruner").Logger(),
		stopCh:          make(chan struct{}),
	}
}

// Start prunes once and then on every interval until ctx ends or Stop is
// called.
func (p *HistoryPruner) Start(ctx context.Context) {
	p.logger.Info().
		Dur("prune_interval", p.pruneInterval).
		Dur("retention_period", p.retentionPeriod).
		Msg("starting history pruner")

	if _, err := p.Prune(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to perform initial prune")
	}
	if p.pruneInterval <= 0 {
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("context cancelled, stopping history pruner")
				return
			case <-p.stopCh:
				p.logger.Info().Msg("stop signal received, stopping history pruner")
				return
			case <-p.clock.TickAfter(p.pruneInterval):
				if _, err := p.Prune(ctx); err != nil {
					p.logger.Error().Err(err).Msg("failed to perform scheduled prune")
				}
			}
		}
	}()
}

// Stop gracefully stops the pruner.
func (p *HistoryPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Prune deletes terminal records last updated before now - retention.
func (p *HistoryPruner) Prune(ctx context.Context) (int64, error) {
	start := p.clock.Now()
	cutoff := start.Add(-p.retentionPeriod)

	deleted, err := p.transactions.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		p.logger.Info().
			Int64("deleted_count", deleted).
			Time("cutoff", cutoff).
			Msg("transaction history pruned")
		if err := p.db.Checkpoint(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
		}
	} else {
		p.logger.Debug().Time("cutoff", cutoff).Msg("history prune completed - nothing to delete")
	}
	return deleted, nil
}
