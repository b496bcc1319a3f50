package charging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CollectorConfig tunes the stale-allocation collector.
type CollectorConfig struct {
	// AllocationTimeout is how long an untouched reservation survives.
	AllocationTimeout time.Duration
	// TransactionRetention is how long idempotency rows are kept.
	TransactionRetention time.Duration
	// MaxDeleteRows caps the rows removed per table per pass.
	MaxDeleteRows int64
	// IdleDelay is the pause before the next pass after a quiet one.
	IdleDelay time.Duration
	// CatchUpDelay is the pause after a pass that removed more than
	// BusyThreshold rows.
	CatchUpDelay time.Duration
	BusyThreshold int64
}

// DefaultCollectorConfig mirrors the production purge cadence.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		AllocationTimeout:    15 * time.Minute,
		TransactionRetention: 5 * time.Hour,
		MaxDeleteRows:        500,
		IdleDelay:            20 * time.Second,
		CatchUpDelay:         10 * time.Millisecond,
		BusyThreshold:        50,
	}
}

// Collector prunes abandoned reservations and aged idempotency rows in
// bounded passes, scheduling itself more aggressively while it finds
// work.
type Collector struct {
	store  Store
	nowFn  func() int64
	config CollectorConfig
	logger *zap.Logger
}

// NewCollector wires a Collector.
func NewCollector(store Store, now func() int64, config CollectorConfig, logger *zap.Logger) (*Collector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidCollectorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCollectorConfig)
	}
	if config.AllocationTimeout <= 0 || config.TransactionRetention <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidCollectorConfig)
	}
	if config.MaxDeleteRows <= 0 {
		return nil, fmt.Errorf("%w: max delete rows must be positive", ErrInvalidCollectorConfig)
	}
	if config.IdleDelay <= 0 || config.CatchUpDelay <= 0 {
		return nil, fmt.Errorf("%w: delays must be positive", ErrInvalidCollectorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:  store,
		nowFn:  now,
		config: config,
		logger: logger,
	}, nil
}

// CollectOnce runs a single bounded pass and returns the number of rows
// removed. Each table loses at most MaxDeleteRows rows, oldest first.
func (collector *Collector) CollectOnce(ctx context.Context) (int64, error) {
	var removed int64
	operationError := collector.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixMilli := collector.nowFn()
		allocationCutoff := nowUnixMilli - collector.config.AllocationTimeout.Milliseconds()
		staleAllocations, err := transactionStore.DeleteAllocationsBefore(ctx, allocationCutoff, collector.config.MaxDeleteRows)
		if err != nil {
			return err
		}
		transactionCutoff := nowUnixMilli - collector.config.TransactionRetention.Milliseconds()
		oldTransactions, err := transactionStore.DeleteTransactionsBefore(ctx, transactionCutoff, collector.config.MaxDeleteRows)
		if err != nil {
			return err
		}
		removed = staleAllocations + oldTransactions
		return nil
	})
	return removed, operationError
}

// NextDelay picks the pause before the following pass: a busy pass
// switches the collector into catch-up mode.
func (collector *Collector) NextDelay(removed int64) time.Duration {
	if removed > collector.config.BusyThreshold {
		return collector.config.CatchUpDelay
	}
	return collector.config.IdleDelay
}

// Run loops CollectOnce until the context is cancelled. Pass failures
// are logged and retried on the idle cadence rather than aborting the
// loop.
func (collector *Collector) Run(ctx context.Context) error {
	delay := collector.config.CatchUpDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		removed, err := collector.CollectOnce(ctx)
		if err != nil {
			collector.logger.Warn("stale allocation pass failed", zap.Error(err))
			delay = collector.config.IdleDelay
		} else {
			delay = collector.NextDelay(removed)
			collector.logger.Info("stale allocation pass finished",
				zap.Int64("rows_removed", removed),
				zap.Duration("next_delay", delay))
		}
		timer.Reset(delay)
	}
}
