// Package withdrawals moves funds across the bridge on behalf of alpha:
// deposit notices become DepositCommit quanta and persisted withdrawals
// are handed to the bridge.
package withdrawals

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"constellation/bridge"
	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/status"
	"constellation/infra/metrics"
)

// Node is the alpha surface the worker needs.
type Node interface {
	Withdrawals(ctx context.Context) ([]*ledger.Withdrawal, error)
	LastPersisted() uint64
	SubmitAlpha(ctx context.Context, r quantum.Request) (*quantum.Quantum, error)
}

type Config struct {
	Interval time.Duration

	// MaxAttempts failed submissions release the withdrawal with a
	// WithdrawalCleanup.
	MaxAttempts int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

type Worker struct {
	cfg     Config
	node    Node
	bridge  bridge.Bridge
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	notices []bridge.DepositNotice

	// touched only by step
	submitted map[uint64]struct{}
	attempts  map[uint64]int
}

func New(cfg Config, n Node, b bridge.Bridge, logger *zap.Logger, m *metrics.Metrics) *Worker {
	cfg.defaults()
	w := &Worker{
		cfg:       cfg,
		node:      n,
		bridge:    b,
		logger:    logger.Named("withdrawals"),
		metrics:   m,
		submitted: make(map[uint64]struct{}),
		attempts:  make(map[uint64]int),
	}
	b.OnDeposit(w.enqueue)
	return w
}

func (w *Worker) enqueue(n bridge.DepositNotice) {
	w.mu.Lock()
	w.notices = append(w.notices, n)
	w.mu.Unlock()
}

// Run steps the worker every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("started")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.step(ctx)
		}
	}
}

func (w *Worker) step(ctx context.Context) {
	w.commitNotices(ctx)
	if err := w.submitWithdrawals(ctx); err != nil {
		w.logger.Warn("withdrawal scan failed", zap.Error(err))
	}
}

// -------------------- Deposits --------------------

// commitNotices submits notices in arrival order. A notice the ledger
// rejects is dropped, any other failure keeps it at the head.
func (w *Worker) commitNotices(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.notices) == 0 {
			w.mu.Unlock()
			return
		}
		n := w.notices[0]
		w.mu.Unlock()

		q, err := w.node.SubmitAlpha(ctx, n.Commit())
		switch {
		case err == nil:
			w.logger.Debug("deposit notice committed", zap.String("cursor", n.Cursor), zap.Uint64("apex", q.Apex))
		case status.Of(err) == status.BadRequest:
			w.logger.Warn("deposit notice rejected", zap.String("cursor", n.Cursor), zap.Error(err))
		default:
			w.logger.Debug("deposit notice deferred", zap.String("cursor", n.Cursor), zap.Error(err))
			return
		}
		w.mu.Lock()
		w.notices = w.notices[1:]
		w.mu.Unlock()
	}
}

// Pending is the number of notices not yet committed.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.notices)
}

// -------------------- Withdrawals --------------------

func (w *Worker) submitWithdrawals(ctx context.Context) error {
	open, err := w.node.Withdrawals(ctx)
	if err != nil {
		return err
	}
	persisted := w.node.LastPersisted()

	live := make(map[uint64]struct{}, len(open))
	for _, wd := range open {
		live[wd.ID] = struct{}{}
		if wd.ID > persisted {
			continue
		}
		if _, ok := w.submitted[wd.ID]; ok {
			continue
		}
		w.submit(ctx, wd)
	}
	for id := range w.submitted {
		if _, ok := live[id]; !ok {
			delete(w.submitted, id)
		}
	}
	for id := range w.attempts {
		if _, ok := live[id]; !ok {
			delete(w.attempts, id)
		}
	}
	return nil
}

func (w *Worker) submit(ctx context.Context, wd *ledger.Withdrawal) {
	err := w.transfer(ctx, wd)
	if err == nil || errors.Is(err, bridge.ErrAlreadySubmitted) {
		w.submitted[wd.ID] = struct{}{}
		delete(w.attempts, wd.ID)
		w.metrics.Withdrawal("submitted")
		w.logger.Info("withdrawal submitted", zap.Uint64("id", wd.ID), zap.String("asset", wd.Asset), zap.Int64("amount", wd.Amount))
		return
	}

	w.attempts[wd.ID]++
	if w.attempts[wd.ID] < w.cfg.MaxAttempts {
		w.metrics.Withdrawal("retry")
		w.logger.Warn("withdrawal submit failed", zap.Uint64("id", wd.ID), zap.Int("attempt", w.attempts[wd.ID]), zap.Error(err))
		return
	}
	if _, err := w.node.SubmitAlpha(ctx, &quantum.WithdrawalCleanup{WithdrawalID: wd.ID}); err != nil {
		w.logger.Warn("withdrawal cleanup failed", zap.Uint64("id", wd.ID), zap.Error(err))
		return
	}
	// the id leaves the open list once the cleanup quantum is applied
	w.submitted[wd.ID] = struct{}{}
	w.metrics.Withdrawal("cleanup")
	w.logger.Warn("withdrawal released", zap.Uint64("id", wd.ID), zap.Int("attempts", w.attempts[wd.ID]))
}

func (w *Worker) transfer(ctx context.Context, wd *ledger.Withdrawal) error {
	tx, err := w.bridge.BuildTransaction(ctx, wd)
	if err != nil {
		return errors.Wrap(err, "build")
	}
	if tx, err = w.bridge.SignTransaction(ctx, tx); err != nil {
		return errors.Wrap(err, "sign")
	}
	return errors.Wrap(w.bridge.SubmitTransaction(ctx, tx), "submit")
}
