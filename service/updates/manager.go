// Package updates batches applied quanta and persists them once final.
package updates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/infra/metrics"
	"constellation/infra/storage"
)

var (
	ErrOutOfOrder = errors.New("updates: quantum does not follow the last added apex")
	ErrFailed     = errors.New("updates: manager failed")
)

type Config struct {
	MaxQuanta int
	MaxAge    time.Duration
	Tick      time.Duration

	// Outbox queues a confirmation record for every persisted quantum.
	Outbox bool
}

func DefaultConfig() Config {
	return Config{
		MaxQuanta: 50_000,
		MaxAge:    5 * time.Second,
		Tick:      300 * time.Millisecond,
	}
}

// Store is the durable side of the manager.
type Store interface {
	Commit(u *storage.Update) error
	PutPending(models []*quantum.PersistentModel) error
}

// Saved describes one flushed batch.
type Saved struct {
	FirstApex uint64
	LastApex  uint64
	Count     int
	Elapsed   time.Duration
}

type item struct {
	model   *quantum.PersistentModel
	changes Changes
	final   bool
}

type batch struct {
	created time.Time
	items   []*item
}

func (b *batch) ready() bool {
	for _, it := range b.items {
		if !it.final {
			return false
		}
	}
	return true
}

// update merges the batch into one write-ahead unit. Later snapshots of
// the same account replace earlier ones.
func (b *batch) update(outbox bool) *storage.Update {
	u := &storage.Update{Outbox: outbox}
	accounts := make(map[uint64]*ledger.Account)
	for _, it := range b.items {
		u.Quanta = append(u.Quanta, it.model)
		for _, a := range it.changes.Accounts {
			accounts[a.ID] = a
		}
		u.Withdrawals = append(u.Withdrawals, it.changes.Withdrawals...)
		u.Removed = append(u.Removed, it.changes.Removed...)
		if it.changes.Settings != nil {
			u.Settings = append(u.Settings, it.changes.Settings)
		}
		if it.changes.Cursor != nil {
			u.Cursor = it.changes.Cursor
		}
	}
	for _, a := range accounts {
		u.Accounts = append(u.Accounts, a)
	}
	sort.Slice(u.Accounts, func(i, j int) bool { return u.Accounts[i].ID < u.Accounts[j].ID })
	return u
}

/*
Manager owns the pending batch and the queue of closed batches awaiting
signatures.

Batches close when they hit MaxQuanta or MaxAge. Flush writes closed
batches strictly from the head of the queue and only when every quantum in
the head batch is final, so the persisted log is always a contiguous prefix.
A failed write is fatal: the manager stops accepting quanta and reports to
the failure observers.
*/
type Manager struct {
	cfg     Config
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	current       *batch
	awaiting      []*batch
	index         map[uint64]*item
	lastAdded     uint64
	lastPersisted uint64
	err           error

	flushMu  sync.Mutex
	onSaved  []func(Saved)
	onFailed []func(error)
}

func NewManager(cfg Config, store Store, logger *zap.Logger, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.MaxQuanta <= 0 {
		cfg.MaxQuanta = def.MaxQuanta
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		logger:  logger.Named("updates"),
		metrics: m,
		now:     time.Now,
		index:   make(map[uint64]*item),
	}
}

// OnSaved registers fn for batch-saved notifications.
func (m *Manager) OnSaved(fn func(Saved)) { m.onSaved = append(m.onSaved, fn) }

// OnFailed registers fn for the fatal write failure.
func (m *Manager) OnFailed(fn func(error)) { m.onFailed = append(m.onFailed, fn) }

// Restore positions the manager after the last persisted apex.
func (m *Manager) Restore(apex uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAdded = apex
	m.lastPersisted = apex
}

func (m *Manager) LastPersisted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPersisted
}

// Err returns the failure that stopped the manager, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Add queues an applied quantum. Apexes must arrive without gaps.
func (m *Manager) Add(model *quantum.PersistentModel, ch Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return failedWith(ErrFailed, m.err)
	}
	apex := model.Quantum.Apex
	if apex != m.lastAdded+1 {
		return status.Protocol(errors.Wrapf(ErrOutOfOrder, "got %d, last %d", apex, m.lastAdded))
	}
	if m.current == nil {
		m.current = &batch{created: m.now()}
	}
	it := &item{model: model, changes: ch}
	m.current.items = append(m.current.items, it)
	m.index[apex] = it
	m.lastAdded = apex

	if len(m.current.items) >= m.cfg.MaxQuanta {
		m.rotateLocked()
	}
	return nil
}

// Finalize attaches the majority signatures to apex.
func (m *Manager) Finalize(apex uint64, sigs []keys.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.index[apex]
	if !ok || it.final {
		return
	}
	it.model.Signatures = sigs
	it.final = true
}

// Rotate closes the pending batch when it is old enough.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.now().Sub(m.current.created) >= m.cfg.MaxAge {
		m.rotateLocked()
	}
}

func (m *Manager) rotateLocked() {
	if m.current == nil || len(m.current.items) == 0 {
		return
	}
	m.awaiting = append(m.awaiting, m.current)
	m.current = nil
	m.reportLocked()
}

func (m *Manager) reportLocked() {
	quanta := 0
	for _, b := range m.awaiting {
		quanta += len(b.items)
	}
	m.metrics.SetAwaiting(len(m.awaiting), quanta)
}

// Awaiting returns the number of closed batches and their quanta.
func (m *Manager) Awaiting() (batches, quanta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.awaiting {
		quanta += len(b.items)
	}
	return len(m.awaiting), quanta
}

// Flush persists ready batches from the head of the queue.
func (m *Manager) Flush() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	for {
		m.mu.Lock()
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return err
		}
		if len(m.awaiting) == 0 || !m.awaiting[0].ready() {
			m.mu.Unlock()
			return nil
		}
		head := m.awaiting[0]
		u := head.update(m.cfg.Outbox)
		m.mu.Unlock()

		started := m.now()
		if err := m.store.Commit(u); err != nil {
			m.fail(err)
			return err
		}
		elapsed := m.now().Sub(started)

		saved := Saved{
			FirstApex: u.Quanta[0].Quantum.Apex,
			LastApex:  u.LastApex(),
			Count:     len(u.Quanta),
			Elapsed:   elapsed,
		}
		m.mu.Lock()
		m.awaiting = m.awaiting[1:]
		for _, it := range head.items {
			delete(m.index, it.model.Quantum.Apex)
		}
		m.lastPersisted = saved.LastApex
		m.reportLocked()
		m.mu.Unlock()

		m.logger.Info("batch saved",
			zap.Uint64("from", saved.FirstApex),
			zap.Uint64("to", saved.LastApex),
			zap.Int("count", saved.Count),
			zap.Duration("elapsed", saved.Elapsed),
		)
		m.metrics.BatchSaved(saved.LastApex, saved.Count, saved.Elapsed)
		for _, fn := range m.onSaved {
			fn(saved)
		}
	}
}

// failedWith returns sentinel with cause attached. Both the standard
// library and cockroachdb errors.Is find sentinel in the chain.
func failedWith(sentinel, cause error) error {
	return errors.WithSecondaryError(errors.Wrap(sentinel, cause.Error()), cause)
}

func (m *Manager) fail(err error) {
	err = status.Storage(err)
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.err = err
	m.mu.Unlock()

	m.logger.Error("persisting batch failed", zap.Error(err))
	for _, fn := range m.onFailed {
		fn(err)
	}
}

// Tick runs one rotation and flush round.
func (m *Manager) Tick() error {
	m.Rotate()
	return m.Flush()
}

// Run ticks until ctx is done, then drains.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Drain()
		case <-ticker.C:
			if err := m.Tick(); err != nil {
				return err
			}
		}
	}
}

/*
Drain closes the pending batch, persists whatever is final and stores the
rest in the pending table so a restart resubmits it for signatures.
*/
func (m *Manager) Drain() error {
	m.mu.Lock()
	m.rotateLocked()
	m.mu.Unlock()

	if err := m.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	var rest []*quantum.PersistentModel
	for _, b := range m.awaiting {
		for _, it := range b.items {
			rest = append(rest, it.model)
		}
	}
	m.mu.Unlock()

	if len(rest) == 0 {
		return nil
	}
	if err := m.store.PutPending(rest); err != nil {
		m.fail(err)
		return err
	}
	m.logger.Info("stored pending quanta",
		zap.Uint64("from", rest[0].Quantum.Apex),
		zap.Int("count", len(rest)),
	)
	return nil
}
