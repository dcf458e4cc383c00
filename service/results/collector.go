// Package results collects auditor signatures per apex and decides when a
// quantum is final.
package results

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"go.uber.org/zap"

	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/infra/keys"
	"constellation/infra/metrics"
)

var (
	ErrNotAuditor       = errors.New("results: signer is not an auditor")
	ErrInvalidSignature = errors.New("results: signature does not match payload")
)

// Signatures for unknown apexes are kept until the quantum arrives. Beyond
// this many buffered apexes new ones are dropped.
const maxBuffered = 100_000

// Outcome of one AddSignature call.
type Outcome uint8

const (
	Accepted Outcome = iota
	Duplicate
	Buffered
	Stale
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	case Stale:
		return "stale"
	default:
		return "rejected"
	}
}

// Final is handed to finality observers once per apex.
type Final struct {
	Apex       uint64
	Payload    quantum.Hash
	Signatures []keys.Signature
}

type entry struct {
	apex     uint64
	payload  quantum.Hash
	settings *settings.Settings
	signers  map[keys.PublicKey]struct{}
	sigs     []keys.Signature
	final    bool
}

func byApex(a, b *entry) bool { return a.apex < b.apex }

type event struct {
	accepted []quantum.AuditorResult
	final    *Final
}

/*
Collector is the apex-ordered signature table.

Quanta are registered by the pipeline with their payload hash and the
settings in force. Signatures are verified against that payload and counted
once per auditor. Reaching the settings majority marks the apex final.

Observers run outside the lock, one delivery at a time, in the order
signatures were counted. A call that finds another delivery running leaves
its events to that goroutine.
*/
type Collector struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	table    *btree.BTreeG[*entry]
	buffered map[uint64][]keys.Signature
	pruned   uint64 // apexes at or below are gone
	latest   *settings.Settings

	outbox     []event
	delivering bool

	observers []func(Final)
	accepted  []func(quantum.AuditorResult)
}

func NewCollector(logger *zap.Logger, m *metrics.Metrics) *Collector {
	return &Collector{
		logger:   logger.Named("results"),
		metrics:  m,
		table:    btree.NewG[*entry](16, byApex),
		buffered: make(map[uint64][]keys.Signature),
	}
}

// OnFinal registers fn for finality notifications. Register before use.
func (c *Collector) OnFinal(fn func(Final)) {
	c.observers = append(c.observers, fn)
}

// OnAccepted registers fn for every newly counted signature.
func (c *Collector) OnAccepted(fn func(quantum.AuditorResult)) {
	c.accepted = append(c.accepted, fn)
}

// Register opens the table entry for apex. Buffered signatures for it are
// counted right away.
func (c *Collector) Register(apex uint64, payload quantum.Hash, st *settings.Settings, own ...keys.Signature) {
	c.mu.Lock()
	if apex <= c.pruned {
		c.mu.Unlock()
		return
	}
	e, ok := c.table.Get(&entry{apex: apex})
	if !ok {
		e = &entry{
			apex:     apex,
			payload:  payload,
			settings: st,
			signers:  make(map[keys.PublicKey]struct{}),
		}
		c.table.ReplaceOrInsert(e)
	}
	if c.latest == nil || st.Apex >= c.latest.Apex {
		c.latest = st
	}
	pending := append(append([]keys.Signature(nil), own...), c.buffered[apex]...)
	delete(c.buffered, apex)

	var (
		accepted []quantum.AuditorResult
		final    *Final
	)
	for _, s := range pending {
		out, err := c.count(e, s)
		if err != nil {
			c.logger.Warn("dropped buffered signature", zap.Uint64("apex", apex), zap.Stringer("signer", s.Signer), zap.Error(err))
		}
		c.metrics.Signature(out.String())
		if out == Accepted {
			accepted = append(accepted, quantum.AuditorResult{Apex: apex, Signature: s})
			if f := c.finalize(e); f != nil {
				final = f
			}
		}
	}
	c.enqueue(accepted, final)
	c.mu.Unlock()

	c.deliver()
}

// AddSignature counts r toward its apex.
func (c *Collector) AddSignature(r quantum.AuditorResult) (Outcome, error) {
	c.mu.Lock()
	if r.Apex <= c.pruned {
		c.mu.Unlock()
		c.metrics.Signature(Stale.String())
		return Stale, nil
	}
	e, ok := c.table.Get(&entry{apex: r.Apex})
	if !ok {
		out, err := c.buffer(r)
		c.mu.Unlock()
		c.metrics.Signature(out.String())
		return out, err
	}
	out, err := c.count(e, r.Signature)
	if out == Accepted {
		c.enqueue([]quantum.AuditorResult{r}, c.finalize(e))
	}
	c.mu.Unlock()

	c.metrics.Signature(out.String())
	c.deliver()
	return out, err
}

// buffer keeps r until its apex is registered. Only signers in the latest
// known auditor set are kept. Called with mu held.
func (c *Collector) buffer(r quantum.AuditorResult) (Outcome, error) {
	if c.latest == nil || !c.latest.IsAuditor(r.Signature.Signer) {
		return Rejected, errors.Wrapf(ErrNotAuditor, "buffering apex %d from %s", r.Apex, r.Signature.Signer)
	}
	existing, ok := c.buffered[r.Apex]
	if !ok && len(c.buffered) >= maxBuffered {
		return Rejected, nil
	}
	for _, s := range existing {
		if s.Signer == r.Signature.Signer {
			return Duplicate, nil
		}
	}
	c.buffered[r.Apex] = append(existing, r.Signature)
	return Buffered, nil
}

// count verifies s against e. Called with mu held.
func (c *Collector) count(e *entry, s keys.Signature) (Outcome, error) {
	if _, dup := e.signers[s.Signer]; dup {
		return Duplicate, nil
	}
	if !e.settings.IsAuditor(s.Signer) {
		return Rejected, errors.Wrap(ErrNotAuditor, s.Signer.String())
	}
	if !s.Verify(e.payload[:]) {
		return Rejected, errors.Wrapf(ErrInvalidSignature, "apex %d signer %s", e.apex, s.Signer)
	}
	e.signers[s.Signer] = struct{}{}
	e.sigs = append(e.sigs, s)
	return Accepted, nil
}

// finalize flips e the first time it reaches majority. Called with mu held.
func (c *Collector) finalize(e *entry) *Final {
	if e.final || !settings.HasMajority(len(e.sigs), len(e.settings.Auditors)) {
		return nil
	}
	e.final = true
	return &Final{
		Apex:       e.apex,
		Payload:    e.payload,
		Signatures: append([]keys.Signature(nil), e.sigs...),
	}
}

// enqueue records observer work. Called with mu held.
func (c *Collector) enqueue(accepted []quantum.AuditorResult, final *Final) {
	if len(accepted) == 0 && final == nil {
		return
	}
	c.outbox = append(c.outbox, event{accepted: accepted, final: final})
}

// deliver drains the outbox unless another goroutine already does.
func (c *Collector) deliver() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.outbox) > 0 {
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, ev := range batch {
			c.notify(ev)
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Collector) notify(ev event) {
	for _, r := range ev.accepted {
		for _, fn := range c.accepted {
			fn(r)
		}
	}
	if ev.final == nil {
		return
	}
	for _, fn := range c.observers {
		fn(*ev.final)
	}
}

// -------------------- Queries --------------------

// Signatures returns the counted signatures for apex.
func (c *Collector) Signatures(apex uint64) []keys.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.table.Get(&entry{apex: apex}); ok {
		return append([]keys.Signature(nil), e.sigs...)
	}
	return nil
}

func (c *Collector) IsFinal(apex uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table.Get(&entry{apex: apex})
	return ok && e.final
}

// Range calls fn for registered apexes from..to inclusive, ascending.
func (c *Collector) Range(from, to uint64, fn func(apex uint64, sigs []keys.Signature) bool) {
	c.mu.Lock()
	var (
		apexes []uint64
		sigs   [][]keys.Signature
	)
	c.table.AscendRange(&entry{apex: from}, &entry{apex: to + 1}, func(e *entry) bool {
		apexes = append(apexes, e.apex)
		sigs = append(sigs, append([]keys.Signature(nil), e.sigs...))
		return true
	})
	c.mu.Unlock()

	for i := range apexes {
		if !fn(apexes[i], sigs[i]) {
			return
		}
	}
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Len()
}

// Prune drops every apex up to and including apex, once persisted.
func (c *Collector) Prune(apex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if apex <= c.pruned {
		return
	}
	for {
		e, ok := c.table.Min()
		if !ok || e.apex > apex {
			break
		}
		c.table.DeleteMin()
	}
	for a := range c.buffered {
		if a <= apex {
			delete(c.buffered, a)
		}
	}
	c.pruned = apex
}

// Reset forgets everything above the pruned apex. Used when the local
// chain is rebuilt from storage; st is the settings in force, nil before
// init.
func (c *Collector) Reset(apex uint64, st *settings.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Clear(false)
	c.buffered = make(map[uint64][]keys.Signature)
	c.pruned = apex
	c.latest = st
}
