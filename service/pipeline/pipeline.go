// Package pipeline is the single writer of the ledger. Every quantum, local
// or replicated, is applied by its loop goroutine in apex order.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/infra/metrics"
	"constellation/infra/sequence"
	"constellation/service/processor"
	"constellation/service/updates"
)

var (
	ErrNotAlpha      = errors.New("pipeline: only alpha sequences requests")
	ErrNotAuditor    = errors.New("pipeline: alpha does not apply replicated quanta")
	ErrNotAccepting  = errors.New("pipeline: node is not accepting new quanta")
	ErrFailed        = errors.New("pipeline: node failed")
	ErrOutOfSequence = errors.New("pipeline: quantum does not extend the local chain")
	ErrDuplicate     = errors.New("pipeline: quantum already applied")
	ErrDivergence    = errors.New("pipeline: replicated quantum diverges from local state")
	ErrStopped       = errors.New("pipeline: stopped")
)

type Role uint8

const (
	RoleAlpha Role = iota
	RoleAuditor
)

func (r Role) String() string {
	if r == RoleAlpha {
		return "alpha"
	}
	return "auditor"
}

// Committer takes applied quanta for persistence.
type Committer interface {
	Add(model *quantum.PersistentModel, ch updates.Changes) error
}

// Registrar opens the signature entry of an applied quantum.
type Registrar interface {
	Register(apex uint64, payload quantum.Hash, st *settings.Settings, own ...keys.Signature)
}

// Applied is handed to observers after a quantum mutated the ledger.
type Applied struct {
	Quantum *quantum.Quantum
	Groups  []*effects.EffectsGroup
	Result  quantum.AuditorResult
}

type task struct {
	env  *quantum.Envelope
	q    *quantum.Quantum
	view func(*ledger.State)
	done chan result
}

type result struct {
	q   *quantum.Quantum
	err error
}

/*
Pipeline serializes apex assignment and effect application.

Alpha sequences envelopes: next apex, process, chain the hash, sign the
payload. Auditors re-run received quanta, which must extend their chain and
reproduce the leader's effects proof. In both roles the signed payload goes
to the signature collector and the persistent model to the updates manager
before the next quantum is looked at.
*/
type Pipeline struct {
	role    Role
	self    *keys.KeyPair
	state   *ledger.State
	seq     *sequence.Sequencer
	updates Committer
	results Registrar
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	inbox     chan task
	accepting atomic.Bool
	failed    atomic.Bool
	lastTime  int64

	mu        sync.Mutex
	observers []func(Applied)
	onFailed  []func(error)
}

type Config struct {
	Role    Role
	Self    *keys.KeyPair
	State   *ledger.State
	Seq     *sequence.Sequencer
	Updates Committer
	Results Registrar
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Queue bounds the inbox. Defaults to 1024.
	Queue int
}

func New(cfg Config) *Pipeline {
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	return &Pipeline{
		role:    cfg.Role,
		self:    cfg.Self,
		state:   cfg.State,
		seq:     cfg.Seq,
		updates: cfg.Updates,
		results: cfg.Results,
		logger:  cfg.Logger.Named("pipeline"),
		metrics: cfg.Metrics,
		now:     time.Now,
		inbox:   make(chan task, cfg.Queue),
	}
}

// OnApplied registers an observer. Observers run on the writer goroutine
// and must not block.
func (p *Pipeline) OnApplied(fn func(Applied)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// OnFailed registers fn for the transition to failed.
func (p *Pipeline) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = append(p.onFailed, fn)
	p.mu.Unlock()
}

// SetAccepting gates new quanta on alpha. Only the genesis quantum is
// sequenced while it is off.
func (p *Pipeline) SetAccepting(ok bool) { p.accepting.Store(ok) }

func (p *Pipeline) Accepting() bool { return p.accepting.Load() }

func (p *Pipeline) Role() Role { return p.role }

// Apex returns the last applied apex.
func (p *Pipeline) Apex() uint64 { return p.seq.Apex() }

// QueueLength is the number of requests waiting for the writer.
func (p *Pipeline) QueueLength() int { return len(p.inbox) }

// Run processes the inbox until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-p.inbox:
			switch {
			case t.view != nil:
				t.view(p.state)
				t.done <- result{}
			case t.q != nil:
				t.done <- result{q: t.q, err: p.replicate(t.q)}
			default:
				q, err := p.sequence(t.env)
				t.done <- result{q: q, err: err}
			}
		}
	}
}

func (p *Pipeline) enqueue(ctx context.Context, t task) (result, error) {
	if p.failed.Load() {
		return result{}, ErrFailed
	}
	t.done = make(chan result, 1)
	select {
	case p.inbox <- t:
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Submit sequences env on alpha and returns the quantum it became.
func (p *Pipeline) Submit(ctx context.Context, env *quantum.Envelope) (*quantum.Quantum, error) {
	if p.role != RoleAlpha {
		return nil, ErrNotAlpha
	}
	if _, genesis := env.Request.(*quantum.ConstellationInit); !genesis && !p.Accepting() {
		return nil, ErrNotAccepting
	}
	r, err := p.enqueue(ctx, task{env: env})
	if err != nil {
		return nil, err
	}
	return r.q, r.err
}

// Apply re-runs a quantum received from the sync source.
func (p *Pipeline) Apply(ctx context.Context, q *quantum.Quantum) error {
	if p.role != RoleAuditor {
		return ErrNotAuditor
	}
	r, err := p.enqueue(ctx, task{q: q})
	if err != nil {
		return err
	}
	return r.err
}

// View runs fn against the ledger on the writer goroutine. fn must not
// keep references to the state.
func (p *Pipeline) View(ctx context.Context, fn func(*ledger.State)) error {
	_, err := p.enqueue(ctx, task{view: fn})
	return err
}

// -------------------- Writer --------------------

func (p *Pipeline) sequence(env *quantum.Envelope) (*quantum.Quantum, error) {
	typ := requestType(env)
	apex, prev := p.seq.Next()
	ts := p.now().UnixMilli()
	if ts < p.lastTime {
		ts = p.lastTime
	}

	before := p.state.Settings
	c, err := processor.Process(apex, ts, env, p.state)
	if err != nil {
		p.metrics.Quantum(typ, status.Of(err).String())
		p.logger.Debug("request rejected", zap.String("type", typ), zap.Error(err))
		return nil, err
	}

	q := &quantum.Quantum{
		Apex:         apex,
		PrevHash:     prev,
		Timestamp:    ts,
		Envelope:     env,
		EffectsProof: c.Hash(),
	}
	if err := p.complete(q, c, before); err != nil {
		return nil, err
	}
	p.lastTime = ts
	p.metrics.Quantum(typ, status.Success.String())
	return q, nil
}

func (p *Pipeline) replicate(q *quantum.Quantum) error {
	if p.failed.Load() {
		return ErrFailed
	}
	head, hash := p.seq.Current()
	switch {
	case q.Apex <= head:
		return ErrDuplicate
	case q.Apex != head+1 || quantum.Hash(hash) != q.PrevHash:
		return status.Protocol(errors.Wrapf(ErrOutOfSequence, "head %d, got %d", head, q.Apex))
	}

	before := p.state.Settings
	c, err := processor.Process(q.Apex, q.Timestamp, q.Envelope, p.state)
	if err != nil {
		return p.fail(errors.Wrapf(ErrDivergence, "apex %d rejected locally: %v", q.Apex, err))
	}
	if proof := c.Hash(); proof != q.EffectsProof {
		if rbErr := c.Rollback(); rbErr != nil {
			return p.fail(errors.CombineErrors(ErrDivergence, rbErr))
		}
		return p.fail(errors.Wrapf(ErrDivergence, "apex %d effects proof mismatch", q.Apex))
	}
	p.lastTime = q.Timestamp
	p.metrics.Quantum(requestType(q.Envelope), status.Success.String())
	return p.complete(q, c, before)
}

// complete chains q, signs its payload and hands it on. known are
// signatures collected before a restart.
func (p *Pipeline) complete(q *quantum.Quantum, c *effects.Container, before *settings.Settings, known ...keys.Signature) error {
	if err := p.seq.Commit(q.Apex, q.Hash()); err != nil {
		return p.fail(err)
	}
	st := before
	if st == nil {
		st = p.state.Settings
	}
	payload := q.Payload()
	own := keys.Signature{}
	res := quantum.AuditorResult{Apex: q.Apex}
	if st.IsAuditor(p.self.Public()) {
		own = p.self.Sign(payload[:])
		res.Signature = own
	}

	groups := c.Groups()
	model := &quantum.PersistentModel{Quantum: q, Groups: groups}
	if err := p.updates.Add(model, updates.Capture(c, p.state)); err != nil {
		return p.fail(err)
	}
	sigs := known
	if !own.Signer.IsZero() {
		sigs = append([]keys.Signature{own}, known...)
	}
	p.results.Register(q.Apex, payload, st, sigs...)
	p.metrics.SetApex(q.Apex)

	p.mu.Lock()
	observers := p.observers
	p.mu.Unlock()
	applied := Applied{Quantum: q, Groups: groups, Result: res}
	for _, fn := range observers {
		fn(applied)
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	if p.failed.Swap(true) {
		return err
	}
	p.logger.Error("pipeline failed", zap.Error(err))
	p.mu.Lock()
	fns := p.onFailed
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
	return err
}

// Failed reports whether the pipeline stopped for good.
func (p *Pipeline) Failed() bool { return p.failed.Load() }

// -------------------- Recovery --------------------

/*
Resume re-applies quanta that were applied but not final when the node
stopped. They are queued for signatures again. Call before Run.
*/
func (p *Pipeline) Resume(models []*quantum.PersistentModel) error {
	for _, m := range models {
		q := m.Quantum
		head, hash := p.seq.Current()
		if q.Apex <= head {
			continue
		}
		if q.Apex != head+1 || quantum.Hash(hash) != q.PrevHash {
			return errors.Wrapf(ErrOutOfSequence, "pending apex %d after %d", q.Apex, head)
		}
		before := p.state.Settings
		c := effects.NewContainer(q.Apex, p.state)
		for _, e := range m.Effects() {
			if err := c.Add(e); err != nil {
				return errors.Wrapf(err, "resume apex %d", q.Apex)
			}
		}
		if c.Hash() != q.EffectsProof {
			return errors.Wrapf(ErrDivergence, "pending apex %d", q.Apex)
		}
		if err := p.complete(q, c, before, m.Signatures...); err != nil {
			return err
		}
		p.lastTime = q.Timestamp
	}
	return nil
}

func requestType(env *quantum.Envelope) string {
	if env == nil || env.Request == nil {
		return "unknown"
	}
	return env.Request.Type().String()
}
