// Package node is the execution context of one constellation member. It
// owns every component, wires them together and drives the role state
// machine.
package node

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/infra/keys"
	"constellation/infra/metrics"
	"constellation/infra/sequence"
	"constellation/infra/storage"
	"constellation/infra/transport"
	"constellation/service/pipeline"
	"constellation/service/results"
	"constellation/service/syncer"
	"constellation/service/updates"
)

var (
	ErrNotWaitingForInit = errors.New("node: constellation already initialized")
	ErrFailed            = errors.New("node: failed")
)

type State = syncer.State

// Peer is an outbound link to another member.
type Peer struct {
	URL    string
	PubKey keys.PublicKey
}

type Options struct {
	Self *keys.KeyPair

	// Alpha decides the role before settings exist.
	Alpha keys.PublicKey

	// Members may connect before the constellation is initialized.
	Members []keys.PublicKey

	Peers   []Peer
	Store   *storage.Store
	Updates updates.Config
	Sync    syncer.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

/*
Node replaces process wide singletons: the store, ledger, sequencer,
collector, updates manager, pipeline and syncer are built here once and
handed to each other explicitly.

Alpha:   WaitingForInit -> Running -> Ready <-> Running, Failed from anywhere.
Auditor: WaitingForInit -> Connected -> Validated -> Ready <-> Chasing,
Failed from anywhere. Connected covers the handshake on the outbound link
to alpha, Validated the time until the first sync decision. A redial of
that link passes through both again.
A restarted node passes through Rising while pending quanta are re-applied.
*/
type Node struct {
	opts    Options
	role    pipeline.Role
	logger  *zap.Logger
	metrics *metrics.Metrics

	store   *storage.Store
	seq     *sequence.Sequencer
	results *results.Collector
	updates *updates.Manager
	pipe    *pipeline.Pipeline
	peers   *syncer.PeerSet
	sync    *syncer.Syncer
	server  *transport.Server

	settings atomic.Pointer[settings.Settings]

	mu       sync.Mutex
	state    State
	observer []func(prev, next State)

	failOnce sync.Once
	failed   chan struct{}
	failure  error
}

func New(opts Options) (*Node, error) {
	logger := opts.Logger.Named("node")
	n := &Node{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		store:   opts.Store,
		failed:  make(chan struct{}),
	}

	state, err := opts.Store.LoadState()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		state = ledger.NewState()
		n.state = syncer.WaitingForInit
	case err != nil:
		return nil, errors.Wrap(err, "load state")
	default:
		n.state = syncer.Rising
		n.settings.Store(state.Settings)
	}
	alpha := opts.Alpha
	if state.Settings != nil {
		alpha = state.Settings.Alpha
	}
	n.role = pipeline.RoleAuditor
	if alpha == opts.Self.Public() {
		n.role = pipeline.RoleAlpha
	}

	last, hash, err := opts.Store.LastApex()
	if err != nil {
		return nil, err
	}
	n.seq = sequence.New(last, hash)
	n.results = results.NewCollector(opts.Logger, opts.Metrics)
	n.results.Reset(last, state.Settings)
	n.updates = updates.NewManager(opts.Updates, opts.Store, opts.Logger, opts.Metrics)
	n.updates.Restore(last)

	n.pipe = pipeline.New(pipeline.Config{
		Role:    n.role,
		Self:    opts.Self,
		State:   state,
		Seq:     n.seq,
		Updates: n.updates,
		Results: n.results,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	n.peers = syncer.NewPeerSet(opts.Self.Public(), n.auditors, opts.Metrics)
	scfg := opts.Sync
	scfg.Self = opts.Self
	scfg.Pipeline = n.pipe
	scfg.Results = n.results
	scfg.Store = opts.Store
	scfg.Peers = n.peers
	scfg.State = n.State
	scfg.Logger = opts.Logger
	scfg.Metrics = opts.Metrics
	if n.sync, err = syncer.New(scfg); err != nil {
		return nil, err
	}
	for _, p := range opts.Peers {
		n.sync.Connect(p.URL, p.PubKey)
	}
	n.server = transport.NewServer(opts.Self, n.allow, n.sync, opts.Logger)

	n.wire(state)
	return n, nil
}

// wire connects component notifications.
func (n *Node) wire(state *ledger.State) {
	n.results.OnFinal(func(f results.Final) {
		n.updates.Finalize(f.Apex, f.Signatures)
	})
	n.updates.OnSaved(func(s updates.Saved) {
		n.results.Prune(s.LastApex)
	})
	n.updates.OnFailed(n.fail)
	n.pipe.OnFailed(n.fail)

	// runs on the writer goroutine, so reading state is safe
	n.pipe.OnApplied(func(pipeline.Applied) {
		prev := n.settings.Load()
		if state.Settings == prev {
			return
		}
		n.settings.Store(state.Settings)
		if prev == nil {
			n.started()
		}
	})

	n.peers.OnReadyChanged(func(ready bool) {
		if n.role == pipeline.RoleAlpha {
			n.alphaReady(ready)
		}
	})
	n.sync.OnSyncDecision(func(chasing bool) {
		if n.role == pipeline.RoleAlpha || n.settings.Load() == nil {
			return
		}
		n.transition(func(cur State) (State, bool) {
			switch cur {
			case syncer.Validated, syncer.Ready, syncer.Chasing:
				return following(chasing), true
			}
			return cur, false
		})
		n.syncSelfReady()
	})
	n.sync.OnLinkChanged(func(peer keys.PublicKey, st transport.ConnState) {
		if n.role == pipeline.RoleAlpha || peer != n.alphaKey() {
			return
		}
		n.onAlphaLink(st)
	})
}

func following(chasing bool) State {
	if chasing {
		return syncer.Chasing
	}
	return syncer.Ready
}

// started moves an initialized node into its serving state.
func (n *Node) started() {
	if n.role == pipeline.RoleAlpha {
		n.setState(syncer.Running)
		n.syncSelfReady()
		n.alphaReady(n.peers.Ready())
		return
	}
	next := following(n.sync.Chasing())
	n.transition(func(cur State) (State, bool) {
		return next, cur != syncer.Connected
	})
	n.syncSelfReady()
}

// alphaReady follows majority readiness: alpha sequences only while Ready.
func (n *Node) alphaReady(ready bool) {
	n.transition(func(cur State) (State, bool) {
		switch {
		case ready && cur == syncer.Running:
			return syncer.Ready, true
		case !ready && cur == syncer.Ready:
			return syncer.Running, true
		}
		return cur, false
	})
	n.pipe.SetAccepting(n.State() == syncer.Ready)
}

// onAlphaLink follows the auditor's outbound link to alpha.
func (n *Node) onAlphaLink(st transport.ConnState) {
	initialized := n.settings.Load() != nil
	resumed := following(n.sync.Chasing())
	n.transition(func(cur State) (State, bool) {
		switch st {
		case transport.StateConnected:
			switch cur {
			case syncer.WaitingForInit, syncer.Validated, syncer.Ready, syncer.Chasing:
				return syncer.Connected, true
			}
		case transport.StateValidated:
			if cur == syncer.Connected {
				return syncer.Validated, true
			}
		case transport.StateClosed:
			if cur == syncer.Connected || cur == syncer.Validated {
				if !initialized {
					return syncer.WaitingForInit, true
				}
				return resumed, true
			}
		}
		return cur, false
	})
	n.syncSelfReady()
}

// syncSelfReady tells the peer set whether this node counts as ready.
func (n *Node) syncSelfReady() {
	st := n.State()
	if n.role == pipeline.RoleAlpha {
		n.peers.SetSelfReady(st == syncer.Running || st == syncer.Ready)
		return
	}
	n.peers.SetSelfReady(st == syncer.Ready)
}

// -------------------- Lifecycle --------------------

// Run resumes pending quanta and drives every worker until ctx is done or
// the node fails. Persistence drains after the pipeline stopped.
func (n *Node) Run(ctx context.Context) error {
	if n.State() == syncer.Rising {
		pending, err := n.store.Pending()
		if err != nil {
			return err
		}
		if err := n.pipe.Resume(pending); err != nil {
			return errors.Wrap(err, "resume pending quanta")
		}
		if len(pending) > 0 {
			n.logger.Info("resubmitted pending quanta", zap.Int("count", len(pending)))
		}
		n.started()
	}

	updCtx, stopUpdates := context.WithCancel(context.Background())
	updDone := make(chan error, 1)
	go func() { updDone <- n.updates.Run(updCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.pipe.Run(gctx) })
	g.Go(func() error { return n.sync.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-n.failed:
			return n.failure
		}
	})
	err := g.Wait()

	n.server.Shutdown()
	stopUpdates()
	if uerr := <-updDone; uerr != nil && !n.isFailed() {
		err = errors.CombineErrors(err, uerr)
	}
	return err
}

func (n *Node) fail(err error) {
	n.failOnce.Do(func() {
		n.logger.Error("node failed", zap.Error(err))
		n.failure = errors.WithSecondaryError(errors.Wrap(ErrFailed, err.Error()), err)
		n.setState(syncer.Failed)
		n.pipe.SetAccepting(false)
		n.peers.SetSelfReady(false)
		close(n.failed)
	})
}

func (n *Node) isFailed() bool {
	select {
	case <-n.failed:
		return true
	default:
		return false
	}
}

// -------------------- State --------------------

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnStateChanged registers fn for transitions. Register before Run.
func (n *Node) OnStateChanged(fn func(prev, next State)) {
	n.mu.Lock()
	n.observer = append(n.observer, fn)
	n.mu.Unlock()
}

func (n *Node) setState(next State) {
	n.transition(func(State) (State, bool) { return next, true })
}

// transition applies decide to the current state under the lock. Failed
// is never left.
func (n *Node) transition(decide func(cur State) (State, bool)) {
	n.mu.Lock()
	prev := n.state
	next, ok := decide(prev)
	if !ok || prev == next || prev == syncer.Failed {
		n.mu.Unlock()
		return
	}
	n.state = next
	observers := n.observer
	n.mu.Unlock()

	n.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	n.metrics.SetState(prev.String(), next.String())
	for _, fn := range observers {
		fn(prev, next)
	}
}

func (n *Node) Role() pipeline.Role { return n.role }

// Settings returns the settings in force, nil before init.
func (n *Node) Settings() *settings.Settings { return n.settings.Load() }

func (n *Node) alphaKey() keys.PublicKey {
	if st := n.settings.Load(); st != nil {
		return st.Alpha
	}
	return n.opts.Alpha
}

func (n *Node) auditors() []keys.PublicKey {
	if st := n.settings.Load(); st != nil {
		return st.Auditors
	}
	return n.opts.Members
}

// allow admits members connecting over the peer endpoint.
func (n *Node) allow(pk keys.PublicKey) (ok, auditor bool) {
	if st := n.settings.Load(); st != nil {
		return st.IsAuditor(pk), st.IsAuditor(pk)
	}
	for _, m := range n.opts.Members {
		if m == pk {
			return true, true
		}
	}
	return false, false
}

// PeerHandler serves the websocket peer endpoint.
func (n *Node) PeerHandler() http.Handler { return n.server }

// -------------------- Operations --------------------

// Genesis is the one-time bootstrap input.
type Genesis struct {
	Settings settings.Settings
	Accounts []quantum.GenesisAccount
	Cursor   string
}

// Initialize submits the genesis quantum. Only alpha, only once.
func (n *Node) Initialize(ctx context.Context, g Genesis) (*quantum.Quantum, error) {
	if n.State() != syncer.WaitingForInit {
		return nil, ErrNotWaitingForInit
	}
	init := &quantum.ConstellationInit{Settings: g.Settings, Accounts: g.Accounts, Cursor: g.Cursor}
	return n.pipe.Submit(ctx, quantum.Seal(init, n.opts.Self))
}

// Submit sequences a signed request.
func (n *Node) Submit(ctx context.Context, env *quantum.Envelope) (*quantum.Quantum, error) {
	return n.pipe.Submit(ctx, env)
}

// SubmitAlpha seals r with the node key. Used by alpha side jobs.
func (n *Node) SubmitAlpha(ctx context.Context, r quantum.Request) (*quantum.Quantum, error) {
	return n.pipe.Submit(ctx, quantum.Seal(r, n.opts.Self))
}

// Account returns a copy of the account owning pk.
func (n *Node) Account(ctx context.Context, pk keys.PublicKey) (*ledger.Account, bool, error) {
	var (
		out *ledger.Account
		ok  bool
	)
	err := n.pipe.View(ctx, func(s *ledger.State) {
		var a *ledger.Account
		if a, ok = s.Accounts.GetByKey(pk); ok {
			out = a.Clone()
		}
	})
	return out, ok, err
}

// Withdrawals returns copies of open withdrawals by id.
func (n *Node) Withdrawals(ctx context.Context) ([]*ledger.Withdrawal, error) {
	var out []*ledger.Withdrawal
	err := n.pipe.View(ctx, func(s *ledger.State) {
		for _, w := range s.SortedWithdrawals() {
			out = append(out, w.Clone())
		}
	})
	return out, err
}

func (n *Node) Apex() uint64 { return n.pipe.Apex() }

func (n *Node) LastPersisted() uint64 { return n.updates.LastPersisted() }

// OnApplied exposes the effects stream to subscribers such as the feed.
func (n *Node) OnApplied(fn func(pipeline.Applied)) { n.pipe.OnApplied(fn) }

// IsFinal reports whether apex has majority signatures.
func (n *Node) IsFinal(apex uint64) bool {
	return apex <= n.updates.LastPersisted() || n.results.IsFinal(apex)
}
