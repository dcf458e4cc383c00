// Package syncer keeps replicas converged with the leader: it serves quanta
// by cursor, catches up from the best peer and exchanges signatures and
// heartbeats.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"constellation/domain/quantum"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/infra/metrics"
	"constellation/infra/transport"
	"constellation/service/pipeline"
	"constellation/service/results"
)

// Pipeline is the local writer the syncer feeds and observes.
type Pipeline interface {
	Role() pipeline.Role
	Apex() uint64
	QueueLength() int
	Apply(ctx context.Context, q *quantum.Quantum) error
	OnApplied(fn func(pipeline.Applied))
}

// Results is the local signature table.
type Results interface {
	AddSignature(r quantum.AuditorResult) (results.Outcome, error)
	Signatures(apex uint64) []keys.Signature
	OnAccepted(fn func(quantum.AuditorResult))
}

// Store serves quanta that left the cache.
type Store interface {
	Quantum(apex uint64) (*quantum.PersistentModel, error)
}

type Config struct {
	Self     *keys.KeyPair
	Pipeline Pipeline
	Results  Results
	Store    Store
	Peers    *PeerSet
	State    func() State
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// Gap is how far behind the source a node may be before it pulls
	// batches instead of following the cursor.
	Gap uint64

	// BatchSize caps quanta per batch and results per message.
	BatchSize int

	FlushInterval time.Duration
	Heartbeat     time.Duration
	Reevaluate    time.Duration
	CacheSize     int
	Backoff       time.Duration
}

func (c *Config) defaults() {
	if c.Gap == 0 {
		c.Gap = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Second
	}
	if c.Reevaluate <= 0 {
		c.Reevaluate = 2 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10_000
	}
	if c.Backoff <= 0 {
		c.Backoff = transport.DefaultBackoff
	}
}

type cursor struct {
	next    uint64
	enabled bool
}

// session is one validated connection, inbound or outbound.
type session struct {
	conn *transport.Conn
	node *RemoteNode

	mu      sync.Mutex
	quanta  cursor
	sigs    cursor
	results []quantum.AuditorResult
}

func (s *session) queue(r quantum.AuditorResult) {
	s.mu.Lock()
	if s.sigs.enabled && r.Apex >= s.sigs.next {
		s.results = append(s.results, r)
	}
	s.mu.Unlock()
}

/*
Syncer is the transport handler of a node.

Any node serves its log: a peer announces two cursors and the pump pushes
quanta and relayed signatures past them every flush interval. A replica
follows the connected peer with the highest apex. Far behind, it pulls
batches with QuantaBatchRequest; close enough, it enables the quanta cursor.
A batch that does not start right after the local head resets the cursor
instead of being patched.
*/
type Syncer struct {
	cfg    Config
	logger *zap.Logger
	cache  *lru.Cache

	mu        sync.Mutex
	ctx       context.Context
	sessions  map[string]*session
	clients   []*transport.Client
	source    *session
	pulling   bool
	following bool
	chasing   bool

	onDecision []func(bool)
	onLink     []func(keys.PublicKey, transport.ConnState)
}

func New(cfg Config) (*Syncer, error) {
	cfg.defaults()
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "quanta cache")
	}
	s := &Syncer{
		cfg:      cfg,
		logger:   cfg.Logger.Named("sync"),
		cache:    cache,
		ctx:      context.Background(),
		sessions: make(map[string]*session),
	}
	cfg.Pipeline.OnApplied(s.onApplied)
	cfg.Results.OnAccepted(s.onAccepted)
	return s, nil
}

// OnSyncDecision registers fn for every follow decision against the
// source; chasing is true while the node is pulling batches.
func (s *Syncer) OnSyncDecision(fn func(chasing bool)) {
	s.onDecision = append(s.onDecision, fn)
}

// OnLinkChanged registers fn for state changes of outbound links. Register
// before Run.
func (s *Syncer) OnLinkChanged(fn func(peer keys.PublicKey, st transport.ConnState)) {
	s.onLink = append(s.onLink, fn)
}

// Connect adds an outbound peer. Call before Run.
func (s *Syncer) Connect(url string, pk keys.PublicKey) {
	c := transport.NewClient(url, pk, s.cfg.Self, s, s.cfg.Logger)
	c.SetBackoff(s.cfg.Backoff)
	c.OnFailure = s.cfg.Metrics.Reconnect
	c.OnState = func(st transport.ConnState) {
		for _, fn := range s.onLink {
			fn(pk, st)
		}
	}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
}

// Run drives the pump, heartbeats and source selection until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	clients := append([]*transport.Client(nil), s.clients...)
	s.mu.Unlock()
	for _, c := range clients {
		c.Start(ctx)
	}
	defer func() {
		for _, c := range clients {
			c.Stop()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return every(ctx, s.cfg.FlushInterval, s.pump) })
	g.Go(func() error { return every(ctx, s.cfg.Heartbeat, s.heartbeat) })
	g.Go(func() error { return every(ctx, s.cfg.Reevaluate, s.reevaluate) })
	return g.Wait()
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// -------------------- Observers --------------------

func (s *Syncer) onApplied(a pipeline.Applied) {
	s.cache.Add(a.Quantum.Apex, a.Quantum)
}

// onAccepted queues signatures for peers. Alpha relays every signature
// it counted; replicas only hand out their own.
func (s *Syncer) onAccepted(r quantum.AuditorResult) {
	if s.cfg.Pipeline.Role() != pipeline.RoleAlpha && r.Signature.Signer != s.cfg.Self.Public() {
		return
	}
	for _, ss := range s.snapshot() {
		ss.queue(r)
	}
}

func (s *Syncer) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

// -------------------- transport.Handler --------------------

func (s *Syncer) OnValidated(c *transport.Conn) {
	node := s.cfg.Peers.Ensure(c.Peer())
	node.attach(c)
	ss := &session{conn: c, node: node, sigs: cursor{enabled: true}}
	s.mu.Lock()
	s.sessions[c.ID] = ss
	s.mu.Unlock()

	s.logger.Info("peer connected", zap.Stringer("peer", c.Peer()), zap.String("conn", c.ID))
	s.sendState(ss)
}

func (s *Syncer) OnClosed(c *transport.Conn) {
	s.mu.Lock()
	ss, ok := s.sessions[c.ID]
	delete(s.sessions, c.ID)
	if ok && s.source == ss {
		s.source = nil
		s.pulling = false
		s.following = false
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if ss.node.detach(c) {
		s.cfg.Metrics.ForgetPeer(ss.node.PubKey.String())
	}
	s.cfg.Peers.Recompute()
	s.logger.Info("peer disconnected", zap.Stringer("peer", c.Peer()), zap.String("conn", c.ID))
}

func (s *Syncer) OnMessage(c *transport.Conn, m transport.Message) {
	s.mu.Lock()
	ss, ok := s.sessions[c.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch m := m.(type) {
	case *transport.StateMessage:
		ss.node.Update(m, time.Now())
		s.cfg.Metrics.SetPeerLoad(ss.node.PubKey.String(), ss.node.QuantaPerSecond(), ss.node.QueueLength())
		s.cfg.Peers.Recompute()
		if s.currentSource() == nil {
			s.reevaluate()
		}
	case *transport.QuantumMessage:
		s.receive(ss, []*transport.QuantumInfo{&m.QuantumInfo}, 0)
	case *transport.QuantaBatch:
		s.receive(ss, m.Quanta, m.LastKnownApex)
	case *transport.QuantaBatchRequest:
		s.serveBatch(ss, m)
	case *transport.SetApexCursor:
		ss.mu.Lock()
		ss.quanta = cursor{next: m.Apex + 1, enabled: true}
		ss.mu.Unlock()
	case *transport.SyncCursorReset:
		s.resetCursors(ss, m)
	case *transport.AuditorResults:
		s.addResults(ss, m.Results)
	default:
		s.logger.Warn("unexpected message", zap.Stringer("type", m.Type()), zap.Stringer("peer", c.Peer()))
	}
}

func (s *Syncer) resetCursors(ss *session, m *transport.SyncCursorReset) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, c := range m.Cursors {
		cur := cursor{next: c.Apex, enabled: !c.Disabled}
		switch c.Type {
		case transport.CursorQuanta:
			ss.quanta = cur
		case transport.CursorSignatures:
			ss.sigs = cur
			kept := ss.results[:0]
			for _, r := range ss.results {
				if cur.enabled && r.Apex >= cur.next {
					kept = append(kept, r)
				}
			}
			ss.results = kept
		}
	}
}

func (s *Syncer) addResults(ss *session, rs []quantum.AuditorResult) {
	for _, r := range rs {
		if _, err := s.cfg.Results.AddSignature(r); err != nil {
			s.logger.Warn("signature dropped",
				zap.Uint64("apex", r.Apex),
				zap.Stringer("signer", r.Signature.Signer),
				zap.Stringer("from", ss.conn.Peer()),
				zap.Error(err),
			)
		}
	}
}

// -------------------- Receiving quanta --------------------

func (s *Syncer) receive(ss *session, infos []*transport.QuantumInfo, lastKnown uint64) {
	if s.cfg.Pipeline.Role() == pipeline.RoleAlpha {
		return
	}
	s.mu.Lock()
	fromSource := s.source == ss
	s.mu.Unlock()
	if !fromSource {
		return
	}
	if len(infos) == 0 {
		s.mu.Lock()
		s.pulling = false
		s.mu.Unlock()
		return
	}

	head := s.cfg.Pipeline.Apex()
	batch := &transport.QuantaBatch{Quanta: infos}
	for len(batch.Quanta) > 0 && batch.Quanta[0].Quantum != nil && batch.Quanta[0].Quantum.Apex <= head {
		batch.Quanta = batch.Quanta[1:]
	}
	if len(batch.Quanta) > 0 && !batch.Contiguous(head+1) {
		s.logger.Warn("non contiguous batch", zap.Uint64("head", head), zap.Int("size", len(infos)))
		s.resetSource(ss, head)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	for _, info := range batch.Quanta {
		err := s.cfg.Pipeline.Apply(ctx, info.Quantum)
		switch {
		case err == nil, errors.Is(err, pipeline.ErrDuplicate):
		case errors.Is(err, status.ErrProtocol):
			s.logger.Warn("quantum out of sequence", zap.Uint64("apex", info.Quantum.Apex), zap.Error(err))
			s.resetSource(ss, s.cfg.Pipeline.Apex())
			return
		default:
			s.logger.Error("applying replicated quantum failed", zap.Uint64("apex", info.Quantum.Apex), zap.Error(err))
			return
		}
		for _, sig := range info.Signatures {
			_, _ = s.cfg.Results.AddSignature(quantum.AuditorResult{Apex: info.Quantum.Apex, Signature: sig})
		}
	}

	s.mu.Lock()
	pulling := s.pulling
	s.pulling = false
	s.mu.Unlock()
	if pulling {
		// a pull reply; keep pulling or switch to the cursor
		s.follow(ss, lastKnown)
	}
}

// resetSource asks the source to resume pushing right after head.
func (s *Syncer) resetSource(ss *session, head uint64) {
	s.mu.Lock()
	s.pulling = false
	s.following = true
	s.mu.Unlock()
	err := ss.conn.Send(&transport.SyncCursorReset{Cursors: []transport.SyncCursor{
		{Type: transport.CursorQuanta, Apex: head + 1},
	}})
	if err != nil {
		s.logger.Debug("cursor reset not sent", zap.Error(err))
	}
}

// -------------------- Source selection --------------------

func (s *Syncer) currentSource() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// reevaluate picks the peer with the highest apex as the sync source. Ties
// go to the current source, then to the peer with the better smoothed load.
func (s *Syncer) reevaluate() {
	if s.cfg.Pipeline.Role() == pipeline.RoleAlpha {
		return
	}
	var best *session
	for _, ss := range s.snapshot() {
		if !ss.node.Known() {
			continue
		}
		switch {
		case best == nil, ss.node.Apex() > best.node.Apex():
			best = ss
		case ss.node.Apex() == best.node.Apex() && ss.node.fasterThan(best.node):
			best = ss
		}
	}
	// the current source keeps a tie
	if cur := s.currentSource(); cur != nil && best != nil && cur != best &&
		cur.node.Known() && cur.node.Apex() == best.node.Apex() {
		best = cur
	}

	s.mu.Lock()
	prev := s.source
	s.source = best
	if prev != best {
		s.pulling = false
		s.following = false
	}
	s.mu.Unlock()

	if prev != nil && prev != best {
		_ = prev.conn.Send(&transport.SyncCursorReset{Cursors: []transport.SyncCursor{
			{Type: transport.CursorQuanta, Disabled: true},
		}})
	}
	if best == nil {
		return
	}
	if prev != best {
		s.logger.Info("sync source selected", zap.Stringer("peer", best.node.PubKey), zap.Uint64("apex", best.node.Apex()))
	}
	s.follow(best, best.node.Apex())
}

// follow either pulls the next batch or enables the push cursor.
func (s *Syncer) follow(ss *session, sourceApex uint64) {
	head := s.cfg.Pipeline.Apex()
	behind := sourceApex > head && sourceApex-head > s.cfg.Gap
	s.setChasing(behind)

	if behind {
		s.mu.Lock()
		s.following = false
		if s.pulling {
			s.mu.Unlock()
			return
		}
		s.pulling = true
		s.mu.Unlock()
		err := ss.conn.Send(&transport.QuantaBatchRequest{From: head + 1, Limit: uint32(s.cfg.BatchSize)})
		if err != nil {
			s.mu.Lock()
			s.pulling = false
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	if s.following {
		s.mu.Unlock()
		return
	}
	s.following = true
	s.mu.Unlock()
	if err := ss.conn.Send(&transport.SyncCursorReset{Cursors: []transport.SyncCursor{
		{Type: transport.CursorQuanta, Apex: head + 1},
	}}); err != nil {
		s.mu.Lock()
		s.following = false
		s.mu.Unlock()
	}
}

func (s *Syncer) setChasing(v bool) {
	s.mu.Lock()
	s.chasing = v
	s.mu.Unlock()
	for _, fn := range s.onDecision {
		fn(v)
	}
}

// Chasing reports whether the node is far behind its source.
func (s *Syncer) Chasing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chasing
}

// -------------------- Serving --------------------

// info returns apex with whatever signatures are known for it.
func (s *Syncer) info(apex uint64) (*transport.QuantumInfo, bool) {
	if v, ok := s.cache.Get(apex); ok {
		q := v.(*quantum.Quantum)
		return &transport.QuantumInfo{Quantum: q, Signatures: s.cfg.Results.Signatures(apex)}, true
	}
	if s.cfg.Store == nil {
		return nil, false
	}
	m, err := s.cfg.Store.Quantum(apex)
	if err != nil {
		return nil, false
	}
	return &transport.QuantumInfo{Quantum: m.Quantum, Signatures: m.Signatures}, true
}

func (s *Syncer) collect(from uint64, limit int) []*transport.QuantumInfo {
	head := s.cfg.Pipeline.Apex()
	var out []*transport.QuantumInfo
	for apex := from; apex <= head && len(out) < limit; apex++ {
		info, ok := s.info(apex)
		if !ok {
			break
		}
		out = append(out, info)
	}
	return out
}

func (s *Syncer) serveBatch(ss *session, r *transport.QuantaBatchRequest) {
	limit := int(r.Limit)
	if limit <= 0 || limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}
	batch := &transport.QuantaBatch{
		Quanta:        s.collect(r.From, limit),
		LastKnownApex: s.cfg.Pipeline.Apex(),
	}
	if err := ss.conn.Send(batch); err != nil {
		s.logger.Debug("batch not sent", zap.Error(err))
	}
}

// pump pushes quanta past each enabled cursor and flushes queued results.
func (s *Syncer) pump() {
	head := s.cfg.Pipeline.Apex()
	for _, ss := range s.snapshot() {
		ss.mu.Lock()
		qc := ss.quanta
		pending := ss.results
		if len(pending) > s.cfg.BatchSize {
			pending = pending[:s.cfg.BatchSize]
		}
		ss.results = ss.results[len(pending):]
		ss.mu.Unlock()

		if len(pending) > 0 {
			if err := ss.conn.Send(&transport.AuditorResults{Results: pending}); err != nil {
				s.logger.Debug("results not sent", zap.Error(err))
			}
		}
		if !qc.enabled || qc.next == 0 || qc.next > head {
			continue
		}
		infos := s.collect(qc.next, s.cfg.BatchSize)
		if len(infos) == 0 {
			continue
		}
		if err := ss.conn.Send(&transport.QuantaBatch{Quanta: infos, LastKnownApex: head}); err != nil {
			s.logger.Debug("batch not sent", zap.Error(err))
			continue
		}
		ss.mu.Lock()
		if ss.quanta == qc {
			ss.quanta.next = infos[len(infos)-1].Quantum.Apex + 1
		}
		ss.mu.Unlock()
	}
}

// -------------------- Heartbeat --------------------

func (s *Syncer) heartbeat() {
	for _, ss := range s.snapshot() {
		s.sendState(ss)
	}
}

func (s *Syncer) sendState(ss *session) {
	m := &transport.StateMessage{
		State:       uint8(s.cfg.State()),
		Apex:        s.cfg.Pipeline.Apex(),
		QueueLength: uint32(s.cfg.Pipeline.QueueLength()),
	}
	if err := ss.conn.Send(m); err != nil {
		s.logger.Debug("state not sent", zap.Error(err))
	}
}
