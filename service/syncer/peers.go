package syncer

import (
	"sort"
	"sync"

	"constellation/domain/settings"
	"constellation/infra/keys"
	"constellation/infra/metrics"
)

/*
PeerSet tracks remote nodes and the majority readiness they add up to.

The count includes this node when it is an auditor and itself ready.
Observers are told only when the boolean flips.
*/
type PeerSet struct {
	self     keys.PublicKey
	auditors func() []keys.PublicKey
	metrics  *metrics.Metrics

	mu        sync.Mutex
	nodes     map[keys.PublicKey]*RemoteNode
	selfReady bool
	ready     bool
	observers []func(bool)
}

func NewPeerSet(self keys.PublicKey, auditors func() []keys.PublicKey, m *metrics.Metrics) *PeerSet {
	return &PeerSet{
		self:     self,
		auditors: auditors,
		metrics:  m,
		nodes:    make(map[keys.PublicKey]*RemoteNode),
	}
}

// OnReadyChanged registers fn for readiness flips.
func (s *PeerSet) OnReadyChanged(fn func(bool)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Ensure returns the node for pk, creating it on first contact.
func (s *PeerSet) Ensure(pk keys.PublicKey) *RemoteNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[pk]
	if !ok {
		n = NewRemoteNode(pk)
		s.nodes[pk] = n
	}
	return n
}

func (s *PeerSet) Get(pk keys.PublicKey) (*RemoteNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[pk]
	return n, ok
}

// All returns the nodes ordered by key.
func (s *PeerSet) All() []*RemoteNode {
	s.mu.Lock()
	out := make([]*RemoteNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey.String() < out[j].PubKey.String() })
	return out
}

func (s *PeerSet) SetSelfReady(ok bool) {
	s.mu.Lock()
	s.selfReady = ok
	s.mu.Unlock()
	s.Recompute()
}

func (s *PeerSet) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Recompute counts ready auditors and notifies on a flip.
func (s *PeerSet) Recompute() {
	auditors := s.auditors()

	s.mu.Lock()
	count := 0
	for _, pk := range auditors {
		if pk == s.self {
			if s.selfReady {
				count++
			}
			continue
		}
		if n, ok := s.nodes[pk]; ok && n.Ready() {
			count++
		}
	}
	ready := len(auditors) > 0 && settings.HasMajority(count, len(auditors))
	changed := ready != s.ready
	s.ready = ready
	observers := s.observers
	s.mu.Unlock()

	s.metrics.SetPeersReady(count)
	if !changed {
		return
	}
	for _, fn := range observers {
		fn(ready)
	}
}
