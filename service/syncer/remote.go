package syncer

import (
	"sync"
	"time"

	"constellation/infra/keys"
	"constellation/infra/transport"
)

// weight of the newest heartbeat in the load averages
const smoothing = 0.2

// RemoteNode is what this node knows about one peer.
type RemoteNode struct {
	PubKey keys.PublicKey

	mu    sync.Mutex
	state State
	apex  uint64
	seen  bool
	conn  *transport.Conn
	last  time.Time
	rate  float64
	queue float64
	rated bool
	beats int
}

func NewRemoteNode(pk keys.PublicKey) *RemoteNode {
	return &RemoteNode{PubKey: pk}
}

func ewma(avg, v float64) float64 { return avg + smoothing*(v-avg) }

// Update records a state heartbeat.
func (r *RemoteNode) Update(m *transport.StateMessage, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beats > 0 && now.After(r.last) && m.Apex >= r.apex {
		v := float64(m.Apex-r.apex) / now.Sub(r.last).Seconds()
		if r.rated {
			r.rate = ewma(r.rate, v)
		} else {
			r.rate, r.rated = v, true
		}
	}
	if r.beats == 0 {
		r.queue = float64(m.QueueLength)
	} else {
		r.queue = ewma(r.queue, float64(m.QueueLength))
	}
	r.beats++
	r.state = State(m.State)
	r.apex = m.Apex
	r.last = now
	r.seen = true
}

// QuantaPerSecond is the smoothed apex growth rate.
func (r *RemoteNode) QuantaPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// QueueLength is the smoothed reported inbox length.
func (r *RemoteNode) QueueLength() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// fasterThan orders peers with equal apex: the faster one first, then the one
// with the shorter inbox.
func (r *RemoteNode) fasterThan(o *RemoteNode) bool {
	ra, qa := r.QuantaPerSecond(), r.QueueLength()
	rb, qb := o.QuantaPerSecond(), o.QueueLength()
	if ra != rb {
		return ra > rb
	}
	return qa < qb
}

func (r *RemoteNode) Apex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apex
}

func (r *RemoteNode) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Known reports whether a heartbeat arrived since connecting.
func (r *RemoteNode) Known() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen && r.conn != nil
}

func (r *RemoteNode) Conn() *transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Ready counts toward the majority: connected and reporting Ready.
func (r *RemoteNode) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && r.state == Ready
}

func (r *RemoteNode) attach(c *transport.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

// detach clears c if it is still the live connection.
func (r *RemoteNode) detach(c *transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != c {
		return false
	}
	r.conn = nil
	r.seen = false
	r.state = WaitingForInit
	return true
}
