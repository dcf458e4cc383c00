// Package metrics exposes node load and progress to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "constellation"

// Metrics is safe for concurrent use. A nil *Metrics discards everything,
// so components can run without a registry in tests.
type Metrics struct {
	apex            prometheus.Gauge
	persistedApex   prometheus.Gauge
	quanta          *prometheus.CounterVec
	batchesSaved    prometheus.Counter
	batchQuanta     prometheus.Histogram
	batchDuration   prometheus.Histogram
	awaitingQueue   prometheus.Gauge
	pendingQuanta   prometheus.Gauge
	signatures      *prometheus.CounterVec
	peersReady      prometheus.Gauge
	reconnects      prometheus.Counter
	nodeState       *prometheus.GaugeVec
	outboxPublished *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	feed            *prometheus.CounterVec
	peerRate        *prometheus.GaugeVec
	peerQueue       *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		apex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apex",
			Help:      "Last applied apex",
		}),
		persistedApex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persisted_apex",
			Help:      "Last apex durably written",
		}),
		quanta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quanta_total",
			Help:      "Processed requests by type and status",
		}, []string{"type", "status"}),
		batchesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_saved_total",
			Help:      "Write-ahead batches flushed to storage",
		}),
		batchQuanta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_quanta",
			Help:      "Quanta per flushed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_flush_seconds",
			Help:      "Time spent writing one batch",
			Buckets:   prometheus.DefBuckets,
		}),
		awaitingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaiting_batches",
			Help:      "Closed batches waiting for signatures or flush",
		}),
		pendingQuanta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_quanta",
			Help:      "Applied quanta without majority",
		}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Auditor signatures by outcome",
		}, []string{"outcome"}),
		peersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_ready",
			Help:      "Connected auditors in a ready state",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Outbound connection attempts that failed",
		}),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_state",
			Help:      "1 for the current node state",
		}, []string{"state"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Confirmation outbox deliveries by result",
		}, []string{"result"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawals handed to the bridge by result",
		}, []string{"result"}),
		feed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Effects feed messages by result",
		}, []string{"result"}),
		peerRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_quanta_per_second",
			Help:      "Smoothed apex growth reported by a peer",
		}, []string{"peer"}),
		peerQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_queue_length",
			Help:      "Smoothed inbox length reported by a peer",
		}, []string{"peer"}),
	}

	for _, c := range []prometheus.Collector{
		m.apex, m.persistedApex, m.quanta, m.batchesSaved, m.batchQuanta,
		m.batchDuration, m.awaitingQueue, m.pendingQuanta, m.signatures,
		m.peersReady, m.reconnects, m.nodeState, m.outboxPublished,
		m.withdrawals, m.feed, m.peerRate, m.peerQueue,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

// Handler serves g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetApex(apex uint64) {
	if m == nil {
		return
	}
	m.apex.Set(float64(apex))
}

func (m *Metrics) Quantum(typ, status string) {
	if m == nil {
		return
	}
	m.quanta.WithLabelValues(typ, status).Inc()
}

// BatchSaved records one flush.
func (m *Metrics) BatchSaved(lastApex uint64, count int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.persistedApex.Set(float64(lastApex))
	m.batchesSaved.Inc()
	m.batchQuanta.Observe(float64(count))
	m.batchDuration.Observe(elapsed.Seconds())
}

// SetAwaiting is the backpressure load signal.
func (m *Metrics) SetAwaiting(batches, quanta int) {
	if m == nil {
		return
	}
	m.awaitingQueue.Set(float64(batches))
	m.pendingQuanta.Set(float64(quanta))
}

func (m *Metrics) Signature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPeersReady(n int) {
	if m == nil {
		return
	}
	m.peersReady.Set(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetState flips the node_state gauge from prev to next.
func (m *Metrics) SetState(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.nodeState.WithLabelValues(prev).Set(0)
	}
	m.nodeState.WithLabelValues(next).Set(1)
}

func (m *Metrics) OutboxPublished(ok bool) {
	if m == nil {
		return
	}
	result := "acked"
	if !ok {
		result = "failed"
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}

// Withdrawal counts bridge outcomes: submitted, retry or cleanup.
func (m *Metrics) Withdrawal(result string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(result).Inc()
}

// Feed counts feed messages: published, dropped or failed.
func (m *Metrics) Feed(result string, n int) {
	if m == nil {
		return
	}
	m.feed.WithLabelValues(result).Add(float64(n))
}

// SetPeerLoad publishes the smoothed heartbeat figures of one peer.
func (m *Metrics) SetPeerLoad(peer string, rate, queue float64) {
	if m == nil {
		return
	}
	m.peerRate.WithLabelValues(peer).Set(rate)
	m.peerQueue.WithLabelValues(peer).Set(queue)
}

// ForgetPeer drops the series of a disconnected peer.
func (m *Metrics) ForgetPeer(peer string) {
	if m == nil {
		return
	}
	m.peerRate.DeleteLabelValues(peer)
	m.peerQueue.DeleteLabelValues(peer)
}
