// Package broadcaster publishes confirmations of persisted quanta from the
// storage outbox to Kafka.
package broadcaster

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"constellation/domain/quantum"
	"constellation/infra/metrics"
	"constellation/infra/storage"
)

// Store is the outbox side of the node store.
type Store interface {
	ScanOutbox(state storage.OutboxState, fn func(apex uint64, rec storage.OutboxRecord) error) error
	MarkOutbox(apex uint64, state storage.OutboxState, retries uint32) error
	DeleteOutbox(apex uint64) error
	Quantum(apex uint64) (*quantum.PersistentModel, error)
}

type Config struct {
	Brokers    []string
	Topic      string
	Interval   time.Duration
	MaxRetries uint32
	MaxBatch   int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
}

type Broadcaster struct {
	cfg      Config
	store    Store
	producer sarama.SyncProducer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Event is the confirmation payload.
type Event struct {
	V          int    `json:"v"`
	Type       string `json:"type"`
	Apex       uint64 `json:"apex"`
	Hash       string `json:"hash"`
	Timestamp  int64  `json:"ts"`
	Signatures int    `json:"signatures"`
}

// -------------------- Constructor --------------------

func New(cfg Config, store Store, logger *zap.Logger, m *metrics.Metrics) (*Broadcaster, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return NewWithProducer(cfg, store, producer, logger, m), nil
}

func NewWithProducer(cfg Config, store Store, p sarama.SyncProducer, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	cfg.defaults()
	return &Broadcaster{
		cfg:      cfg,
		store:    store,
		producer: p,
		logger:   logger.Named("broadcaster"),
		metrics:  m,
	}
}

// -------------------- Loop --------------------

func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("started", zap.String("topic", b.cfg.Topic))
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.replayOnce(); err != nil {
				b.logger.Warn("outbox pass failed", zap.Error(err))
			}
		}
	}
}

type pending struct {
	apex uint64
	rec  storage.OutboxRecord
}

// replayOnce delivers NEW records and SENT records left over from a
// crash, then drops acknowledged ones.
func (b *Broadcaster) replayOnce() error {
	var todo []pending
	for _, st := range []storage.OutboxState{storage.OutboxSent, storage.OutboxNew} {
		err := b.store.ScanOutbox(st, func(apex uint64, rec storage.OutboxRecord) error {
			if len(todo) >= b.cfg.MaxBatch {
				return errStop
			}
			todo = append(todo, pending{apex, rec})
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			return err
		}
	}

	for _, p := range todo {
		if err := b.deliver(p.apex, p.rec); err != nil {
			return err
		}
	}
	return b.prune()
}

var errStop = errors.New("stop scan")

func (b *Broadcaster) deliver(apex uint64, rec storage.OutboxRecord) error {
	if err := b.store.MarkOutbox(apex, storage.OutboxSent, rec.Retries); err != nil {
		return err
	}
	payload, err := b.event(apex)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(apex, 10)),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.metrics.OutboxPublished(false)
		retries := rec.Retries + 1
		state := storage.OutboxSent
		if retries >= b.cfg.MaxRetries {
			state = storage.OutboxFailed
			b.logger.Error("confirmation dropped", zap.Uint64("apex", apex), zap.Uint32("retries", retries), zap.Error(err))
		}
		return b.store.MarkOutbox(apex, state, retries)
	}
	b.metrics.OutboxPublished(true)
	return b.store.MarkOutbox(apex, storage.OutboxAcked, rec.Retries)
}

func (b *Broadcaster) event(apex uint64) ([]byte, error) {
	m, err := b.store.Quantum(apex)
	if err != nil {
		return nil, err
	}
	q := m.Quantum
	h := q.Hash()
	typ := "unknown"
	if q.Envelope != nil && q.Envelope.Request != nil {
		typ = q.Envelope.Request.Type().String()
	}
	return json.Marshal(Event{
		V:          1,
		Type:       typ,
		Apex:       apex,
		Hash:       base58.Encode(h[:]),
		Timestamp:  q.Timestamp,
		Signatures: len(m.Signatures),
	})
}

func (b *Broadcaster) prune() error {
	var acked []uint64
	if err := b.store.ScanOutbox(storage.OutboxAcked, func(apex uint64, _ storage.OutboxRecord) error {
		acked = append(acked, apex)
		return nil
	}); err != nil {
		return err
	}
	for _, apex := range acked {
		if err := b.store.DeleteOutbox(apex); err != nil {
			return err
		}
	}
	return nil
}

// -------------------- Shutdown --------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
