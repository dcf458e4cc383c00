// Package feed streams applied effects to analytics subscribers over
// Kafka. It only observes the pipeline and never blocks it.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"constellation/domain/effects"
	ckafka "constellation/infra/kafka"
	"constellation/infra/metrics"
	"constellation/service/pipeline"
)

// Producer is the kafka side of the feed.
type Producer interface {
	SendBatch(ctx context.Context, msgs []kafka.Message) error
}

type Config struct {
	Buffer    int
	BatchSize int
	Linger    time.Duration
}

func (c *Config) defaults() {
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Linger <= 0 {
		c.Linger = 100 * time.Millisecond
	}
}

// Record is one quantum worth of effects.
type Record struct {
	Apex      uint64  `json:"apex"`
	Type      string  `json:"type"`
	Timestamp int64   `json:"ts"`
	Groups    []Group `json:"groups"`
	Trades    []Trade `json:"trades,omitempty"`
}

type Group struct {
	Account uint64   `json:"account"`
	Effects []string `json:"effects"`
}

type Trade struct {
	Account uint64 `json:"account"`
	Order   uint64 `json:"order"`
	Asset   string `json:"asset"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Amount  int64  `json:"amount"`
	Quote   int64  `json:"quote"`
	Taker   bool   `json:"taker"`
}

/*
Feed buffers applied quanta in a bounded channel. When the buffer is full
records are dropped and counted; consensus never waits on analytics.
*/
type Feed struct {
	cfg      Config
	producer Producer
	logger   *zap.Logger
	metrics  *metrics.Metrics
	in       chan Record
}

func New(cfg Config, p Producer, logger *zap.Logger, m *metrics.Metrics) *Feed {
	cfg.defaults()
	return &Feed{
		cfg:      cfg,
		producer: p,
		logger:   logger.Named("feed"),
		metrics:  m,
		in:       make(chan Record, cfg.Buffer),
	}
}

// Observe is registered with the pipeline's applied hook.
func (f *Feed) Observe(a pipeline.Applied) {
	select {
	case f.in <- NewRecord(a):
	default:
		f.metrics.Feed("dropped", 1)
	}
}

func NewRecord(a pipeline.Applied) Record {
	q := a.Quantum
	r := Record{Apex: q.Apex, Timestamp: q.Timestamp, Type: "unknown"}
	if q.Envelope != nil && q.Envelope.Request != nil {
		r.Type = q.Envelope.Request.Type().String()
	}
	for _, g := range a.Groups {
		kinds := make([]string, 0, len(g.Effects))
		for _, e := range g.Effects {
			kinds = append(kinds, e.Kind().String())
			if t, ok := e.(*effects.Trade); ok {
				r.Trades = append(r.Trades, Trade{
					Account: t.AccountID,
					Order:   t.OrderID,
					Asset:   t.Asset,
					Side:    t.Side.String(),
					Price:   t.Price.String(),
					Amount:  t.AssetAmount,
					Quote:   t.QuoteAmount,
					Taker:   t.IsNewOrder,
				})
			}
		}
		r.Groups = append(r.Groups, Group{Account: g.Account, Effects: kinds})
	}
	return r
}

// Run publishes batches until ctx is done, then flushes what is buffered.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Linger)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, f.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := f.producer.SendBatch(ctx, batch); err != nil {
			f.metrics.Feed("failed", len(batch))
			f.logger.Warn("feed batch failed", zap.Int("records", len(batch)), zap.Error(err))
		} else {
			f.metrics.Feed("published", len(batch))
		}
		batch = batch[:0]
	}
	add := func(r Record) {
		v, err := json.Marshal(r)
		if err != nil {
			f.logger.Error("encode record", zap.Uint64("apex", r.Apex), zap.Error(err))
			return
		}
		batch = append(batch, kafka.Message{Key: ckafka.ApexKey(r.Apex), Value: v})
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-f.in:
					add(r)
				default:
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(shutdown)
					cancel()
					return nil
				}
			}
		case r := <-f.in:
			add(r)
			if len(batch) >= f.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
