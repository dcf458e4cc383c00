package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"constellation/domain/effects"
	"constellation/domain/orderbook"
	"constellation/domain/quantum"
	ckafka "constellation/infra/kafka"
	"constellation/infra/keys"
	"constellation/service/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) records(t *testing.T) []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, 0, len(w.msgs))
	for _, m := range w.msgs {
		var r Record
		require.NoError(t, json.Unmarshal(m.Value, &r))
		out = append(out, r)
	}
	return out
}

func applied(t *testing.T, apex uint64) pipeline.Applied {
	kp, err := keys.Generate()
	require.NoError(t, err)
	return pipeline.Applied{
		Quantum: &quantum.Quantum{
			Apex:      apex,
			Timestamp: int64(apex) * 1000,
			Envelope:  quantum.Seal(&quantum.Order{Asset: "BTC", Side: orderbook.Buy, Price: decimal.RequireFromString("10"), Amount: 2}, kp),
		},
		Groups: []*effects.EffectsGroup{{
			Account: 1,
			Effects: []effects.Effect{
				&effects.NonceUpdate{AccountID: 1, Nonce: 1},
				&effects.Trade{AccountID: 1, OrderID: apex, Asset: "BTC", Side: orderbook.Buy, Price: decimal.RequireFromString("10"), AssetAmount: 2, QuoteAmount: 20, IsNewOrder: true},
			},
		}},
	}
}

func TestRecordCarriesTrades(t *testing.T) {
	r := NewRecord(applied(t, 4))
	require.Equal(t, uint64(4), r.Apex)
	require.Equal(t, "order", r.Type)
	require.Equal(t, []string{"nonce_update", "trade"}, r.Groups[0].Effects)
	require.Len(t, r.Trades, 1)
	require.Equal(t, "10", r.Trades[0].Price)
	require.Equal(t, int64(20), r.Trades[0].Quote)
	require.True(t, r.Trades[0].Taker)
}

func TestPublishesInApexOrder(t *testing.T) {
	w := &memWriter{}
	f := New(Config{BatchSize: 2, Linger: 10 * time.Millisecond}, ckafka.NewProducerWithWriter(w), zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	for apex := uint64(1); apex <= 3; apex++ {
		f.Observe(applied(t, apex))
	}
	require.Eventually(t, func() bool { return len(w.records(t)) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs := w.records(t)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Apex)
	}
	w.mu.Lock()
	require.Equal(t, ckafka.ApexKey(2), w.msgs[1].Key)
	w.mu.Unlock()
}

func TestFullBufferDrops(t *testing.T) {
	w := &memWriter{}
	f := New(Config{Buffer: 1}, ckafka.NewProducerWithWriter(w), zap.NewNop(), nil)
	f.Observe(applied(t, 1))
	f.Observe(applied(t, 2))
	require.Len(t, f.in, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))
	recs := w.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(1), recs[0].Apex)
}
