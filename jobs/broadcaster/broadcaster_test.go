package broadcaster

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"constellation/domain/quantum"
	"constellation/infra/keys"
	"constellation/infra/storage"
)

func seed(t *testing.T, n int) *storage.Store {
	t.Helper()
	s, err := storage.Open("", storage.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	kp, err := keys.Generate()
	require.NoError(t, err)
	u := &storage.Update{Outbox: true}
	var prev quantum.Hash
	for apex := uint64(1); apex <= uint64(n); apex++ {
		q := &quantum.Quantum{
			Apex:      apex,
			PrevHash:  prev,
			Timestamp: int64(apex) * 1000,
			Envelope:  quantum.Seal(&quantum.WithdrawalCleanup{WithdrawalID: apex}, kp),
		}
		payload := q.Payload()
		u.Quanta = append(u.Quanta, &quantum.PersistentModel{Quantum: q, Signatures: []keys.Signature{kp.Sign(payload[:])}})
		prev = q.Hash()
	}
	require.NoError(t, s.Commit(u))
	return s
}

func states(t *testing.T, s *storage.Store, apexes ...uint64) []storage.OutboxState {
	t.Helper()
	out := make([]storage.OutboxState, 0, len(apexes))
	for _, a := range apexes {
		rec, err := s.Outbox(a)
		if errors.Is(err, storage.ErrNotFound) {
			out = append(out, storage.OutboxAcked)
			continue
		}
		require.NoError(t, err)
		out = append(out, rec.State)
	}
	return out
}

func TestPublishesAndPrunes(t *testing.T) {
	s := seed(t, 2)
	p := mocks.NewSyncProducer(t, nil)
	var events []Event
	check := func(m *sarama.ProducerMessage) error {
		b, err := m.Value.Encode()
		if err != nil {
			return err
		}
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	}
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)

	b := NewWithProducer(Config{Topic: "confirmations"}, s, p, zap.NewNop(), nil)
	require.NoError(t, b.replayOnce())
	require.NoError(t, b.Close())

	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Apex)
	require.Equal(t, "withdrawal_cleanup", events[0].Type)
	require.Equal(t, 1, events[0].Signatures)
	require.Equal(t, int64(2000), events[1].Timestamp)

	_, err := s.Outbox(1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetriesThenFails(t *testing.T) {
	s := seed(t, 1)
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	b := NewWithProducer(Config{Topic: "confirmations", MaxRetries: 2}, s, p, zap.NewNop(), nil)
	require.NoError(t, b.replayOnce())
	rec, err := s.Outbox(1)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxSent, rec.State)
	require.Equal(t, uint32(1), rec.Retries)

	require.NoError(t, b.replayOnce())
	require.Equal(t, []storage.OutboxState{storage.OutboxFailed}, states(t, s, 1))

	// failed records are left for an operator
	require.NoError(t, b.replayOnce())
	require.NoError(t, b.Close())
}

func TestSentRecordsResumeAfterCrash(t *testing.T) {
	s := seed(t, 3)
	require.NoError(t, s.MarkOutbox(2, storage.OutboxSent, 0))
	require.NoError(t, s.MarkOutbox(3, storage.OutboxAcked, 0))

	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndSucceed()
	b := NewWithProducer(Config{Topic: "confirmations"}, s, p, zap.NewNop(), nil)
	require.NoError(t, b.replayOnce())
	require.NoError(t, b.Close())

	require.Equal(t, []storage.OutboxState{storage.OutboxAcked, storage.OutboxAcked, storage.OutboxAcked}, states(t, s, 1, 2, 3))
}
