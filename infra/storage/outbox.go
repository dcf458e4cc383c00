package storage

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"constellation/domain/status"
)

// -------------------- State --------------------

type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxSent
	OutboxAcked
	OutboxFailed
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSent:
		return "SENT"
	case OutboxAcked:
		return "ACKED"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// OutboxRecord tracks delivery of one finalized quantum confirmation.
type OutboxRecord struct {
	State       OutboxState
	Retries     uint32
	LastAttempt int64
}

// binary encoding: [state:1][retries:4][lastAttempt:8]
func encodeOutbox(r OutboxRecord) []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	return buf
}

func decodeOutbox(b []byte) (OutboxRecord, error) {
	if len(b) != 13 {
		return OutboxRecord{}, errors.Wrap(ErrCorrupt, "outbox record length")
	}
	return OutboxRecord{
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}, nil
}

// -------------------- API --------------------

// MarkOutbox updates the record after send / ack / failure.
func (s *Store) MarkOutbox(apex uint64, state OutboxState, retries uint32) error {
	rec := OutboxRecord{
		State:       state,
		Retries:     retries,
		LastAttempt: time.Now().UnixNano(),
	}
	return status.Storage(s.db.Set(key(prefixOutbox, apex), encodeOutbox(rec), pebble.Sync))
}

// DeleteOutbox removes an ACKED record.
func (s *Store) DeleteOutbox(apex uint64) error {
	return status.Storage(s.db.Delete(key(prefixOutbox, apex), pebble.Sync))
}

func (s *Store) Outbox(apex uint64) (OutboxRecord, error) {
	v, err := s.get(key(prefixOutbox, apex))
	if err != nil {
		return OutboxRecord{}, err
	}
	return decodeOutbox(v)
}

// ScanOutbox visits records in state by ascending apex.
func (s *Store) ScanOutbox(state OutboxState, fn func(apex uint64, rec OutboxRecord) error) error {
	return s.scan(prefixOutbox, upper(prefixOutbox), func(k, v []byte) (bool, error) {
		rec, err := decodeOutbox(v)
		if err != nil {
			return false, err
		}
		if rec.State != state {
			return true, nil
		}
		if err := fn(tail(k, prefixOutbox, 0), rec); err != nil {
			return false, err
		}
		return true, nil
	})
}
