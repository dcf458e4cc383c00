// Package storage is the durable layout of the constellation on pebble.
package storage

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/compress/zstd"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/domain/status"
	"constellation/infra/codec"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrCorrupt  = errors.New("storage: corrupt record")
)

type options struct {
	fs vfs.FS
}

type Option func(*options)

// WithFS runs pebble on fs, vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

type Store struct {
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func Open(dir string, opts ...Option) (*Store, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := pebble.Open(dir, &pebble.Options{FS: o.fs})
	if err != nil {
		return nil, status.Storage(errors.Wrap(err, "open pebble"))
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// -------------------- Update --------------------

// Update is one write-ahead unit: a contiguous run of finalized quanta and
// the state they leave behind. It is committed as a single pebble batch.
type Update struct {
	Quanta      []*quantum.PersistentModel
	Accounts    []*ledger.Account
	Withdrawals []*ledger.Withdrawal
	Removed     []uint64 // withdrawal ids
	Settings    []*settings.Settings
	Cursor      *string

	// Outbox queues a confirmation record for every quantum.
	Outbox bool
}

// LastApex is the apex of the newest quantum in u, zero when empty.
func (u *Update) LastApex() uint64 {
	if len(u.Quanta) == 0 {
		return 0
	}
	return u.Quanta[len(u.Quanta)-1].Quantum.Apex
}

// Commit writes u atomically and durably. Pending records up to the last
// apex are dropped in the same batch.
func (s *Store) Commit(u *Update) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, m := range u.Quanta {
		apex := m.Quantum.Apex
		if err := b.Set(key(prefixQuantum, apex), codec.Marshal(m), nil); err != nil {
			return status.Storage(err)
		}
		for _, acc := range m.Accounts() {
			if err := b.Set(key(prefixIndex, acc, apex), nil, nil); err != nil {
				return status.Storage(err)
			}
		}
		if u.Outbox {
			if err := b.Set(key(prefixOutbox, apex), encodeOutbox(OutboxRecord{State: OutboxNew}), nil); err != nil {
				return status.Storage(err)
			}
		}
	}
	for _, a := range u.Accounts {
		if err := b.Set(key(prefixAccount, a.ID), s.enc.EncodeAll(codec.Marshal(a), nil), nil); err != nil {
			return status.Storage(err)
		}
	}
	for _, w := range u.Withdrawals {
		if err := b.Set(key(prefixWithdrawal, w.ID), codec.Marshal(w), nil); err != nil {
			return status.Storage(err)
		}
	}
	for _, id := range u.Removed {
		if err := b.Delete(key(prefixWithdrawal, id), nil); err != nil {
			return status.Storage(err)
		}
	}
	for _, st := range u.Settings {
		if err := b.Set(key(prefixSettings, st.Apex), codec.Marshal(st), nil); err != nil {
			return status.Storage(err)
		}
	}
	if u.Cursor != nil {
		if err := b.Set(keyCursor, []byte(*u.Cursor), nil); err != nil {
			return status.Storage(err)
		}
	}

	if n := len(u.Quanta); n > 0 {
		last := u.Quanta[n-1].Quantum
		if err := b.Set(keyLast, encodeLast(last.Apex, last.Hash()), nil); err != nil {
			return status.Storage(err)
		}
		if err := b.DeleteRange(key(prefixPending, 0), key(prefixPending, last.Apex+1), nil); err != nil {
			return status.Storage(err)
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return status.Storage(errors.Wrap(err, "commit batch"))
	}
	return nil
}

// -------------------- Reads --------------------

// LastApex returns the last persisted apex and its quantum hash. A fresh
// store returns zero values.
func (s *Store) LastApex() (uint64, quantum.Hash, error) {
	v, err := s.get(keyLast)
	if errors.Is(err, ErrNotFound) {
		return 0, quantum.Hash{}, nil
	}
	if err != nil {
		return 0, quantum.Hash{}, err
	}
	if len(v) != 8+32 {
		return 0, quantum.Hash{}, errors.Wrap(ErrCorrupt, "last apex")
	}
	var h quantum.Hash
	copy(h[:], v[8:])
	return binary.BigEndian.Uint64(v), h, nil
}

func (s *Store) Quantum(apex uint64) (*quantum.PersistentModel, error) {
	v, err := s.get(key(prefixQuantum, apex))
	if err != nil {
		return nil, errors.Wrapf(err, "apex %d", apex)
	}
	return quantum.DecodePersistentModel(v)
}

// Quanta returns up to limit persisted quanta starting at from.
func (s *Store) Quanta(from uint64, limit int) ([]*quantum.PersistentModel, error) {
	var out []*quantum.PersistentModel
	err := s.scan(key(prefixQuantum, from), upper(prefixQuantum), func(_, v []byte) (bool, error) {
		m, err := quantum.DecodePersistentModel(v)
		if err != nil {
			return false, err
		}
		out = append(out, m)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// AccountQuanta returns apexes of quanta that touched account, ascending,
// starting at from.
func (s *Store) AccountQuanta(account, from uint64, limit int) ([]uint64, error) {
	var out []uint64
	err := s.scan(key(prefixIndex, account, from), key(prefixIndex, account+1), func(k, _ []byte) (bool, error) {
		out = append(out, tail(k, prefixIndex, 1))
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// SettingsAt returns the settings version in force at apex.
func (s *Store) SettingsAt(apex uint64) (*settings.Settings, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixSettings,
		UpperBound: key(prefixSettings, apex+1),
	})
	if err != nil {
		return nil, status.Storage(err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, status.Storage(err)
		}
		return nil, errors.Wrapf(ErrNotFound, "settings at %d", apex)
	}
	st := &settings.Settings{}
	if err := codec.Unmarshal(iter.Value(), st); err != nil {
		return nil, errors.Mark(err, ErrCorrupt)
	}
	return st, nil
}

func (s *Store) Account(id uint64) (*ledger.Account, error) {
	v, err := s.get(key(prefixAccount, id))
	if err != nil {
		return nil, errors.Wrapf(err, "account %d", id)
	}
	return s.decodeAccount(v)
}

// LoadState rebuilds the ledger from the persisted snapshot. It returns
// ErrNotFound when the constellation was never initialized.
func (s *Store) LoadState() (*ledger.State, error) {
	apex, _, err := s.LastApex()
	if err != nil {
		return nil, err
	}
	if apex == 0 {
		return nil, ErrNotFound
	}
	st, err := s.SettingsAt(apex)
	if err != nil {
		return nil, err
	}

	var accounts []*ledger.Account
	err = s.scan(prefixAccount, upper(prefixAccount), func(_, v []byte) (bool, error) {
		a, err := s.decodeAccount(v)
		if err != nil {
			return false, err
		}
		accounts = append(accounts, a)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var withdrawals []*ledger.Withdrawal
	err = s.scan(prefixWithdrawal, upper(prefixWithdrawal), func(_, v []byte) (bool, error) {
		w := &ledger.Withdrawal{}
		if err := codec.Unmarshal(v, w); err != nil {
			return false, errors.Mark(err, ErrCorrupt)
		}
		withdrawals = append(withdrawals, w)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	cursor, err := s.get(keyCursor)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return ledger.Restore(st, accounts, withdrawals, string(cursor))
}

// -------------------- Pending --------------------

// PutPending stores quanta that were applied but not yet finalized, so a
// restart can resubmit them for signatures.
func (s *Store) PutPending(models []*quantum.PersistentModel) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range models {
		if err := b.Set(key(prefixPending, m.Quantum.Apex), codec.Marshal(m), nil); err != nil {
			return status.Storage(err)
		}
	}
	return status.Storage(b.Commit(pebble.Sync))
}

// Pending returns pending quanta above the last persisted apex in order.
func (s *Store) Pending() ([]*quantum.PersistentModel, error) {
	last, _, err := s.LastApex()
	if err != nil {
		return nil, err
	}
	var out []*quantum.PersistentModel
	err = s.scan(key(prefixPending, last+1), upper(prefixPending), func(_, v []byte) (bool, error) {
		m, err := quantum.DecodePersistentModel(v)
		if err != nil {
			return false, err
		}
		out = append(out, m)
		return true, nil
	})
	return out, err
}

// -------------------- Helpers --------------------

func (s *Store) decodeAccount(v []byte) (*ledger.Account, error) {
	raw, err := s.dec.DecodeAll(v, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decompress account"), ErrCorrupt)
	}
	return ledger.DecodeAccount(raw)
}

func (s *Store) get(k []byte) ([]byte, error) {
	v, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, status.Storage(err)
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// scan visits [lower, upper) until fn returns false.
func (s *Store) scan(lower, upper []byte, fn func(k, v []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return status.Storage(err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return status.Storage(iter.Error())
}

func encodeLast(apex uint64, h quantum.Hash) []byte {
	buf := make([]byte, 8, 8+32)
	binary.BigEndian.PutUint64(buf, apex)
	return append(buf, h[:]...)
}
