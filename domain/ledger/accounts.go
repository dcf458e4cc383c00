package ledger

import (
	"sort"

	"github.com/cockroachdb/errors"

	"constellation/infra/keys"
)

var (
	ErrAccountExists   = errors.New("ledger: account already exists")
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// AccountStorage indexes accounts by id and public key.
type AccountStorage struct {
	byID  map[uint64]*Account
	byKey map[keys.PublicKey]*Account
	last  uint64
}

func NewAccountStorage() *AccountStorage {
	return &AccountStorage{
		byID:  make(map[uint64]*Account),
		byKey: make(map[keys.PublicKey]*Account),
	}
}

func (s *AccountStorage) Add(a *Account) error {
	if _, ok := s.byID[a.ID]; ok {
		return errors.Wrapf(ErrAccountExists, "id %d", a.ID)
	}
	if _, ok := s.byKey[a.PubKey]; ok {
		return errors.Wrapf(ErrAccountExists, "key %s", a.PubKey)
	}
	s.byID[a.ID] = a
	s.byKey[a.PubKey] = a
	if a.ID > s.last {
		s.last = a.ID
	}
	return nil
}

// Remove drops the account. The id counter is rewound when the newest
// account is removed so a reverted creation hands out the same id again.
func (s *AccountStorage) Remove(id uint64) (*Account, bool) {
	a, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)
	delete(s.byKey, a.PubKey)
	if id == s.last {
		s.last = 0
		for other := range s.byID {
			if other > s.last {
				s.last = other
			}
		}
	}
	return a, true
}

func (s *AccountStorage) Get(id uint64) (*Account, bool) {
	a, ok := s.byID[id]
	return a, ok
}

func (s *AccountStorage) GetByKey(pk keys.PublicKey) (*Account, bool) {
	a, ok := s.byKey[pk]
	return a, ok
}

// NextID is the id the next created account receives.
func (s *AccountStorage) NextID() uint64 {
	return s.last + 1
}

func (s *AccountStorage) Len() int {
	return len(s.byID)
}

// All returns accounts ordered by id.
func (s *AccountStorage) All() []*Account {
	out := make([]*Account, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
