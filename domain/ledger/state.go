package ledger

import (
	"crypto/sha256"
	"sort"

	"github.com/cockroachdb/errors"

	"constellation/domain/orderbook"
	"constellation/domain/settings"
	"constellation/infra/codec"
)

var ErrBrokenInvariant = errors.New("ledger: balance invariant violated")

// State is everything quanta mutate. It is owned by the quantum pipeline;
// other components only read copies handed out by it.
type State struct {
	Settings    *settings.Settings
	Accounts    *AccountStorage
	Exchange    *orderbook.Exchange
	Withdrawals map[uint64]*Withdrawal

	// Cursor is the bridge position up to which deposits are committed.
	Cursor string
}

func NewState() *State {
	return &State{
		Accounts:    NewAccountStorage(),
		Exchange:    orderbook.NewExchange(),
		Withdrawals: make(map[uint64]*Withdrawal),
	}
}

// Restore rebuilds a state from persisted accounts. Books are refilled from
// the orders each account owns, inserted in id order so equal prices keep
// their original time priority.
func Restore(st *settings.Settings, accounts []*Account, withdrawals []*Withdrawal, cursor string) (*State, error) {
	s := NewState()
	s.Settings = st
	s.Cursor = cursor

	var orders []*orderbook.Order
	for _, a := range accounts {
		if err := s.Accounts.Add(a); err != nil {
			return nil, err
		}
		for _, o := range a.Orders {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	for _, o := range orders {
		if err := s.Exchange.Place(o); err != nil {
			return nil, errors.Wrapf(err, "restore order %d", o.ID)
		}
	}
	for _, w := range withdrawals {
		s.Withdrawals[w.ID] = w
	}
	return s, s.Check()
}

// Check verifies amount >= liabilities >= 0 for every balance.
func (s *State) Check() error {
	for _, a := range s.Accounts.All() {
		for _, b := range a.Balances {
			if !b.Valid() {
				return errors.Wrapf(ErrBrokenInvariant, "account %d asset %s amount %d liabilities %d",
					a.ID, b.Asset, b.Amount, b.Liabilities)
			}
		}
	}
	return nil
}

// SortedWithdrawals returns pending withdrawals by id.
func (s *State) SortedWithdrawals() []*Withdrawal {
	out := make([]*Withdrawal, 0, len(s.Withdrawals))
	for _, w := range s.Withdrawals {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest hashes the canonical encoding of the whole state, including the
// order of every book chain. Two nodes that applied the same quanta agree
// on it.
func (s *State) Digest() [32]byte {
	e := codec.NewEncoder()
	if s.Settings != nil {
		e.PutMessage(1, s.Settings)
	}
	for _, a := range s.Accounts.All() {
		e.PutMessage(2, a)
	}
	for _, b := range s.Exchange.Books() {
		if b.Len() == 0 {
			continue
		}
		e.PutString(3, b.Asset).PutUint64(4, uint64(b.Side)+1)
		for _, o := range b.Orders() {
			e.PutUint64(5, o.ID)
		}
	}
	for _, w := range s.SortedWithdrawals() {
		e.PutMessage(6, w)
	}
	e.PutString(7, s.Cursor)
	return sha256.Sum256(e.Bytes())
}
