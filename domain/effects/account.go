package effects

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

func account(s *ledger.State, id uint64) (*ledger.Account, error) {
	a, ok := s.Accounts.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrAccountMissing, "id %d", id)
	}
	return a, nil
}

func balance(s *ledger.State, id uint64, asset string) (*ledger.Balance, error) {
	a, err := account(s, id)
	if err != nil {
		return nil, err
	}
	b, ok := a.Balance(asset)
	if !ok {
		return nil, errors.Wrapf(ErrBalanceMissing, "account %d asset %s", id, asset)
	}
	return b, nil
}

// -------------------- AccountCreate --------------------

type AccountCreate struct {
	AccountID uint64
	PubKey    keys.PublicKey
}

func (e *AccountCreate) Kind() Kind      { return KindAccountCreate }
func (e *AccountCreate) Account() uint64 { return e.AccountID }

func (e *AccountCreate) apply(s *ledger.State) error {
	return s.Accounts.Add(ledger.NewAccount(e.AccountID, e.PubKey))
}

func (e *AccountCreate) revert(s *ledger.State) error {
	if _, ok := s.Accounts.Remove(e.AccountID); !ok {
		return errors.Wrapf(ErrAccountMissing, "id %d", e.AccountID)
	}
	return nil
}

func (e *AccountCreate) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutBytes(2, e.PubKey[:])
}

func (e *AccountCreate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		e.PubKey = pk
	}
	return nil
}

// -------------------- BalanceCreate --------------------

type BalanceCreate struct {
	AccountID uint64
	Asset     string
}

func (e *BalanceCreate) Kind() Kind      { return KindBalanceCreate }
func (e *BalanceCreate) Account() uint64 { return e.AccountID }

func (e *BalanceCreate) apply(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	if _, ok := a.Balances[e.Asset]; ok {
		return errors.Wrapf(ErrInconsistent, "balance %s exists", e.Asset)
	}
	a.Balances[e.Asset] = &ledger.Balance{Asset: e.Asset}
	return nil
}

func (e *BalanceCreate) revert(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	delete(a.Balances, e.Asset)
	return nil
}

func (e *BalanceCreate) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutString(2, e.Asset)
}

func (e *BalanceCreate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.Asset = f.String()
	}
	return nil
}

// -------------------- BalanceUpdate --------------------

// BalanceUpdate adds a signed delta to Balance.Amount.
type BalanceUpdate struct {
	AccountID uint64
	Asset     string
	Delta     int64
}

func (e *BalanceUpdate) Kind() Kind      { return KindBalanceUpdate }
func (e *BalanceUpdate) Account() uint64 { return e.AccountID }

func (e *BalanceUpdate) apply(s *ledger.State) error {
	b, err := balance(s, e.AccountID, e.Asset)
	if err != nil {
		return err
	}
	b.Amount += e.Delta
	return nil
}

func (e *BalanceUpdate) revert(s *ledger.State) error {
	b, err := balance(s, e.AccountID, e.Asset)
	if err != nil {
		return err
	}
	b.Amount -= e.Delta
	return nil
}

func (e *BalanceUpdate) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutString(2, e.Asset).PutInt64(3, e.Delta)
}

func (e *BalanceUpdate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.Asset = f.String()
	case 3:
		e.Delta = f.Int64()
	}
	return nil
}

// -------------------- UpdateLiabilities --------------------

// UpdateLiabilities adds a signed delta to Balance.Liabilities.
type UpdateLiabilities struct {
	AccountID uint64
	Asset     string
	Delta     int64
}

func (e *UpdateLiabilities) Kind() Kind      { return KindUpdateLiabilities }
func (e *UpdateLiabilities) Account() uint64 { return e.AccountID }

func (e *UpdateLiabilities) apply(s *ledger.State) error {
	b, err := balance(s, e.AccountID, e.Asset)
	if err != nil {
		return err
	}
	b.Liabilities += e.Delta
	return nil
}

func (e *UpdateLiabilities) revert(s *ledger.State) error {
	b, err := balance(s, e.AccountID, e.Asset)
	if err != nil {
		return err
	}
	b.Liabilities -= e.Delta
	return nil
}

func (e *UpdateLiabilities) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutString(2, e.Asset).PutInt64(3, e.Delta)
}

func (e *UpdateLiabilities) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.Asset = f.String()
	case 3:
		e.Delta = f.Int64()
	}
	return nil
}

// -------------------- NonceUpdate --------------------

type NonceUpdate struct {
	AccountID uint64
	Nonce     uint64
	Prev      uint64
}

func (e *NonceUpdate) Kind() Kind      { return KindNonceUpdate }
func (e *NonceUpdate) Account() uint64 { return e.AccountID }

func (e *NonceUpdate) apply(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	if a.Nonce != e.Prev {
		return errors.Wrapf(ErrInconsistent, "nonce %d, effect expects %d", a.Nonce, e.Prev)
	}
	a.Nonce = e.Nonce
	return nil
}

func (e *NonceUpdate) revert(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	a.Nonce = e.Prev
	return nil
}

func (e *NonceUpdate) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).PutUint64(2, e.Nonce).PutUint64(3, e.Prev)
}

func (e *NonceUpdate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.Nonce = f.Uint64()
	case 3:
		e.Prev = f.Uint64()
	}
	return nil
}

// -------------------- RequestRateUpdate --------------------

type RequestRateUpdate struct {
	AccountID uint64
	Counter   ledger.RequestCounter
	Prev      ledger.RequestCounter
}

func (e *RequestRateUpdate) Kind() Kind      { return KindRequestRateUpdate }
func (e *RequestRateUpdate) Account() uint64 { return e.AccountID }

func (e *RequestRateUpdate) apply(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	a.Requests = e.Counter
	return nil
}

func (e *RequestRateUpdate) revert(s *ledger.State) error {
	a, err := account(s, e.AccountID)
	if err != nil {
		return err
	}
	a.Requests = e.Prev
	return nil
}

func (e *RequestRateUpdate) EncodeTo(enc *codec.Encoder) {
	enc.PutUint64(1, e.AccountID).
		PutInt64(2, e.Counter.Window).PutUint64(3, uint64(e.Counter.Count)).
		PutInt64(4, e.Prev.Window).PutUint64(5, uint64(e.Prev.Count))
}

func (e *RequestRateUpdate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.AccountID = f.Uint64()
	case 2:
		e.Counter.Window = f.Int64()
	case 3:
		e.Counter.Count = uint32(f.Uint64())
	case 4:
		e.Prev.Window = f.Int64()
	case 5:
		e.Prev.Count = uint32(f.Uint64())
	}
	return nil
}
