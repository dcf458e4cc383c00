// Package effects is the closed set of ledger mutations a quantum produces.
//
// Every effect owns exactly one mutation and its inverse. Effects are
// persisted with their quantum and replayed on rebuild, so the decoder must
// know every kind that was ever produced; kinds are never reused.
package effects

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/infra/codec"
)

var (
	ErrUnknownKind      = errors.New("effects: unknown effect kind")
	ErrAccountMissing   = errors.New("effects: account not found")
	ErrBalanceMissing   = errors.New("effects: balance not found")
	ErrOrderMissing     = errors.New("effects: order not found")
	ErrWithdrawalExists = errors.New("effects: withdrawal already exists")
	ErrInconsistent     = errors.New("effects: state does not match effect")
)

type Kind uint8

const (
	KindAccountCreate Kind = iota + 1
	KindBalanceCreate
	KindBalanceUpdate
	KindUpdateLiabilities
	KindNonceUpdate
	KindOrderPlaced
	KindOrderRemoved
	KindTrade
	KindWithdrawalCreate
	KindWithdrawalRemove
	KindCursorUpdate
	KindConstellationUpdate
	KindRequestRateUpdate

	kindEnd
)

func (k Kind) String() string {
	switch k {
	case KindAccountCreate:
		return "account_create"
	case KindBalanceCreate:
		return "balance_create"
	case KindBalanceUpdate:
		return "balance_update"
	case KindUpdateLiabilities:
		return "update_liabilities"
	case KindNonceUpdate:
		return "nonce_update"
	case KindOrderPlaced:
		return "order_placed"
	case KindOrderRemoved:
		return "order_removed"
	case KindTrade:
		return "trade"
	case KindWithdrawalCreate:
		return "withdrawal_create"
	case KindWithdrawalRemove:
		return "withdrawal_remove"
	case KindCursorUpdate:
		return "cursor_update"
	case KindConstellationUpdate:
		return "constellation_update"
	case KindRequestRateUpdate:
		return "request_rate_update"
	default:
		return "unknown"
	}
}

// Effect is sealed: only this package defines implementations.
type Effect interface {
	codec.Message
	codec.Unmarshaler

	Kind() Kind

	// Account is the account the effect belongs to, zero for
	// constellation level effects.
	Account() uint64

	apply(s *ledger.State) error
	revert(s *ledger.State) error
}

// Apply commits e to s.
func Apply(s *ledger.State, e Effect) error {
	if err := e.apply(s); err != nil {
		return errors.Wrapf(err, "apply %s", e.Kind())
	}
	return nil
}

// Revert undoes e. Effects must be reverted newest first.
func Revert(s *ledger.State, e Effect) error {
	if err := e.revert(s); err != nil {
		return errors.Wrapf(err, "revert %s", e.Kind())
	}
	return nil
}

// Replay applies a historical effect log in order.
func Replay(s *ledger.State, log []Effect) error {
	for _, e := range log {
		if err := Apply(s, e); err != nil {
			return err
		}
	}
	return nil
}

// RevertAll undoes log newest first.
func RevertAll(s *ledger.State, log []Effect) error {
	for i := len(log) - 1; i >= 0; i-- {
		if err := Revert(s, log[i]); err != nil {
			return err
		}
	}
	return nil
}

// -------------------- Encoding --------------------

func newEffect(k Kind) (Effect, error) {
	switch k {
	case KindAccountCreate:
		return &AccountCreate{}, nil
	case KindBalanceCreate:
		return &BalanceCreate{}, nil
	case KindBalanceUpdate:
		return &BalanceUpdate{}, nil
	case KindUpdateLiabilities:
		return &UpdateLiabilities{}, nil
	case KindNonceUpdate:
		return &NonceUpdate{}, nil
	case KindOrderPlaced:
		return &OrderPlaced{}, nil
	case KindOrderRemoved:
		return &OrderRemoved{}, nil
	case KindTrade:
		return &Trade{}, nil
	case KindWithdrawalCreate:
		return &WithdrawalCreate{}, nil
	case KindWithdrawalRemove:
		return &WithdrawalRemove{}, nil
	case KindCursorUpdate:
		return &CursorUpdate{}, nil
	case KindConstellationUpdate:
		return &ConstellationUpdate{}, nil
	case KindRequestRateUpdate:
		return &RequestRateUpdate{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", k)
	}
}

// Encode writes the kind tag followed by the effect body.
func Encode(e Effect) []byte {
	enc := codec.NewEncoder()
	encodeTo(enc, e)
	return enc.Bytes()
}

func encodeTo(enc *codec.Encoder, e Effect) {
	enc.PutUint64(1, uint64(e.Kind())).PutMessage(2, e)
}

// Decode parses an effect written by Encode.
func Decode(b []byte) (Effect, error) {
	var (
		kind Kind
		body []byte
	)
	err := codec.Decode(b, func(f codec.Field) error {
		switch f.Num {
		case 1:
			kind = Kind(f.Uint64())
		case 2:
			body = f.Raw()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e, err := newEffect(kind)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(body, e); err != nil {
		return nil, errors.Wrapf(err, "decode %s", kind)
	}
	return e, nil
}
