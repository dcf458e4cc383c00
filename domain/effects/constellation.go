package effects

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/domain/settings"
	"constellation/infra/codec"
)

// -------------------- WithdrawalCreate --------------------

type WithdrawalCreate struct {
	Withdrawal ledger.Withdrawal
}

func (e *WithdrawalCreate) Kind() Kind      { return KindWithdrawalCreate }
func (e *WithdrawalCreate) Account() uint64 { return e.Withdrawal.AccountID }

func (e *WithdrawalCreate) apply(s *ledger.State) error {
	if _, ok := s.Withdrawals[e.Withdrawal.ID]; ok {
		return errors.Wrapf(ErrWithdrawalExists, "id %d", e.Withdrawal.ID)
	}
	s.Withdrawals[e.Withdrawal.ID] = e.Withdrawal.Clone()
	return nil
}

func (e *WithdrawalCreate) revert(s *ledger.State) error {
	delete(s.Withdrawals, e.Withdrawal.ID)
	return nil
}

func (e *WithdrawalCreate) EncodeTo(enc *codec.Encoder) {
	enc.PutMessage(1, &e.Withdrawal)
}

func (e *WithdrawalCreate) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		return codec.Unmarshal(f.Raw(), &e.Withdrawal)
	}
	return nil
}

// -------------------- WithdrawalRemove --------------------

// WithdrawalRemove drops a pending withdrawal, either because the bridge
// settled it or because it was cleaned up and its funds released.
type WithdrawalRemove struct {
	Withdrawal ledger.Withdrawal
}

func (e *WithdrawalRemove) Kind() Kind      { return KindWithdrawalRemove }
func (e *WithdrawalRemove) Account() uint64 { return e.Withdrawal.AccountID }

func (e *WithdrawalRemove) apply(s *ledger.State) error {
	if _, ok := s.Withdrawals[e.Withdrawal.ID]; !ok {
		return errors.Wrapf(ErrInconsistent, "withdrawal %d not found", e.Withdrawal.ID)
	}
	delete(s.Withdrawals, e.Withdrawal.ID)
	return nil
}

func (e *WithdrawalRemove) revert(s *ledger.State) error {
	s.Withdrawals[e.Withdrawal.ID] = e.Withdrawal.Clone()
	return nil
}

func (e *WithdrawalRemove) EncodeTo(enc *codec.Encoder) {
	enc.PutMessage(1, &e.Withdrawal)
}

func (e *WithdrawalRemove) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		return codec.Unmarshal(f.Raw(), &e.Withdrawal)
	}
	return nil
}

// -------------------- CursorUpdate --------------------

// CursorUpdate moves the committed bridge deposit cursor.
type CursorUpdate struct {
	Cursor string
	Prev   string
}

func (e *CursorUpdate) Kind() Kind      { return KindCursorUpdate }
func (e *CursorUpdate) Account() uint64 { return 0 }

func (e *CursorUpdate) apply(s *ledger.State) error {
	if s.Cursor != e.Prev {
		return errors.Wrapf(ErrInconsistent, "cursor %q, effect expects %q", s.Cursor, e.Prev)
	}
	s.Cursor = e.Cursor
	return nil
}

func (e *CursorUpdate) revert(s *ledger.State) error {
	s.Cursor = e.Prev
	return nil
}

func (e *CursorUpdate) EncodeTo(enc *codec.Encoder) {
	enc.PutString(1, e.Cursor).PutString(2, e.Prev)
}

func (e *CursorUpdate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.Cursor = f.String()
	case 2:
		e.Prev = f.String()
	}
	return nil
}

// -------------------- ConstellationUpdate --------------------

// ConstellationUpdate installs a new settings version. Prev is nil for the
// genesis quantum.
type ConstellationUpdate struct {
	Settings *settings.Settings
	Prev     *settings.Settings
}

func (e *ConstellationUpdate) Kind() Kind      { return KindConstellationUpdate }
func (e *ConstellationUpdate) Account() uint64 { return 0 }

func (e *ConstellationUpdate) apply(s *ledger.State) error {
	if e.Settings == nil {
		return errors.Wrap(ErrInconsistent, "empty settings")
	}
	s.Settings = e.Settings.Clone()
	return nil
}

func (e *ConstellationUpdate) revert(s *ledger.State) error {
	s.Settings = e.Prev.Clone()
	return nil
}

func (e *ConstellationUpdate) EncodeTo(enc *codec.Encoder) {
	if e.Settings != nil {
		enc.PutMessage(1, e.Settings)
	}
	if e.Prev != nil {
		enc.PutMessage(2, e.Prev)
	}
}

func (e *ConstellationUpdate) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		e.Settings = &settings.Settings{}
		return codec.Unmarshal(f.Raw(), e.Settings)
	case 2:
		e.Prev = &settings.Settings{}
		return codec.Unmarshal(f.Raw(), e.Prev)
	}
	return nil
}
