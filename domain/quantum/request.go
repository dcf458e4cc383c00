package quantum

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"constellation/domain/orderbook"
	"constellation/domain/settings"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

var ErrUnknownRequest = errors.New("quantum: unknown request type")

type RequestType uint8

const (
	TypePayment RequestType = iota + 1
	TypeWithdrawal
	TypeOrder
	TypeOrderCancellation
	TypeWithdrawalCleanup
	TypeConstellationInit
	TypeConstellationUpdate
	TypeDepositCommit

	typeEnd
)

func (t RequestType) String() string {
	switch t {
	case TypePayment:
		return "payment"
	case TypeWithdrawal:
		return "withdrawal"
	case TypeOrder:
		return "order"
	case TypeOrderCancellation:
		return "order_cancellation"
	case TypeWithdrawalCleanup:
		return "withdrawal_cleanup"
	case TypeConstellationInit:
		return "constellation_init"
	case TypeConstellationUpdate:
		return "constellation_update"
	case TypeDepositCommit:
		return "deposit_commit"
	default:
		return "unknown"
	}
}

// Request is the sealed union of everything a quantum can carry.
type Request interface {
	codec.Message
	codec.Unmarshaler

	Type() RequestType
	request()
}

// ClientRequest is a request signed by an account holder.
type ClientRequest interface {
	Request
	Requester() keys.PublicKey
	RequestNonce() uint64
}

// Header is embedded by every client request. It owns fields 1 and 2.
type Header struct {
	Account keys.PublicKey
	Nonce   uint64
}

func (h *Header) Requester() keys.PublicKey { return h.Account }
func (h *Header) RequestNonce() uint64      { return h.Nonce }

func (h *Header) encodeHeader(e *codec.Encoder) {
	e.PutBytes(1, h.Account[:]).PutUint64(2, h.Nonce)
}

func (h *Header) decodeHeader(f codec.Field) error {
	switch f.Num {
	case 1:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		h.Account = pk
	case 2:
		h.Nonce = f.Uint64()
	}
	return nil
}

// -------------------- Client requests --------------------

// Payment moves Amount of Asset to the account owning Destination.
type Payment struct {
	Header
	Destination keys.PublicKey
	Asset       string
	Amount      int64
}

func (*Payment) Type() RequestType { return TypePayment }
func (*Payment) request()          {}

func (r *Payment) EncodeTo(e *codec.Encoder) {
	r.encodeHeader(e)
	e.PutBytes(3, r.Destination[:]).PutString(4, r.Asset).PutInt64(5, r.Amount)
}

func (r *Payment) DecodeField(f codec.Field) error {
	switch f.Num {
	case 3:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		r.Destination = pk
	case 4:
		r.Asset = f.String()
	case 5:
		r.Amount = f.Int64()
	default:
		return r.decodeHeader(f)
	}
	return nil
}

// Withdrawal reserves funds for an outbound bridge transaction to
// Destination, an address on the external network.
type Withdrawal struct {
	Header
	Asset       string
	Amount      int64
	Destination string
}

func (*Withdrawal) Type() RequestType { return TypeWithdrawal }
func (*Withdrawal) request()          {}

func (r *Withdrawal) EncodeTo(e *codec.Encoder) {
	r.encodeHeader(e)
	e.PutString(3, r.Asset).PutInt64(4, r.Amount).PutString(5, r.Destination)
}

func (r *Withdrawal) DecodeField(f codec.Field) error {
	switch f.Num {
	case 3:
		r.Asset = f.String()
	case 4:
		r.Amount = f.Int64()
	case 5:
		r.Destination = f.String()
	default:
		return r.decodeHeader(f)
	}
	return nil
}

// Order is a limit order for Amount of Asset priced in the quote asset.
type Order struct {
	Header
	Asset  string
	Side   orderbook.Side
	Price  decimal.Decimal
	Amount int64
}

func (*Order) Type() RequestType { return TypeOrder }
func (*Order) request()          {}

func (r *Order) EncodeTo(e *codec.Encoder) {
	r.encodeHeader(e)
	e.PutString(3, r.Asset).
		PutUint64(4, uint64(r.Side)).
		PutString(5, r.Price.String()).
		PutInt64(6, r.Amount)
}

func (r *Order) DecodeField(f codec.Field) error {
	switch f.Num {
	case 3:
		r.Asset = f.String()
	case 4:
		r.Side = orderbook.Side(f.Uint64())
	case 5:
		p, err := decimal.NewFromString(f.String())
		if err != nil {
			return errors.Wrap(codec.ErrMalformed, err.Error())
		}
		r.Price = p
	case 6:
		r.Amount = f.Int64()
	default:
		return r.decodeHeader(f)
	}
	return nil
}

type OrderCancellation struct {
	Header
	OrderID uint64
}

func (*OrderCancellation) Type() RequestType { return TypeOrderCancellation }
func (*OrderCancellation) request()          {}

func (r *OrderCancellation) EncodeTo(e *codec.Encoder) {
	r.encodeHeader(e)
	e.PutUint64(3, r.OrderID)
}

func (r *OrderCancellation) DecodeField(f codec.Field) error {
	if f.Num == 3 {
		r.OrderID = f.Uint64()
		return nil
	}
	return r.decodeHeader(f)
}

// -------------------- Alpha requests --------------------

// WithdrawalCleanup releases the funds of a withdrawal the bridge failed
// to submit.
type WithdrawalCleanup struct {
	WithdrawalID uint64
}

func (*WithdrawalCleanup) Type() RequestType { return TypeWithdrawalCleanup }
func (*WithdrawalCleanup) request()          {}

func (r *WithdrawalCleanup) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, r.WithdrawalID)
}

func (r *WithdrawalCleanup) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		r.WithdrawalID = f.Uint64()
	}
	return nil
}

type GenesisBalance struct {
	Asset  string
	Amount int64
}

func (b *GenesisBalance) EncodeTo(e *codec.Encoder) {
	e.PutString(1, b.Asset).PutInt64(2, b.Amount)
}

func (b *GenesisBalance) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		b.Asset = f.String()
	case 2:
		b.Amount = f.Int64()
	}
	return nil
}

type GenesisAccount struct {
	PubKey   keys.PublicKey
	Balances []GenesisBalance
}

func (a *GenesisAccount) EncodeTo(e *codec.Encoder) {
	e.PutBytes(1, a.PubKey[:])
	for i := range a.Balances {
		e.PutMessage(2, &a.Balances[i])
	}
}

func (a *GenesisAccount) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		a.PubKey = pk
	case 2:
		var b GenesisBalance
		if err := codec.Unmarshal(f.Raw(), &b); err != nil {
			return err
		}
		a.Balances = append(a.Balances, b)
	}
	return nil
}

// ConstellationInit is the genesis quantum at apex 1.
type ConstellationInit struct {
	Settings settings.Settings
	Accounts []GenesisAccount
	Cursor   string
}

func (*ConstellationInit) Type() RequestType { return TypeConstellationInit }
func (*ConstellationInit) request()          {}

func (r *ConstellationInit) EncodeTo(e *codec.Encoder) {
	e.PutMessage(1, &r.Settings)
	for i := range r.Accounts {
		e.PutMessage(2, &r.Accounts[i])
	}
	e.PutString(3, r.Cursor)
}

func (r *ConstellationInit) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		return codec.Unmarshal(f.Raw(), &r.Settings)
	case 2:
		var a GenesisAccount
		if err := codec.Unmarshal(f.Raw(), &a); err != nil {
			return err
		}
		r.Accounts = append(r.Accounts, a)
	case 3:
		r.Cursor = f.String()
	}
	return nil
}

// ConstellationUpdate replaces the settings. Apex inside Settings is
// ignored and set to the carrying quantum.
type ConstellationUpdate struct {
	Settings settings.Settings
}

func (*ConstellationUpdate) Type() RequestType { return TypeConstellationUpdate }
func (*ConstellationUpdate) request()          {}

func (r *ConstellationUpdate) EncodeTo(e *codec.Encoder) {
	e.PutMessage(1, &r.Settings)
}

func (r *ConstellationUpdate) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		return codec.Unmarshal(f.Raw(), &r.Settings)
	}
	return nil
}

// Deposit credits an account from an inbound bridge transaction. Unknown
// destinations get a fresh account.
type Deposit struct {
	Destination keys.PublicKey
	Asset       string
	Amount      int64
}

func (d *Deposit) EncodeTo(e *codec.Encoder) {
	e.PutBytes(1, d.Destination[:]).PutString(2, d.Asset).PutInt64(3, d.Amount)
}

func (d *Deposit) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		d.Destination = pk
	case 2:
		d.Asset = f.String()
	case 3:
		d.Amount = f.Int64()
	}
	return nil
}

// DepositCommit applies one bridge cursor step: deposits are credited,
// Settled withdrawals are finalized and the cursor moves to Cursor.
type DepositCommit struct {
	Cursor   string
	Deposits []Deposit
	Settled  []uint64
}

func (*DepositCommit) Type() RequestType { return TypeDepositCommit }
func (*DepositCommit) request()          {}

func (r *DepositCommit) EncodeTo(e *codec.Encoder) {
	e.PutString(1, r.Cursor)
	for i := range r.Deposits {
		e.PutMessage(2, &r.Deposits[i])
	}
	for _, id := range r.Settled {
		// withdrawal ids are apexes, never zero
		e.PutUint64(3, id)
	}
}

func (r *DepositCommit) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		r.Cursor = f.String()
	case 2:
		var d Deposit
		if err := codec.Unmarshal(f.Raw(), &d); err != nil {
			return err
		}
		r.Deposits = append(r.Deposits, d)
	case 3:
		r.Settled = append(r.Settled, f.Uint64())
	}
	return nil
}

// -------------------- Union encoding --------------------

func newRequest(t RequestType) (Request, error) {
	switch t {
	case TypePayment:
		return &Payment{}, nil
	case TypeWithdrawal:
		return &Withdrawal{}, nil
	case TypeOrder:
		return &Order{}, nil
	case TypeOrderCancellation:
		return &OrderCancellation{}, nil
	case TypeWithdrawalCleanup:
		return &WithdrawalCleanup{}, nil
	case TypeConstellationInit:
		return &ConstellationInit{}, nil
	case TypeConstellationUpdate:
		return &ConstellationUpdate{}, nil
	case TypeDepositCommit:
		return &DepositCommit{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownRequest, "type %d", t)
	}
}

// EncodeRequest writes the type tag and body. These are the bytes clients
// and Alpha sign.
func EncodeRequest(r Request) []byte {
	return codec.NewEncoder().PutUint64(1, uint64(r.Type())).PutMessage(2, r).Bytes()
}

func DecodeRequest(b []byte) (Request, error) {
	var (
		typ  RequestType
		body []byte
	)
	err := codec.Decode(b, func(f codec.Field) error {
		switch f.Num {
		case 1:
			typ = RequestType(f.Uint64())
		case 2:
			body = f.Raw()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r, err := newRequest(typ)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(body, r); err != nil {
		return nil, errors.Wrapf(err, "decode %s", typ)
	}
	return r, nil
}
