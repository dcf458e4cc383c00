// Package bridge is the boundary to the external network that holds the
// vault. The core only builds, signs and submits withdrawal transactions
// and listens for deposit notices. It never reads bridge state.
package bridge

import (
	"context"

	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

var (
	ErrAlreadySubmitted = errors.New("bridge: withdrawal already submitted")
	ErrUnsigned         = errors.New("bridge: transaction is not signed")
)

// Transaction is an outbound vault transfer for one withdrawal.
type Transaction struct {
	ID           string
	WithdrawalID uint64
	Vault        string
	Destination  string
	Asset        string
	Amount       int64
	Signatures   []keys.Signature
}

func (t *Transaction) EncodeTo(e *codec.Encoder) {
	e.PutString(1, t.ID).PutUint64(2, t.WithdrawalID).PutString(3, t.Vault).
		PutString(4, t.Destination).PutString(5, t.Asset).PutInt64(6, t.Amount)
}

// Body is what signers sign; signatures are not part of it.
func (t *Transaction) Body() []byte { return codec.Marshal(t) }

// DepositNotice is one cursor step observed on the external network.
// Settled lists withdrawal ids whose transactions were confirmed.
type DepositNotice struct {
	Cursor   string
	Deposits []quantum.Deposit
	Settled  []uint64
}

// Commit is the alpha request that applies n.
func (n DepositNotice) Commit() *quantum.DepositCommit {
	return &quantum.DepositCommit{
		Cursor:   n.Cursor,
		Deposits: append([]quantum.Deposit(nil), n.Deposits...),
		Settled:  append([]uint64(nil), n.Settled...),
	}
}

type Bridge interface {
	BuildTransaction(ctx context.Context, w *ledger.Withdrawal) (*Transaction, error)
	SignTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
	SubmitTransaction(ctx context.Context, tx *Transaction) error
	OnDeposit(fn func(DepositNotice))
}
