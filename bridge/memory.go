package bridge

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/infra/keys"
)

/*
Memory is an in-process bridge. Submitted transactions stay unconfirmed
until Confirm, and deposits are injected with Deposit. Each call to either
moves the cursor one step.
*/
type Memory struct {
	vault  string
	signer *keys.KeyPair

	mu          sync.Mutex
	cursor      uint64
	submitted   map[uint64]*Transaction
	unconfirmed []uint64
	observers   []func(DepositNotice)

	// FailSubmit, when set, is returned by SubmitTransaction.
	FailSubmit error
}

func NewMemory(vault string, signer *keys.KeyPair) *Memory {
	return &Memory{
		vault:     vault,
		signer:    signer,
		submitted: make(map[uint64]*Transaction),
	}
}

func (m *Memory) BuildTransaction(_ context.Context, w *ledger.Withdrawal) (*Transaction, error) {
	return &Transaction{
		ID:           uuid.NewString(),
		WithdrawalID: w.ID,
		Vault:        m.vault,
		Destination:  w.Destination,
		Asset:        w.Asset,
		Amount:       w.Amount,
	}, nil
}

func (m *Memory) SignTransaction(_ context.Context, tx *Transaction) (*Transaction, error) {
	out := *tx
	out.Signatures = append(append([]keys.Signature(nil), tx.Signatures...), m.signer.Sign(tx.Body()))
	return &out, nil
}

func (m *Memory) SubmitTransaction(_ context.Context, tx *Transaction) error {
	if len(tx.Signatures) == 0 {
		return ErrUnsigned
	}
	for _, s := range tx.Signatures {
		if !s.Verify(tx.Body()) {
			return errors.Wrap(ErrUnsigned, "bad signature")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSubmit != nil {
		return m.FailSubmit
	}
	if _, ok := m.submitted[tx.WithdrawalID]; ok {
		return errors.Wrapf(ErrAlreadySubmitted, "withdrawal %d", tx.WithdrawalID)
	}
	m.submitted[tx.WithdrawalID] = tx
	m.unconfirmed = append(m.unconfirmed, tx.WithdrawalID)
	return nil
}

func (m *Memory) OnDeposit(fn func(DepositNotice)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Submitted returns the transaction sent for withdrawal id.
func (m *Memory) Submitted(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.submitted[id]
	return tx, ok
}

// Deposit announces inbound transfers.
func (m *Memory) Deposit(deposits ...quantum.Deposit) {
	m.emit(deposits, nil)
}

// Confirm settles every submitted transaction not yet confirmed.
func (m *Memory) Confirm() {
	m.mu.Lock()
	settled := m.unconfirmed
	m.unconfirmed = nil
	m.mu.Unlock()
	m.emit(nil, settled)
}

func (m *Memory) emit(deposits []quantum.Deposit, settled []uint64) {
	m.mu.Lock()
	m.cursor++
	n := DepositNotice{Cursor: strconv.FormatUint(m.cursor, 10), Deposits: deposits, Settled: settled}
	observers := m.observers
	m.mu.Unlock()
	for _, fn := range observers {
		fn(n)
	}
}
