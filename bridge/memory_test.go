package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/infra/keys"
)

func TestMemoryRoundTrip(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	b := NewMemory("vault", kp)

	var notices []DepositNotice
	b.OnDeposit(func(n DepositNotice) { notices = append(notices, n) })

	ctx := context.Background()
	w := &ledger.Withdrawal{ID: 7, Asset: "USD", Amount: 40, Destination: "ext-1"}
	tx, err := b.BuildTransaction(ctx, w)
	require.NoError(t, err)
	require.Equal(t, uint64(7), tx.WithdrawalID)
	require.Equal(t, "vault", tx.Vault)

	require.ErrorIs(t, b.SubmitTransaction(ctx, tx), ErrUnsigned)

	signed, err := b.SignTransaction(ctx, tx)
	require.NoError(t, err)
	require.Empty(t, tx.Signatures)
	require.Len(t, signed.Signatures, 1)
	require.NoError(t, b.SubmitTransaction(ctx, signed))
	require.ErrorIs(t, b.SubmitTransaction(ctx, signed), ErrAlreadySubmitted)

	_, ok := b.Submitted(7)
	require.True(t, ok)

	b.Deposit(quantum.Deposit{Destination: kp.Public(), Asset: "USD", Amount: 5})
	b.Confirm()
	b.Confirm()

	require.Len(t, notices, 3)
	require.Equal(t, "1", notices[0].Cursor)
	require.Len(t, notices[0].Deposits, 1)
	require.Equal(t, []uint64{7}, notices[1].Settled)
	require.Empty(t, notices[2].Settled)

	c := notices[1].Commit()
	require.Equal(t, "2", c.Cursor)
	require.Equal(t, []uint64{7}, c.Settled)
}

func TestTamperedTransactionRejected(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	b := NewMemory("vault", kp)
	ctx := context.Background()

	tx, err := b.BuildTransaction(ctx, &ledger.Withdrawal{ID: 1, Asset: "USD", Amount: 10})
	require.NoError(t, err)
	signed, err := b.SignTransaction(ctx, tx)
	require.NoError(t, err)
	signed.Amount = 1000
	require.ErrorIs(t, b.SubmitTransaction(ctx, signed), ErrUnsigned)
}
