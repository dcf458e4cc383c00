package storage

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/orderbook"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/infra/keys"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func model(t *testing.T, kp *keys.KeyPair, apex uint64, prev quantum.Hash, groups ...*effects.EffectsGroup) *quantum.PersistentModel {
	t.Helper()
	q := &quantum.Quantum{
		Apex:         apex,
		PrevHash:     prev,
		Timestamp:    int64(apex),
		Envelope:     quantum.Seal(&quantum.WithdrawalCleanup{WithdrawalID: apex}, kp),
		EffectsProof: effects.GroupsHash(groups),
	}
	payload := q.Payload()
	return &quantum.PersistentModel{Quantum: q, Groups: groups, Signatures: []keys.Signature{kp.Sign(payload[:])}}
}

func fixture(t *testing.T) (*keys.KeyPair, *ledger.State) {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	st := &settings.Settings{Apex: 1, Alpha: kp.Public(), Auditors: []keys.PublicKey{kp.Public()}, Assets: []string{"USD", "BTC"}}
	s := ledger.NewState()
	c := effects.NewContainer(1, s)
	require.NoError(t, c.Add(&effects.ConstellationUpdate{Settings: st}))
	require.NoError(t, c.Add(&effects.AccountCreate{AccountID: 1, PubKey: kp.Public()}))
	require.NoError(t, c.Add(&effects.BalanceCreate{AccountID: 1, Asset: "BTC"}))
	require.NoError(t, c.Add(&effects.BalanceUpdate{AccountID: 1, Asset: "BTC", Delta: 9}))
	require.NoError(t, c.Add(&effects.UpdateLiabilities{AccountID: 1, Asset: "BTC", Delta: 3}))
	require.NoError(t, c.Add(&effects.OrderPlaced{AccountID: 1, Order: orderbook.Order{
		ID: 1, AccountID: 1, Asset: "BTC", Side: orderbook.Sell, Price: decimal.RequireFromString("4.5"), Amount: 3,
	}}))
	require.NoError(t, c.Add(&effects.CursorUpdate{Cursor: "c1"}))
	return kp, s
}

func TestFreshStore(t *testing.T) {
	s := openMem(t)
	apex, h, err := s.LastApex()
	require.NoError(t, err)
	require.Zero(t, apex)
	require.True(t, h.IsZero())

	_, err = s.LoadState()
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Quantum(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommitAndReload(t *testing.T) {
	s := openMem(t)
	kp, state := fixture(t)

	m1 := model(t, kp, 1, quantum.Hash{}, &effects.EffectsGroup{Account: 1, Effects: []effects.Effect{
		&effects.BalanceCreate{AccountID: 1, Asset: "BTC"},
	}})
	m2 := model(t, kp, 2, m1.Quantum.Hash())
	cursor := state.Cursor
	require.NoError(t, s.Commit(&Update{
		Quanta:   []*quantum.PersistentModel{m1, m2},
		Accounts: state.Accounts.All(),
		Settings: []*settings.Settings{state.Settings},
		Cursor:   &cursor,
		Outbox:   true,
	}))

	apex, h, err := s.LastApex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), apex)
	require.Equal(t, m2.Quantum.Hash(), h)

	got, err := s.Quanta(1, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, m1.Quantum.Hash(), got[0].Quantum.Hash())
	require.Equal(t, got[0].Quantum.Hash(), got[1].Quantum.PrevHash)

	limited, err := s.Quanta(2, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, uint64(2), limited[0].Quantum.Apex)

	idx, err := s.AccountQuanta(1, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, idx)

	loaded, err := s.LoadState()
	require.NoError(t, err)
	require.Equal(t, state.Digest(), loaded.Digest())
	book := loaded.Exchange.Book("BTC", orderbook.Sell)
	require.Equal(t, 1, book.Len())
}

func TestSettingsVersions(t *testing.T) {
	s := openMem(t)
	kp, state := fixture(t)
	v2 := state.Settings.Clone()
	v2.Apex = 5
	v2.RequestRateLimit = 7
	require.NoError(t, s.Commit(&Update{
		Quanta:   []*quantum.PersistentModel{model(t, kp, 1, quantum.Hash{})},
		Settings: []*settings.Settings{state.Settings, v2},
	}))

	at4, err := s.SettingsAt(4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), at4.Apex)
	at9, err := s.SettingsAt(9)
	require.NoError(t, err)
	require.Equal(t, uint32(7), at9.RequestRateLimit)
	_, err = s.SettingsAt(0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingRecovery(t *testing.T) {
	s := openMem(t)
	kp, _ := fixture(t)
	m1 := model(t, kp, 1, quantum.Hash{})
	m2 := model(t, kp, 2, m1.Quantum.Hash())
	m3 := model(t, kp, 3, m2.Quantum.Hash())
	require.NoError(t, s.PutPending([]*quantum.PersistentModel{m1, m2, m3}))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, s.Commit(&Update{Quanta: []*quantum.PersistentModel{m1, m2}}))
	pending, err = s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(3), pending[0].Quantum.Apex)
}

func TestWithdrawalsPersist(t *testing.T) {
	s := openMem(t)
	kp, state := fixture(t)
	w := &ledger.Withdrawal{ID: 2, AccountID: 1, Asset: "BTC", Amount: 1, Destination: "ext"}
	require.NoError(t, s.Commit(&Update{
		Quanta:      []*quantum.PersistentModel{model(t, kp, 1, quantum.Hash{})},
		Accounts:    state.Accounts.All(),
		Settings:    []*settings.Settings{state.Settings},
		Withdrawals: []*ledger.Withdrawal{w},
	}))
	loaded, err := s.LoadState()
	require.NoError(t, err)
	require.Equal(t, *w, *loaded.Withdrawals[2])

	require.NoError(t, s.Commit(&Update{
		Quanta:  []*quantum.PersistentModel{model(t, kp, 2, quantum.Hash{})},
		Removed: []uint64{2},
	}))
	loaded, err = s.LoadState()
	require.NoError(t, err)
	require.Empty(t, loaded.Withdrawals)
}

func TestOutboxLifecycle(t *testing.T) {
	s := openMem(t)
	kp, _ := fixture(t)
	m1 := model(t, kp, 1, quantum.Hash{})
	m2 := model(t, kp, 2, m1.Quantum.Hash())
	require.NoError(t, s.Commit(&Update{Quanta: []*quantum.PersistentModel{m1, m2}, Outbox: true}))

	var fresh []uint64
	require.NoError(t, s.ScanOutbox(OutboxNew, func(apex uint64, _ OutboxRecord) error {
		fresh = append(fresh, apex)
		return nil
	}))
	require.Equal(t, []uint64{1, 2}, fresh)

	require.NoError(t, s.MarkOutbox(1, OutboxSent, 1))
	rec, err := s.Outbox(1)
	require.NoError(t, err)
	require.Equal(t, OutboxSent, rec.State)
	require.Equal(t, uint32(1), rec.Retries)

	require.NoError(t, s.DeleteOutbox(2))
	_, err = s.Outbox(2)
	require.ErrorIs(t, err, ErrNotFound)
}
