package processor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"constellation/domain/effects"
	"constellation/domain/ledger"
	"constellation/domain/orderbook"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/domain/status"
	"constellation/infra/keys"
)

type fixture struct {
	t     *testing.T
	state *ledger.State
	alpha *keys.KeyPair
	alice *keys.KeyPair
	bob   *keys.KeyPair
	apex  uint64
	nonce map[keys.PublicKey]uint64
	log   []effects.Effect
}

func keyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	return kp
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:     t,
		state: ledger.NewState(),
		alpha: keyPair(t),
		alice: keyPair(t),
		bob:   keyPair(t),
		nonce: make(map[keys.PublicKey]uint64),
	}
	init := &quantum.ConstellationInit{
		Settings: settings.Settings{
			Alpha:    f.alpha.Public(),
			Auditors: []keys.PublicKey{f.alpha.Public()},
			Assets:   []string{"USD", "BTC"},
		},
		Accounts: []quantum.GenesisAccount{
			{PubKey: f.alice.Public(), Balances: []quantum.GenesisBalance{{Asset: "USD", Amount: 1000}, {Asset: "BTC", Amount: 10}}},
			{PubKey: f.bob.Public(), Balances: []quantum.GenesisBalance{{Asset: "USD", Amount: 1000}, {Asset: "BTC", Amount: 10}}},
		},
		Cursor: "c0",
	}
	_, err := f.submit(quantum.Seal(init, f.alpha))
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(env *quantum.Envelope) (*effects.Container, error) {
	c, err := Process(f.apex+1, int64(f.apex+1)*1000, env, f.state)
	if err == nil {
		f.apex++
		f.log = append(f.log, c.Effects()...)
	}
	return c, err
}

// client seals r for kp with the next nonce.
func (f *fixture) client(kp *keys.KeyPair, r quantum.ClientRequest) (*effects.Container, error) {
	f.nonce[kp.Public()]++
	h := quantum.Header{Account: kp.Public(), Nonce: f.nonce[kp.Public()]}
	switch req := r.(type) {
	case *quantum.Payment:
		req.Header = h
	case *quantum.Withdrawal:
		req.Header = h
	case *quantum.Order:
		req.Header = h
	case *quantum.OrderCancellation:
		req.Header = h
	}
	c, err := f.submit(quantum.Seal(r, kp))
	if err != nil {
		f.nonce[kp.Public()]--
	}
	return c, err
}

func (f *fixture) account(kp *keys.KeyPair) *ledger.Account {
	a, ok := f.state.Accounts.GetByKey(kp.Public())
	require.True(f.t, ok)
	return a
}

func (f *fixture) balance(kp *keys.KeyPair, asset string) ledger.Balance {
	b, ok := f.account(kp).Balance(asset)
	if !ok {
		return ledger.Balance{Asset: asset}
	}
	return *b
}

func (f *fixture) order(kp *keys.KeyPair, side orderbook.Side, price string, amount int64) (*effects.Container, error) {
	return f.client(kp, &quantum.Order{Asset: "BTC", Side: side, Price: decimal.RequireFromString(price), Amount: amount})
}

func TestGenesis(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, uint64(1), f.state.Settings.Apex)
	require.Equal(t, 2, f.state.Accounts.Len())
	require.Equal(t, int64(1000), f.balance(f.alice, "USD").Amount)
	require.Equal(t, "c0", f.state.Cursor)

	_, err := f.submit(quantum.Seal(&quantum.ConstellationInit{Settings: *f.state.Settings}, f.alpha))
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestPayment(t *testing.T) {
	f := newFixture(t)
	_, err := f.client(f.alice, &quantum.Payment{Destination: f.bob.Public(), Asset: "USD", Amount: 250})
	require.NoError(t, err)
	require.Equal(t, int64(750), f.balance(f.alice, "USD").Amount)
	require.Equal(t, int64(1250), f.balance(f.bob, "USD").Amount)
	require.Equal(t, uint64(1), f.account(f.alice).Nonce)

	carol := keyPair(t)
	_, err = f.client(f.alice, &quantum.Payment{Destination: carol.Public(), Asset: "BTC", Amount: 1})
	require.NoError(t, err)
	require.Equal(t, int64(1), f.balance(carol, "BTC").Amount)
	require.Equal(t, uint64(3), f.account(carol).ID)
}

func TestValidationFailuresLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	before := f.state.Digest()

	_, err := f.client(f.alice, &quantum.Payment{Destination: f.bob.Public(), Asset: "USD", Amount: 5000})
	require.ErrorIs(t, err, ErrInsufficient)
	require.Equal(t, status.BadRequest, status.Of(err))

	_, err = f.client(f.alice, &quantum.Payment{Destination: f.bob.Public(), Asset: "EUR", Amount: 1})
	require.ErrorIs(t, err, ErrUnsupported)

	stale := &quantum.Payment{Header: quantum.Header{Account: f.alice.Public(), Nonce: 0}, Destination: f.bob.Public(), Asset: "USD", Amount: 1}
	_, err = f.submit(quantum.Seal(stale, f.alice))
	require.ErrorIs(t, err, ErrBadNonce)

	forged := &quantum.Payment{Header: quantum.Header{Account: f.alice.Public(), Nonce: 9}, Destination: f.bob.Public(), Asset: "USD", Amount: 1}
	_, err = f.submit(quantum.Seal(forged, f.bob))
	require.Equal(t, status.Unauthorized, status.Of(err))

	stranger := keyPair(t)
	_, err = f.client(stranger, &quantum.Payment{Destination: f.bob.Public(), Asset: "USD", Amount: 1})
	require.ErrorIs(t, err, ErrUnknownAccount)

	_, err = f.submit(quantum.Seal(&quantum.WithdrawalCleanup{WithdrawalID: 1}, f.bob))
	require.ErrorIs(t, err, ErrNotAlpha)

	require.Equal(t, before, f.state.Digest())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	st := f.state.Settings.Clone()
	st.RequestRateLimit = 2
	_, err := f.submit(quantum.Seal(&quantum.ConstellationUpdate{Settings: *st}, f.alpha))
	require.NoError(t, err)

	pay := func() error {
		_, err := f.client(f.alice, &quantum.Payment{Destination: f.bob.Public(), Asset: "USD", Amount: 1})
		return err
	}
	require.NoError(t, pay())
	require.NoError(t, pay())
	err = pay()
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, status.TooManyRequests, status.Of(err))

	// next one-minute window
	f.apex = 120
	require.NoError(t, pay())
}

func TestOrderRestsAndReserves(t *testing.T) {
	f := newFixture(t)
	c, err := f.order(f.alice, orderbook.Sell, "20", 4)
	require.NoError(t, err)

	book := f.state.Exchange.Book("BTC", orderbook.Sell)
	require.Equal(t, 1, book.Len())
	require.Equal(t, c.Apex, book.Head().ID, "order id is the apex")
	require.Equal(t, int64(4), f.balance(f.alice, "BTC").Liabilities)

	_, err = f.order(f.bob, orderbook.Buy, "10", 5)
	require.NoError(t, err)
	require.Equal(t, int64(50), f.balance(f.bob, "USD").Liabilities)
	require.Equal(t, 1, f.state.Exchange.Book("BTC", orderbook.Buy).Len(), "10 does not cross 20")
}

func TestOrderMatchesAtMakerPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.order(f.alice, orderbook.Sell, "10", 3)
	require.NoError(t, err)
	_, err = f.order(f.alice, orderbook.Sell, "12", 3)
	require.NoError(t, err)

	// bob buys 5 up to 15: 3 at 10, 2 at 12
	_, err = f.order(f.bob, orderbook.Buy, "15", 5)
	require.NoError(t, err)

	require.Equal(t, int64(1000-30-24), f.balance(f.bob, "USD").Amount)
	require.Equal(t, int64(15), f.balance(f.bob, "BTC").Amount)
	require.Zero(t, f.balance(f.bob, "USD").Liabilities)

	require.Equal(t, int64(1054), f.balance(f.alice, "USD").Amount)
	require.Equal(t, int64(5), f.balance(f.alice, "BTC").Amount)
	require.Equal(t, int64(1), f.balance(f.alice, "BTC").Liabilities)

	sells := f.state.Exchange.Book("BTC", orderbook.Sell)
	require.Equal(t, 1, sells.Len())
	require.Equal(t, int64(1), sells.Head().Amount)
	require.Equal(t, int64(1), sells.Volume())
	require.Zero(t, f.state.Exchange.Book("BTC", orderbook.Buy).Len())
	require.NoError(t, f.state.Check())
}

func TestBuyMakerReleasesQuote(t *testing.T) {
	f := newFixture(t)
	_, err := f.order(f.bob, orderbook.Buy, "2.5", 3) // reserves floor(7.5) = 7
	require.NoError(t, err)
	require.Equal(t, int64(7), f.balance(f.bob, "USD").Liabilities)

	_, err = f.order(f.alice, orderbook.Sell, "2", 1)
	require.NoError(t, err)

	// paid floor(2.5) = 2, remaining 2 need floor(5) = 5
	require.Equal(t, int64(998), f.balance(f.bob, "USD").Amount)
	require.Equal(t, int64(5), f.balance(f.bob, "USD").Liabilities)
	o := f.state.Exchange.Book("BTC", orderbook.Buy).Head()
	require.Equal(t, int64(2), o.Amount)
	require.Equal(t, int64(5), o.QuoteAmount)
	require.NoError(t, f.state.Check())
}

func TestCancellation(t *testing.T) {
	f := newFixture(t)
	c, err := f.order(f.bob, orderbook.Buy, "3", 4)
	require.NoError(t, err)
	id := c.Apex

	_, err = f.client(f.alice, &quantum.OrderCancellation{OrderID: id})
	require.Error(t, err, "not the owner")

	_, err = f.client(f.bob, &quantum.OrderCancellation{OrderID: id})
	require.NoError(t, err)
	require.Zero(t, f.balance(f.bob, "USD").Liabilities)
	require.Zero(t, f.state.Exchange.Len())
	require.Empty(t, f.account(f.bob).Orders)
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	c, err := f.client(f.alice, &quantum.Withdrawal{Asset: "USD", Amount: 100, Destination: "GEXT"})
	require.NoError(t, err)
	id := c.Apex
	require.Equal(t, int64(100), f.balance(f.alice, "USD").Liabilities)

	_, err = f.client(f.alice, &quantum.Payment{Destination: f.bob.Public(), Asset: "USD", Amount: 950})
	require.ErrorIs(t, err, ErrInsufficient, "reserved funds are not available")

	_, err = f.submit(quantum.Seal(&quantum.WithdrawalCleanup{WithdrawalID: id}, f.alpha))
	require.NoError(t, err)
	require.Zero(t, f.balance(f.alice, "USD").Liabilities)
	require.Equal(t, int64(1000), f.balance(f.alice, "USD").Amount)

	c, err = f.client(f.alice, &quantum.Withdrawal{Asset: "USD", Amount: 40, Destination: "GEXT"})
	require.NoError(t, err)
	_, err = f.submit(quantum.Seal(&quantum.DepositCommit{Cursor: "c1", Settled: []uint64{c.Apex}}, f.alpha))
	require.NoError(t, err)
	require.Equal(t, int64(960), f.balance(f.alice, "USD").Amount)
	require.Zero(t, f.balance(f.alice, "USD").Liabilities)
	require.Empty(t, f.state.Withdrawals)
	require.Equal(t, "c1", f.state.Cursor)
}

func TestDepositCreatesAccount(t *testing.T) {
	f := newFixture(t)
	carol := keyPair(t)
	commit := &quantum.DepositCommit{Cursor: "c1", Deposits: []quantum.Deposit{
		{Destination: carol.Public(), Asset: "BTC", Amount: 3},
		{Destination: f.alice.Public(), Asset: "USD", Amount: 5},
	}}
	_, err := f.submit(quantum.Seal(commit, f.alpha))
	require.NoError(t, err)
	require.Equal(t, int64(3), f.balance(carol, "BTC").Amount)
	require.Equal(t, int64(1005), f.balance(f.alice, "USD").Amount)

	_, err = f.submit(quantum.Seal(&quantum.DepositCommit{Cursor: "c1"}, f.alpha))
	require.Error(t, err, "cursor must advance")
}

func TestConstellationUpdateKeepsAssets(t *testing.T) {
	f := newFixture(t)
	st := f.state.Settings.Clone()
	st.Assets = []string{"BTC"}
	_, err := f.submit(quantum.Seal(&quantum.ConstellationUpdate{Settings: *st}, f.alpha))
	require.ErrorIs(t, err, ErrAssetRemoved)

	st.Assets = []string{"USD", "BTC", "ETH"}
	c, err := f.submit(quantum.Seal(&quantum.ConstellationUpdate{Settings: *st}, f.alpha))
	require.NoError(t, err)
	require.True(t, f.state.Settings.HasAsset("ETH"))
	require.Equal(t, c.Apex, f.state.Settings.Apex)
}

func TestReplayReproducesState(t *testing.T) {
	f := newFixture(t)
	_, err := f.order(f.alice, orderbook.Sell, "10", 3)
	require.NoError(t, err)
	_, err = f.order(f.bob, orderbook.Buy, "11", 5)
	require.NoError(t, err)
	_, err = f.client(f.alice, &quantum.Withdrawal{Asset: "USD", Amount: 7, Destination: "GX"})
	require.NoError(t, err)

	replayed := ledger.NewState()
	for _, e := range f.log {
		out, err := effects.Decode(effects.Encode(e))
		require.NoError(t, err)
		require.NoError(t, effects.Apply(replayed, out))
	}
	require.Equal(t, f.state.Digest(), replayed.Digest())

	require.NoError(t, effects.RevertAll(f.state, f.log))
	require.Zero(t, f.state.Accounts.Len())
	require.Zero(t, f.state.Exchange.Len())
}
