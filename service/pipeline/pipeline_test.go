package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/infra/sequence"
	"constellation/service/results"
	"constellation/service/updates"
)

type recorder struct {
	mu     sync.Mutex
	models []*quantum.PersistentModel
}

func (r *recorder) Add(m *quantum.PersistentModel, _ updates.Changes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, m)
	return nil
}

type node struct {
	p       *Pipeline
	results *results.Collector
	store   *recorder
	done    chan error
}

func build(role Role, kp *keys.KeyPair) *node {
	n := &node{
		results: results.NewCollector(zap.NewNop(), nil),
		store:   &recorder{},
		done:    make(chan error, 1),
	}
	n.p = New(Config{
		Role:    role,
		Self:    kp,
		State:   ledger.NewState(),
		Seq:     sequence.New(0, [32]byte{}),
		Updates: n.store,
		Results: n.results,
		Logger:  zap.NewNop(),
	})
	return n
}

func start(t *testing.T, role Role, kp *keys.KeyPair) *node {
	t.Helper()
	n := build(role, kp)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { n.done <- n.p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-n.done)
	})
	return n
}

type cluster struct {
	alphaKP, auditorKP, user *keys.KeyPair
	alpha, auditor           *node
	nonce                    uint64
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{}
	for _, kp := range []**keys.KeyPair{&c.alphaKP, &c.auditorKP, &c.user} {
		k, err := keys.Generate()
		require.NoError(t, err)
		*kp = k
	}
	c.alpha = start(t, RoleAlpha, c.alphaKP)
	c.auditor = start(t, RoleAuditor, c.auditorKP)
	return c
}

func (c *cluster) init(t *testing.T) *quantum.Quantum {
	init := &quantum.ConstellationInit{
		Settings: settings.Settings{
			Alpha:    c.alphaKP.Public(),
			Auditors: []keys.PublicKey{c.alphaKP.Public(), c.auditorKP.Public()},
			Assets:   []string{"USD"},
		},
		Accounts: []quantum.GenesisAccount{{
			PubKey:   c.user.Public(),
			Balances: []quantum.GenesisBalance{{Asset: "USD", Amount: 100}},
		}},
	}
	q, err := c.alpha.p.Submit(context.Background(), quantum.Seal(init, c.alphaKP))
	require.NoError(t, err)
	return q
}

func (c *cluster) pay(t *testing.T, amount int64) (*quantum.Quantum, error) {
	c.nonce++
	dst, err := keys.Generate()
	require.NoError(t, err)
	req := &quantum.Payment{
		Header:      quantum.Header{Account: c.user.Public(), Nonce: c.nonce},
		Destination: dst.Public(),
		Asset:       "USD",
		Amount:      amount,
	}
	return c.alpha.p.Submit(context.Background(), quantum.Seal(req, c.user))
}

func TestAlphaChainsQuanta(t *testing.T) {
	c := newCluster(t)
	q1 := c.init(t)
	require.Equal(t, uint64(1), q1.Apex)
	require.True(t, q1.PrevHash.IsZero())

	_, err := c.pay(t, 10)
	require.ErrorIs(t, err, ErrNotAccepting, "clients wait for readiness")

	c.alpha.p.SetAccepting(true)
	c.nonce = 0
	q2, err := c.pay(t, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), q2.Apex)
	require.Equal(t, q1.Hash(), q2.PrevHash)
	require.GreaterOrEqual(t, q2.Timestamp, q1.Timestamp)

	_, err = c.pay(t, 1000)
	require.Equal(t, status.BadRequest, status.Of(err))
	require.Equal(t, uint64(2), c.alpha.p.Apex(), "rejected requests take no apex")
	require.Len(t, c.alpha.store.models, 2)
}

func TestAlphaHoldsApexWithoutMajority(t *testing.T) {
	c := newCluster(t)
	q1 := c.init(t)

	update := &quantum.ConstellationUpdate{Settings: q1.Envelope.Request.(*quantum.ConstellationInit).Settings}
	_, err := c.alpha.p.Submit(context.Background(), quantum.Seal(update, c.alphaKP))
	require.ErrorIs(t, err, ErrNotAccepting, "alpha signed requests wait too")
	require.Equal(t, uint64(1), c.alpha.p.Apex())
	require.Len(t, c.alpha.store.models, 1)

	c.alpha.p.SetAccepting(true)
	q2, err := c.alpha.p.Submit(context.Background(), quantum.Seal(update, c.alphaKP))
	require.NoError(t, err)
	require.Equal(t, uint64(2), q2.Apex)

	c.alpha.p.SetAccepting(false)
	_, err = c.pay(t, 1)
	require.ErrorIs(t, err, ErrNotAccepting)
	require.Equal(t, uint64(2), c.alpha.p.Apex())
}

func TestAuditorReplicatesAndSigns(t *testing.T) {
	c := newCluster(t)
	var (
		mu   sync.Mutex
		sigs []quantum.AuditorResult
	)
	c.auditor.p.OnApplied(func(a Applied) {
		mu.Lock()
		sigs = append(sigs, a.Result)
		mu.Unlock()
	})

	q1 := c.init(t)
	c.alpha.p.SetAccepting(true)
	q2, err := c.pay(t, 25)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.auditor.p.Apply(ctx, q1))
	require.NoError(t, c.auditor.p.Apply(ctx, q2))
	require.ErrorIs(t, c.auditor.p.Apply(ctx, q1), ErrDuplicate)

	// auditor results reach alpha's collector and finalize both apexes
	mu.Lock()
	got := append([]quantum.AuditorResult(nil), sigs...)
	mu.Unlock()
	require.Len(t, got, 2)
	for _, r := range got {
		out, err := c.alpha.results.AddSignature(r)
		require.NoError(t, err)
		require.Equal(t, results.Accepted, out)
		require.True(t, c.alpha.results.IsFinal(r.Apex))
	}

	var alphaDigest, auditorDigest [32]byte
	require.NoError(t, c.alpha.p.View(ctx, func(s *ledger.State) { alphaDigest = s.Digest() }))
	require.NoError(t, c.auditor.p.View(ctx, func(s *ledger.State) { auditorDigest = s.Digest() }))
	require.Equal(t, alphaDigest, auditorDigest)
}

func TestAuditorRejectsGap(t *testing.T) {
	c := newCluster(t)
	c.init(t)
	c.alpha.p.SetAccepting(true)
	q2, err := c.pay(t, 1)
	require.NoError(t, err)

	err = c.auditor.p.Apply(context.Background(), q2)
	require.ErrorIs(t, err, ErrOutOfSequence)
	require.True(t, errors.Is(err, status.ErrProtocol))
	require.False(t, c.auditor.p.Failed())
}

func TestAuditorFailsOnDivergence(t *testing.T) {
	c := newCluster(t)
	failed := make(chan error, 1)
	c.auditor.p.OnFailed(func(err error) { failed <- err })

	q1 := c.init(t)
	forged := *q1
	forged.EffectsProof[0] ^= 0xff

	err := c.auditor.p.Apply(context.Background(), &forged)
	require.ErrorIs(t, err, ErrDivergence)
	select {
	case err := <-failed:
		require.ErrorIs(t, err, ErrDivergence)
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
	require.ErrorIs(t, c.auditor.p.Apply(context.Background(), q1), ErrFailed)

	var accounts int
	_ = c.auditor.p.View(context.Background(), func(s *ledger.State) { accounts = s.Accounts.Len() })
	require.Zero(t, accounts, "diverging effects are rolled back")
}

func TestResumeRequeuesPending(t *testing.T) {
	c := newCluster(t)
	c.init(t)
	c.alpha.p.SetAccepting(true)
	_, err := c.pay(t, 5)
	require.NoError(t, err)
	pending := c.alpha.store.models

	restarted := build(RoleAlpha, c.alphaKP)
	require.Error(t, restarted.p.Resume(pending[1:]), "pending must extend the head")

	again := build(RoleAlpha, c.alphaKP)
	require.NoError(t, again.p.Resume(pending))
	require.Equal(t, uint64(2), again.p.Apex())
	require.Len(t, again.results.Signatures(2), 1, "own signature re-registered")
}
