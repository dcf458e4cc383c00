package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/service/pipeline"
)

type fakeNode struct {
	err      error
	accounts map[keys.PublicKey]*ledger.Account
	got      *quantum.Envelope
}

func (f *fakeNode) Submit(_ context.Context, env *quantum.Envelope) (*quantum.Quantum, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = env
	return &quantum.Quantum{Apex: 42, Envelope: env}, nil
}

func (f *fakeNode) Account(_ context.Context, pk keys.PublicKey) (*ledger.Account, bool, error) {
	a, ok := f.accounts[pk]
	return a, ok, nil
}

func dial(t *testing.T, n Node) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(n, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func payment(t *testing.T) (*keys.KeyPair, *quantum.Envelope) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	r := &quantum.Payment{Header: quantum.Header{Account: kp.Public(), Nonce: 1}, Destination: keys.PublicKey{9}, Asset: "USD", Amount: 5}
	return kp, quantum.Seal(r, kp)
}

func TestSubmitRoundTrip(t *testing.T) {
	n := &fakeNode{}
	c := dial(t, n)
	kp, env := payment(t)

	reply, err := c.Submit(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, uint64(42), reply.Apex)
	require.Equal(t, (&quantum.Quantum{Apex: 42, Envelope: env}).Hash(), reply.Hash)

	require.NotNil(t, n.got)
	require.True(t, n.got.IsSignedBy(kp.Public()))
	require.Equal(t, int64(5), n.got.Request.(*quantum.Payment).Amount)
}

func TestSubmitMapsStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code codes.Code
		msg  string
	}{
		{status.Invalidf("insufficient balance"), codes.InvalidArgument, "insufficient balance"},
		{status.Denied(errors.New("bad signature")), codes.Unauthenticated, "bad signature"},
		{status.Throttled(errors.New("rate limit")), codes.ResourceExhausted, "rate limit"},
		{errors.New("disk on fire"), codes.Internal, "internal error"},
		{pipeline.ErrNotAccepting, codes.Unavailable, "node is not accepting requests"},
	} {
		n := &fakeNode{err: tc.err}
		c := dial(t, n)
		_, env := payment(t)
		_, err := c.Submit(context.Background(), env)
		st, ok := grpcstatus.FromError(err)
		require.True(t, ok)
		require.Equal(t, tc.code, st.Code(), tc.msg)
		require.Equal(t, tc.msg, st.Message())
	}
}

func TestGetAccount(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	a := ledger.NewAccount(3, kp.Public())
	a.Nonce = 7
	a.Balances["USD"] = &ledger.Balance{Asset: "USD", Amount: 100, Liabilities: 20}
	c := dial(t, &fakeNode{accounts: map[keys.PublicKey]*ledger.Account{kp.Public(): a}})

	got, err := c.GetAccount(context.Background(), kp.Public())
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.ID)
	require.Equal(t, uint64(7), got.Nonce)
	require.Equal(t, int64(80), got.Available("USD"))

	_, err = c.GetAccount(context.Background(), keys.PublicKey{1})
	require.Equal(t, codes.NotFound, grpcstatus.Code(err))
}
