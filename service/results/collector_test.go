package results

import (
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/infra/keys"
)

func auditors(t *testing.T, n int) ([]*keys.KeyPair, *settings.Settings) {
	t.Helper()
	kps := make([]*keys.KeyPair, n)
	st := &settings.Settings{Assets: []string{"USD"}}
	for i := range kps {
		kp, err := keys.Generate()
		require.NoError(t, err)
		kps[i] = kp
		st.Auditors = append(st.Auditors, kp.Public())
	}
	st.Alpha = kps[0].Public()
	return kps, st
}

func payload(apex uint64) quantum.Hash {
	return sha256.Sum256([]byte{byte(apex)})
}

func result(kp *keys.KeyPair, apex uint64) quantum.AuditorResult {
	p := payload(apex)
	return quantum.AuditorResult{Apex: apex, Signature: kp.Sign(p[:])}
}

func TestMajorityOfFive(t *testing.T) {
	kps, st := auditors(t, 5)
	c := NewCollector(zap.NewNop(), nil)
	var finals []Final
	c.OnFinal(func(f Final) { finals = append(finals, f) })

	c.Register(42, payload(42), st)
	for _, i := range []int{0, 2} {
		out, err := c.AddSignature(result(kps[i], 42))
		require.NoError(t, err)
		require.Equal(t, Accepted, out)
	}
	require.False(t, c.IsFinal(42))
	require.Empty(t, finals)

	out, err := c.AddSignature(result(kps[4], 42))
	require.NoError(t, err)
	require.Equal(t, Accepted, out)
	require.True(t, c.IsFinal(42))
	require.Len(t, finals, 1)
	require.Len(t, finals[0].Signatures, 3)

	// a fourth signature is counted but finality fires once
	_, err = c.AddSignature(result(kps[1], 42))
	require.NoError(t, err)
	require.Len(t, finals, 1)
	require.Len(t, c.Signatures(42), 4)
}

func TestDuplicateSignerIgnored(t *testing.T) {
	kps, st := auditors(t, 3)
	c := NewCollector(zap.NewNop(), nil)
	c.Register(1, payload(1), st)

	out, err := c.AddSignature(result(kps[1], 1))
	require.NoError(t, err)
	require.Equal(t, Accepted, out)

	out, err = c.AddSignature(result(kps[1], 1))
	require.NoError(t, err)
	require.Equal(t, Duplicate, out)
	require.False(t, c.IsFinal(1))
}

func TestRejectsForeignAndForged(t *testing.T) {
	kps, st := auditors(t, 3)
	c := NewCollector(zap.NewNop(), nil)
	c.Register(7, payload(7), st)

	outsider, err := keys.Generate()
	require.NoError(t, err)
	out, err := c.AddSignature(result(outsider, 7))
	require.ErrorIs(t, err, ErrNotAuditor)
	require.Equal(t, Rejected, out)

	out, err = c.AddSignature(result(kps[1], 8)) // signed the wrong payload
	require.Equal(t, Buffered, out)
	require.NoError(t, err)

	wrong := result(kps[2], 9)
	wrong.Apex = 7
	out, err = c.AddSignature(wrong)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, Rejected, out)
}

func TestBufferedUntilRegistered(t *testing.T) {
	kps, st := auditors(t, 3)
	c := NewCollector(zap.NewNop(), nil)
	var final []uint64
	c.OnFinal(func(f Final) { final = append(final, f.Apex) })

	out, err := c.AddSignature(result(kps[1], 5))
	require.ErrorIs(t, err, ErrNotAuditor, "no auditor set known yet")
	require.Equal(t, Rejected, out)

	c.Register(4, payload(4), st)
	for _, kp := range kps[1:] {
		out, err := c.AddSignature(result(kp, 5))
		require.NoError(t, err)
		require.Equal(t, Buffered, out)
	}
	require.Empty(t, final)

	own := result(kps[0], 5).Signature
	c.Register(5, payload(5), st, own)
	require.Equal(t, []uint64{5}, final)
	assert.Len(t, c.Signatures(5), 3)
}

func TestPrune(t *testing.T) {
	kps, st := auditors(t, 1)
	c := NewCollector(zap.NewNop(), nil)
	var accepted int
	c.OnAccepted(func(quantum.AuditorResult) { accepted++ })

	for apex := uint64(1); apex <= 4; apex++ {
		c.Register(apex, payload(apex), st, result(kps[0], apex).Signature)
		require.True(t, c.IsFinal(apex), "single auditor is a majority")
	}
	require.Equal(t, 4, accepted)

	c.Prune(2)
	require.Equal(t, 2, c.Len())
	out, err := c.AddSignature(result(kps[0], 2))
	require.NoError(t, err)
	require.Equal(t, Stale, out)

	var seen []uint64
	c.Range(1, 10, func(apex uint64, _ []keys.Signature) bool {
		seen = append(seen, apex)
		return true
	})
	require.Equal(t, []uint64{3, 4}, seen)
}

func TestBufferKeepsOnlyAuditors(t *testing.T) {
	kps, st := auditors(t, 3)
	c := NewCollector(zap.NewNop(), nil)
	c.Register(1, payload(1), st)

	for apex := uint64(10); apex < 20; apex++ {
		junk, err := keys.Generate()
		require.NoError(t, err)
		out, err := c.AddSignature(result(junk, apex))
		require.ErrorIs(t, err, ErrNotAuditor)
		require.Equal(t, Rejected, out)
	}
	require.Empty(t, c.buffered, "foreign signers take no slots")

	out, err := c.AddSignature(result(kps[2], 10))
	require.NoError(t, err)
	require.Equal(t, Buffered, out)
	require.Len(t, c.buffered, 1)
}

func TestResetKeepsAuditorSet(t *testing.T) {
	kps, st := auditors(t, 3)
	c := NewCollector(zap.NewNop(), nil)
	c.Reset(8, st)

	out, err := c.AddSignature(result(kps[1], 9))
	require.NoError(t, err)
	require.Equal(t, Buffered, out)
}

func TestFinalityDeliveredInOrder(t *testing.T) {
	kps, st := auditors(t, 1)
	c := NewCollector(zap.NewNop(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		got []uint64
	)
	c.OnFinal(func(f Final) {
		if f.Apex == 1 {
			close(entered)
			<-release
		}
		mu.Lock()
		got = append(got, f.Apex)
		mu.Unlock()
	})
	c.Register(1, payload(1), st)
	c.Register(2, payload(2), st)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.AddSignature(result(kps[0], 1))
	}()
	<-entered

	// apex 2 turns final while apex 1 is still being delivered
	out, err := c.AddSignature(result(kps[0], 2))
	require.NoError(t, err)
	require.Equal(t, Accepted, out)
	require.True(t, c.IsFinal(2))
	mu.Lock()
	require.Empty(t, got)
	mu.Unlock()

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery stuck")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, got)
}
