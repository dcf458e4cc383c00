package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"constellation/infra/codec"
)

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	sig := kp.Sign([]byte("payload"))
	require.True(t, sig.Verify([]byte("payload")))
	require.False(t, sig.Verify([]byte("other")))
}

func TestSecretRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	restored, err := FromSecret(kp.Secret())
	require.NoError(t, err)
	require.Equal(t, kp.Public(), restored.Public())
}

func TestParsePublicKey(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	pk, err := ParsePublicKey(kp.Public().String())
	require.NoError(t, err)
	require.Equal(t, kp.Public(), pk)

	_, err = ParsePublicKey("abc")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignatureEncoding(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	sig := kp.Sign([]byte("x"))

	var out Signature
	require.NoError(t, codec.Unmarshal(codec.Marshal(sig), &out))
	require.Equal(t, sig, out)
}

func TestFromSeedLength(t *testing.T) {
	_, err := FromSeed([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidSeed)
}
