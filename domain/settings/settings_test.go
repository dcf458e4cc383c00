package settings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"constellation/infra/codec"
	"constellation/infra/keys"
)

func auditors(t *testing.T, n int) []keys.PublicKey {
	out := make([]keys.PublicKey, n)
	for i := range out {
		kp, err := keys.Generate()
		require.NoError(t, err)
		out[i] = kp.Public()
	}
	return out
}

func TestHasMajority(t *testing.T) {
	cases := []struct {
		signatures, total int
		want              bool
	}{
		{3, 5, true},
		{2, 5, false},
		{3, 4, true},
		{2, 4, false},
		{1, 1, true},
		{0, 1, false},
		{2, 3, true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, HasMajority(c.signatures, c.total), "%d of %d", c.signatures, c.total)
	}
	require.Equal(t, 3, MajorityThreshold(5))
	require.Equal(t, 3, MajorityThreshold(4))
	require.Equal(t, 1, MajorityThreshold(1))
}

func TestValidate(t *testing.T) {
	a := auditors(t, 3)
	s := &Settings{Alpha: a[0], Auditors: a, Assets: []string{"XLM", "EURC"}}
	require.NoError(t, s.Validate())
	require.Equal(t, "XLM", s.QuoteAsset())

	bad := s.Clone()
	bad.Alpha = auditors(t, 1)[0]
	require.ErrorIs(t, bad.Validate(), ErrAlphaNotMember)

	bad = s.Clone()
	bad.Auditors = append(bad.Auditors, a[1])
	require.ErrorIs(t, bad.Validate(), ErrDuplicateKey)

	bad = s.Clone()
	bad.Assets = []string{"XLM", "XLM"}
	require.ErrorIs(t, bad.Validate(), ErrDuplicateAsset)

	require.ErrorIs(t, (&Settings{}).Validate(), ErrNoAuditors)
}

func TestEncoding(t *testing.T) {
	a := auditors(t, 2)
	s := &Settings{Apex: 9, Alpha: a[0], Auditors: a, Vault: "GVAULT", Assets: []string{"XLM"}, RequestRateLimit: 5}

	var out Settings
	require.NoError(t, codec.Unmarshal(codec.Marshal(s), &out))
	require.Equal(t, s, &out)
	require.Equal(t, 1, out.AuditorIndex(a[1]))
}
