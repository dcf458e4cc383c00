package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"constellation/infra/keys"
)

func valid(t *testing.T) *Config {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	c := Default()
	c.Secret = kp.Secret()
	c.Alpha = kp.Public().String()
	return &c
}

func TestDefaultsNeedIdentity(t *testing.T) {
	c := Default()
	require.ErrorIs(t, c.Validate(), ErrMissingSecret)

	c = *valid(t)
	require.NoError(t, c.Validate())

	c.Alpha = ""
	require.ErrorIs(t, c.Validate(), ErrMissingAlpha)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := valid(t)
	c.Members = []string{"not-a-key"}
	require.ErrorIs(t, c.Validate(), ErrInvalidKey)

	c = valid(t)
	c.Peers = []Peer{{URL: "ws://a"}}
	require.ErrorIs(t, c.Validate(), ErrInvalidPeer)

	c = valid(t)
	c.Updates.MaxAge = 0
	require.ErrorIs(t, c.Validate(), ErrInvalidValue)

	c = valid(t)
	c.DataDir = ""
	require.ErrorIs(t, c.Validate(), ErrMissingDataDir)
}

func TestLoadLayers(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "node.yaml")
	yaml := "secret: " + kp.Secret() + "\n" +
		"alpha: " + kp.Public().String() + "\n" +
		"data_dir: /var/lib/constellation\n" +
		"peers:\n  - url: ws://auditor-1:7700/ws\n    pubkey: " + kp.Public().String() + "\n" +
		"updates:\n  max_age: 2s\n" +
		"kafka:\n  brokers: [\"k1:9092\", \"k2:9092\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("CONSTELLATION_SYNC_GAP", "42")
	t.Setenv("CONSTELLATION_LISTEN_GRPC", ":6000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse([]string{"--data-dir", "/tmp/override"}))

	c, err := Load(path, flags)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, "/tmp/override", c.DataDir)
	require.Equal(t, 2*time.Second, c.Updates.MaxAge)
	require.Equal(t, 50_000, c.Updates.MaxQuanta)
	require.Equal(t, uint64(42), c.Sync.Gap)
	require.Equal(t, ":6000", c.Listen.GRPC)
	require.Equal(t, ":7700", c.Listen.Peers)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	require.Len(t, c.Peers, 1)
	require.Equal(t, "ws://auditor-1:7700/ws", c.Peers[0].URL)

	got, err := c.KeyPair()
	require.NoError(t, err)
	require.Equal(t, kp.Public(), got.Public())
	alpha, err := c.AlphaKey()
	require.NoError(t, err)
	require.Equal(t, kp.Public(), alpha)
}

func TestUnsetFlagsKeepFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/node\n"), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse(nil))

	c, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "/srv/node", c.DataDir)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}
