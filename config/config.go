// Package config loads node configuration from YAML, CONSTELLATION_*
// environment variables and command line flags, in rising precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"constellation/infra/keys"
)

const EnvPrefix = "CONSTELLATION"

var (
	ErrMissingSecret  = errors.New("config: secret is required")
	ErrMissingAlpha   = errors.New("config: alpha public key is required")
	ErrMissingDataDir = errors.New("config: data_dir is required")
	ErrMissingListen  = errors.New("config: listen address is required")
	ErrInvalidKey     = errors.New("config: invalid public key")
	ErrInvalidPeer    = errors.New("config: peer needs url and pubkey")
	ErrInvalidValue   = errors.New("config: value out of range")
)

type Peer struct {
	URL    string `mapstructure:"url"`
	PubKey string `mapstructure:"pubkey"`
}

type Listen struct {
	Peers   string `mapstructure:"peers"`
	GRPC    string `mapstructure:"grpc"`
	Metrics string `mapstructure:"metrics"`
}

type Updates struct {
	MaxQuanta int           `mapstructure:"max_quanta"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	Tick      time.Duration `mapstructure:"tick"`
}

type Sync struct {
	Gap           uint64        `mapstructure:"gap"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	Reevaluate    time.Duration `mapstructure:"reevaluate"`
	CacheSize     int           `mapstructure:"cache_size"`
	Backoff       time.Duration `mapstructure:"backoff"`
}

// Kafka is optional; an empty broker list disables both publishers.
type Kafka struct {
	Brokers           []string `mapstructure:"brokers"`
	FeedTopic         string   `mapstructure:"feed_topic"`
	ConfirmationTopic string   `mapstructure:"confirmation_topic"`
}

type Withdrawals struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Config struct {
	Secret  string `mapstructure:"secret"`
	DataDir string `mapstructure:"data_dir"`
	Alpha   string `mapstructure:"alpha"`
	Vault   string `mapstructure:"vault"`

	// Members may connect before the constellation is initialized.
	Members []string `mapstructure:"members"`
	Peers   []Peer   `mapstructure:"peers"`

	Listen      Listen      `mapstructure:"listen"`
	Updates     Updates     `mapstructure:"updates"`
	Sync        Sync        `mapstructure:"sync"`
	Kafka       Kafka       `mapstructure:"kafka"`
	Withdrawals Withdrawals `mapstructure:"withdrawals"`

	LogLevel string `mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		DataDir: "./data",
		Listen: Listen{
			Peers:   ":7700",
			GRPC:    ":50051",
			Metrics: ":9100",
		},
		Updates: Updates{
			MaxQuanta: 50_000,
			MaxAge:    5 * time.Second,
			Tick:      300 * time.Millisecond,
		},
		Sync: Sync{
			Gap:           1000,
			BatchSize:     500,
			FlushInterval: 50 * time.Millisecond,
			Heartbeat:     time.Second,
			Reevaluate:    2 * time.Second,
			CacheSize:     10_000,
			Backoff:       time.Second,
		},
		Kafka: Kafka{
			FeedTopic:         "constellation.effects",
			ConfirmationTopic: "constellation.confirmations",
		},
		Withdrawals: Withdrawals{
			Interval:    time.Second,
			MaxAttempts: 5,
		},
		LogLevel: "info",
	}
}

// -------------------- Loading --------------------

// Load reads path (optional), the environment and flags (optional) over
// the defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("secret", d.Secret)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("alpha", d.Alpha)
	v.SetDefault("vault", d.Vault)
	v.SetDefault("members", d.Members)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("listen.peers", d.Listen.Peers)
	v.SetDefault("listen.grpc", d.Listen.GRPC)
	v.SetDefault("listen.metrics", d.Listen.Metrics)

	v.SetDefault("updates.max_quanta", d.Updates.MaxQuanta)
	v.SetDefault("updates.max_age", d.Updates.MaxAge)
	v.SetDefault("updates.tick", d.Updates.Tick)

	v.SetDefault("sync.gap", d.Sync.Gap)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.flush_interval", d.Sync.FlushInterval)
	v.SetDefault("sync.heartbeat", d.Sync.Heartbeat)
	v.SetDefault("sync.reevaluate", d.Sync.Reevaluate)
	v.SetDefault("sync.cache_size", d.Sync.CacheSize)
	v.SetDefault("sync.backoff", d.Sync.Backoff)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.feed_topic", d.Kafka.FeedTopic)
	v.SetDefault("kafka.confirmation_topic", d.Kafka.ConfirmationTopic)

	v.SetDefault("withdrawals.interval", d.Withdrawals.Interval)
	v.SetDefault("withdrawals.max_attempts", d.Withdrawals.MaxAttempts)
}

// -------------------- Flags --------------------

const (
	SecretKey   = "secret"
	DataDirKey  = "data-dir"
	AlphaKey    = "alpha"
	PeersKey    = "listen-peers"
	GRPCKey     = "listen-grpc"
	MetricsKey  = "listen-metrics"
	LogLevelKey = "log-level"
)

var flagKeys = map[string]string{
	SecretKey:   "secret",
	DataDirKey:  "data_dir",
	AlphaKey:    "alpha",
	PeersKey:    "listen.peers",
	GRPCKey:     "listen.grpc",
	MetricsKey:  "listen.metrics",
	LogLevelKey: "log_level",
}

// AddFlags registers the overridable settings. Flags only win when set.
func AddFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String(SecretKey, "", "Node secret seed (base58)")
	flags.String(DataDirKey, d.DataDir, "Directory of the node store")
	flags.String(AlphaKey, "", "Public key of the alpha node")
	flags.String(PeersKey, d.Listen.Peers, "Websocket address for constellation peers")
	flags.String(GRPCKey, d.Listen.GRPC, "gRPC address for clients")
	flags.String(MetricsKey, d.Listen.Metrics, "HTTP address for /metrics")
	flags.String(LogLevelKey, d.LogLevel, "Log level")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}

// -------------------- Validation --------------------

func (c *Config) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if _, err := keys.FromSecret(c.Secret); err != nil {
		return errors.Wrap(err, "secret")
	}
	if c.Alpha == "" {
		return ErrMissingAlpha
	}
	if _, err := keys.ParsePublicKey(c.Alpha); err != nil {
		return errors.Wrapf(ErrInvalidKey, "alpha %q", c.Alpha)
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.Listen.Peers == "" || c.Listen.GRPC == "" {
		return ErrMissingListen
	}
	for _, m := range c.Members {
		if _, err := keys.ParsePublicKey(m); err != nil {
			return errors.Wrapf(ErrInvalidKey, "member %q", m)
		}
	}
	for i, p := range c.Peers {
		if p.URL == "" || p.PubKey == "" {
			return errors.Wrapf(ErrInvalidPeer, "peer %d", i)
		}
		if _, err := keys.ParsePublicKey(p.PubKey); err != nil {
			return errors.Wrapf(ErrInvalidKey, "peer %d", i)
		}
	}
	if c.Updates.MaxQuanta <= 0 || c.Updates.MaxAge <= 0 || c.Updates.Tick <= 0 {
		return errors.Wrap(ErrInvalidValue, "updates")
	}
	if c.Sync.BatchSize <= 0 || c.Sync.Gap == 0 {
		return errors.Wrap(ErrInvalidValue, "sync")
	}
	return nil
}

// -------------------- Derived --------------------

func (c *Config) KeyPair() (*keys.KeyPair, error) {
	return keys.FromSecret(c.Secret)
}

func (c *Config) AlphaKey() (keys.PublicKey, error) {
	return keys.ParsePublicKey(c.Alpha)
}

func (c *Config) MemberKeys() ([]keys.PublicKey, error) {
	out := make([]keys.PublicKey, 0, len(c.Members))
	for _, m := range c.Members {
		pk, err := keys.ParsePublicKey(m)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidKey, "member %q", m)
		}
		out = append(out, pk)
	}
	return out, nil
}
