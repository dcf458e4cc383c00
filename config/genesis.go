package config

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"constellation/domain/quantum"
	"constellation/domain/settings"
	"constellation/infra/keys"
)

// Genesis is the bootstrap file consumed by the init command.
type Genesis struct {
	Auditors         []string         `mapstructure:"auditors"`
	Assets           []string         `mapstructure:"assets"`
	RequestRateLimit uint32           `mapstructure:"request_rate_limit"`
	Cursor           string           `mapstructure:"cursor"`
	Accounts         []GenesisAccount `mapstructure:"accounts"`
}

// Balances are a list because viper lowercases map keys.
type GenesisAccount struct {
	PubKey   string           `mapstructure:"pubkey"`
	Balances []GenesisBalance `mapstructure:"balances"`
}

type GenesisBalance struct {
	Asset  string `mapstructure:"asset"`
	Amount int64  `mapstructure:"amount"`
}

func LoadGenesis(path string) (*Genesis, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var g Genesis
	if err := v.Unmarshal(&g); err != nil {
		return nil, errors.Wrap(err, "decode genesis")
	}
	return &g, nil
}

// Settings builds validated genesis settings with alpha as coordinator.
func (g *Genesis) Settings(alpha keys.PublicKey, vault string) (settings.Settings, error) {
	st := settings.Settings{
		Alpha:            alpha,
		Vault:            vault,
		Assets:           append([]string(nil), g.Assets...),
		RequestRateLimit: g.RequestRateLimit,
	}
	for _, a := range g.Auditors {
		pk, err := keys.ParsePublicKey(a)
		if err != nil {
			return settings.Settings{}, errors.Wrapf(ErrInvalidKey, "auditor %q", a)
		}
		st.Auditors = append(st.Auditors, pk)
	}
	if err := st.Validate(); err != nil {
		return settings.Settings{}, err
	}
	return st, nil
}

// GenesisAccounts converts the account list. Balances are sorted by asset
// so the genesis quantum does not depend on file order.
func (g *Genesis) GenesisAccounts() ([]quantum.GenesisAccount, error) {
	out := make([]quantum.GenesisAccount, 0, len(g.Accounts))
	for _, a := range g.Accounts {
		pk, err := keys.ParsePublicKey(a.PubKey)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidKey, "account %q", a.PubKey)
		}
		ga := quantum.GenesisAccount{PubKey: pk}
		for _, b := range a.Balances {
			ga.Balances = append(ga.Balances, quantum.GenesisBalance{Asset: b.Asset, Amount: b.Amount})
		}
		sort.Slice(ga.Balances, func(i, j int) bool { return ga.Balances[i].Asset < ga.Balances[j].Asset })
		out = append(out, ga)
	}
	return out, nil
}
