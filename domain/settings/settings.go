// Package settings is the replicated constellation configuration.
package settings

import (
	"github.com/cockroachdb/errors"

	"constellation/infra/codec"
	"constellation/infra/keys"
)

var (
	ErrNoAuditors     = errors.New("settings: auditor set is empty")
	ErrAlphaNotMember = errors.New("settings: alpha must be an auditor")
	ErrDuplicateKey   = errors.New("settings: duplicate auditor")
	ErrNoAssets       = errors.New("settings: asset list is empty")
	ErrDuplicateAsset = errors.New("settings: duplicate asset")
)

const DefaultRequestRateLimit = 1000

// Settings is one version of the constellation configuration. Apex is the
// quantum that introduced it.
type Settings struct {
	Apex     uint64
	Alpha    keys.PublicKey
	Auditors []keys.PublicKey
	Vault    string

	// Assets lists tradable asset codes; the first one is the quote asset
	// every order is priced in.
	Assets []string

	// RequestRateLimit caps client requests per account per minute.
	RequestRateLimit uint32
}

// Threshold is floor(N/2)+1 of the auditor set.
func (s *Settings) Threshold() int {
	return MajorityThreshold(len(s.Auditors))
}

func MajorityThreshold(total int) int {
	return total/2 + 1
}

// HasMajority reports signatures >= floor(total/2)+1.
func HasMajority(signatures, total int) bool {
	return signatures >= MajorityThreshold(total)
}

func (s *Settings) IsAuditor(pk keys.PublicKey) bool {
	return s.AuditorIndex(pk) >= 0
}

func (s *Settings) AuditorIndex(pk keys.PublicKey) int {
	for i, a := range s.Auditors {
		if a == pk {
			return i
		}
	}
	return -1
}

func (s *Settings) HasAsset(code string) bool {
	for _, a := range s.Assets {
		if a == code {
			return true
		}
	}
	return false
}

func (s *Settings) QuoteAsset() string {
	if len(s.Assets) == 0 {
		return ""
	}
	return s.Assets[0]
}

func (s *Settings) Validate() error {
	if len(s.Auditors) == 0 {
		return ErrNoAuditors
	}
	seen := make(map[keys.PublicKey]struct{}, len(s.Auditors))
	for _, a := range s.Auditors {
		if _, ok := seen[a]; ok {
			return errors.Wrap(ErrDuplicateKey, a.String())
		}
		seen[a] = struct{}{}
	}
	if _, ok := seen[s.Alpha]; !ok {
		return ErrAlphaNotMember
	}
	if len(s.Assets) == 0 {
		return ErrNoAssets
	}
	codes := make(map[string]struct{}, len(s.Assets))
	for _, a := range s.Assets {
		if _, ok := codes[a]; ok || a == "" {
			return errors.Wrap(ErrDuplicateAsset, a)
		}
		codes[a] = struct{}{}
	}
	return nil
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Auditors = append([]keys.PublicKey(nil), s.Auditors...)
	c.Assets = append([]string(nil), s.Assets...)
	return &c
}

// -------------------- Encoding --------------------

func (s *Settings) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, s.Apex).PutBytes(2, s.Alpha[:])
	for _, a := range s.Auditors {
		e.PutRaw(3, a[:])
	}
	e.PutString(4, s.Vault)
	for _, a := range s.Assets {
		e.PutRaw(5, []byte(a))
	}
	e.PutUint64(6, uint64(s.RequestRateLimit))
}

func (s *Settings) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		s.Apex = f.Uint64()
	case 2:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		s.Alpha = pk
	case 3:
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		s.Auditors = append(s.Auditors, pk)
	case 4:
		s.Vault = f.String()
	case 5:
		s.Assets = append(s.Assets, f.String())
	case 6:
		s.RequestRateLimit = uint32(f.Uint64())
	}
	return nil
}
