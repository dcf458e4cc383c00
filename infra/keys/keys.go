// Package keys holds node and account key material.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"

	"constellation/infra/codec"
)

const PublicKeySize = ed25519.PublicKeySize

var (
	ErrInvalidKey  = errors.New("keys: invalid key")
	ErrInvalidSeed = errors.New("keys: seed must be 32 bytes")
)

// PublicKey identifies accounts and constellation nodes.
type PublicKey [PublicKeySize]byte

func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// Verify checks an ed25519 signature over msg.
func (p PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(p[:], msg, sig)
}

func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return PublicKeyFromBytes(raw)
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != PublicKeySize {
		return p, errors.Wrapf(ErrInvalidKey, "length %d", len(b))
	}
	copy(p[:], b)
	return p, nil
}

// -------------------- KeyPair --------------------

type KeyPair struct {
	public  PublicKey
	private ed25519.PrivateKey
}

func Generate() (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.Wrap(err, "keys: read random seed")
	}
	return FromSeed(seed)
}

func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &KeyPair{private: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// FromSecret parses the base58 form of a 32 byte seed.
func FromSecret(secret string) (*KeyPair, error) {
	seed, err := base58.Decode(secret)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSeed, err.Error())
	}
	return FromSeed(seed)
}

func (k *KeyPair) Public() PublicKey {
	return k.public
}

// Secret returns the base58 seed.
func (k *KeyPair) Secret() string {
	return base58.Encode(k.private.Seed())
}

func (k *KeyPair) Sign(msg []byte) Signature {
	return Signature{
		Signer: k.public,
		Data:   ed25519.Sign(k.private, msg),
	}
}

// -------------------- Signature --------------------

// Signature is a detached signature tagged with its signer.
type Signature struct {
	Signer PublicKey
	Data   []byte
}

func (s Signature) Verify(msg []byte) bool {
	return s.Signer.Verify(msg, s.Data)
}

func (s Signature) EncodeTo(e *codec.Encoder) {
	e.PutBytes(1, s.Signer[:]).PutBytes(2, s.Data)
}

func (s *Signature) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		pk, err := PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		s.Signer = pk
	case 2:
		s.Data = f.Bytes()
	}
	return nil
}
