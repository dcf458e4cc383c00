package quantum

import (
	"github.com/cockroachdb/errors"

	"constellation/infra/codec"
	"constellation/infra/keys"
)

var (
	ErrUnsigned         = errors.New("quantum: envelope is not signed")
	ErrInvalidSignature = errors.New("quantum: invalid signature")
)

// Envelope is a request plus detached signatures over EncodeRequest(Request).
type Envelope struct {
	Request    Request
	Signatures []keys.Signature
}

// Seal signs r with kp.
func Seal(r Request, kp *keys.KeyPair) *Envelope {
	return &Envelope{Request: r, Signatures: []keys.Signature{kp.Sign(EncodeRequest(r))}}
}

// Body is the exact byte string every signature covers.
func (e *Envelope) Body() []byte {
	return EncodeRequest(e.Request)
}

// IsSignedBy reports whether pk has a valid signature on the envelope.
func (e *Envelope) IsSignedBy(pk keys.PublicKey) bool {
	body := e.Body()
	for _, s := range e.Signatures {
		if s.Signer == pk && s.Verify(body) {
			return true
		}
	}
	return false
}

// Verify checks every attached signature. An envelope with none fails.
func (e *Envelope) Verify() error {
	if len(e.Signatures) == 0 {
		return ErrUnsigned
	}
	body := e.Body()
	for _, s := range e.Signatures {
		if !s.Verify(body) {
			return errors.Wrapf(ErrInvalidSignature, "signer %s", s.Signer)
		}
	}
	return nil
}

func (e *Envelope) EncodeTo(enc *codec.Encoder) {
	enc.PutRaw(1, e.Body())
	for i := range e.Signatures {
		enc.PutMessage(2, &e.Signatures[i])
	}
}

func (e *Envelope) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		r, err := DecodeRequest(f.Raw())
		if err != nil {
			return err
		}
		e.Request = r
	case 2:
		var s keys.Signature
		if err := codec.Unmarshal(f.Raw(), &s); err != nil {
			return err
		}
		e.Signatures = append(e.Signatures, s)
	}
	return nil
}
