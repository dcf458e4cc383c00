package grpcserver

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

// SubmitRequest carries one signed client request.
type SubmitRequest struct {
	Envelope *quantum.Envelope
}

func (m *SubmitRequest) EncodeTo(e *codec.Encoder) {
	if m.Envelope != nil {
		e.PutMessage(1, m.Envelope)
	}
}

func (m *SubmitRequest) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		m.Envelope = &quantum.Envelope{}
		return codec.Unmarshal(f.Raw(), m.Envelope)
	}
	return nil
}

// SubmitReply is returned for sequenced requests.
type SubmitReply struct {
	Apex uint64
	Hash quantum.Hash
}

func (m *SubmitReply) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, m.Apex).PutBytes(2, m.Hash[:])
}

func (m *SubmitReply) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		m.Apex = f.Uint64()
	case 2:
		if len(f.Raw()) != len(m.Hash) {
			return errors.Wrap(codec.ErrMalformed, "quantum hash")
		}
		copy(m.Hash[:], f.Raw())
	}
	return nil
}

type AccountRequest struct {
	PubKey keys.PublicKey
}

func (m *AccountRequest) EncodeTo(e *codec.Encoder) { e.PutBytes(1, m.PubKey[:]) }

func (m *AccountRequest) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		pk, err := keys.PublicKeyFromBytes(f.Raw())
		if err != nil {
			return err
		}
		m.PubKey = pk
	}
	return nil
}

type AccountReply struct {
	Account *ledger.Account
}

func (m *AccountReply) EncodeTo(e *codec.Encoder) {
	if m.Account != nil {
		e.PutMessage(1, m.Account)
	}
}

func (m *AccountReply) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		a, err := ledger.DecodeAccount(f.Raw())
		if err != nil {
			return err
		}
		m.Account = a
	}
	return nil
}
