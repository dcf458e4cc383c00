// Package quantum defines quanta, the requests they carry and the proofs
// auditors exchange about them.
package quantum

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"constellation/domain/effects"
	"constellation/domain/settings"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

type Hash [32]byte

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Quantum is one apex of the replicated log. It is immutable once created.
type Quantum struct {
	Apex         uint64
	PrevHash     Hash
	Timestamp    int64
	Envelope     *Envelope
	EffectsProof Hash
}

// Hash covers the full encoding, effects proof included. The next quantum
// stores it as PrevHash.
func (q *Quantum) Hash() Hash {
	return sha256.Sum256(codec.Marshal(q))
}

// Payload is what auditors sign: hash(apex || quantum hash || effects proof).
func (q *Quantum) Payload() Hash {
	return PayloadHash(q.Apex, q.Hash(), q.EffectsProof)
}

func PayloadHash(apex uint64, quantumHash, effectsProof Hash) Hash {
	buf := make([]byte, 8, 8+2*len(Hash{}))
	binary.BigEndian.PutUint64(buf, apex)
	buf = append(buf, quantumHash[:]...)
	buf = append(buf, effectsProof[:]...)
	return sha256.Sum256(buf)
}

func (q *Quantum) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, q.Apex).
		PutBytes(2, q.PrevHash[:]).
		PutInt64(3, q.Timestamp)
	if q.Envelope != nil {
		e.PutMessage(4, q.Envelope)
	}
	e.PutBytes(5, q.EffectsProof[:])
}

func (q *Quantum) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		q.Apex = f.Uint64()
	case 2:
		copy(q.PrevHash[:], f.Raw())
	case 3:
		q.Timestamp = f.Int64()
	case 4:
		q.Envelope = &Envelope{}
		return codec.Unmarshal(f.Raw(), q.Envelope)
	case 5:
		copy(q.EffectsProof[:], f.Raw())
	}
	return nil
}

func DecodeQuantum(b []byte) (*Quantum, error) {
	q := &Quantum{}
	if err := codec.Unmarshal(b, q); err != nil {
		return nil, errors.Wrap(err, "decode quantum")
	}
	return q, nil
}

// -------------------- Proofs --------------------

// AuditorResult is one auditor's signature over the payload of Apex.
type AuditorResult struct {
	Apex      uint64
	Signature keys.Signature
}

func (r *AuditorResult) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, r.Apex).PutMessage(2, &r.Signature)
}

func (r *AuditorResult) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		r.Apex = f.Uint64()
	case 2:
		return codec.Unmarshal(f.Raw(), &r.Signature)
	}
	return nil
}

// PayloadProof shows majority agreement on a quantum without its body.
type PayloadProof struct {
	PayloadHash Hash
	Signatures  []keys.Signature
}

// Valid counts distinct auditors with a good signature and reports whether
// they form a majority of st.
func (p *PayloadProof) Valid(st *settings.Settings) bool {
	seen := make(map[keys.PublicKey]struct{}, len(p.Signatures))
	for _, s := range p.Signatures {
		if _, ok := seen[s.Signer]; ok || !st.IsAuditor(s.Signer) {
			continue
		}
		if s.Verify(p.PayloadHash[:]) {
			seen[s.Signer] = struct{}{}
		}
	}
	return settings.HasMajority(len(seen), len(st.Auditors))
}

func (p *PayloadProof) EncodeTo(e *codec.Encoder) {
	e.PutBytes(1, p.PayloadHash[:])
	for i := range p.Signatures {
		e.PutMessage(2, &p.Signatures[i])
	}
}

func (p *PayloadProof) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		copy(p.PayloadHash[:], f.Raw())
	case 2:
		var s keys.Signature
		if err := codec.Unmarshal(f.Raw(), &s); err != nil {
			return err
		}
		p.Signatures = append(p.Signatures, s)
	}
	return nil
}

// -------------------- Persistent model --------------------

// PersistentModel is the stored form of a quantum: the quantum, the effects
// it produced grouped by account and the signatures that finalized it.
type PersistentModel struct {
	Quantum    *Quantum
	Groups     []*effects.EffectsGroup
	Signatures []keys.Signature
}

// Accounts lists the account ids with effects in this quantum.
func (m *PersistentModel) Accounts() []uint64 {
	out := make([]uint64, 0, len(m.Groups))
	for _, g := range m.Groups {
		if g.Account != 0 {
			out = append(out, g.Account)
		}
	}
	return out
}

// Effects flattens the groups in order. Effects of different accounts
// commute, so replaying group by group reaches the same state as the
// original emission order.
func (m *PersistentModel) Effects() []effects.Effect {
	var out []effects.Effect
	for _, g := range m.Groups {
		out = append(out, g.Effects...)
	}
	return out
}

func (m *PersistentModel) Proof() *PayloadProof {
	return &PayloadProof{PayloadHash: m.Quantum.Payload(), Signatures: m.Signatures}
}

func (m *PersistentModel) EncodeTo(e *codec.Encoder) {
	e.PutMessage(1, m.Quantum)
	for _, g := range m.Groups {
		e.PutMessage(2, g)
	}
	for i := range m.Signatures {
		e.PutMessage(3, &m.Signatures[i])
	}
}

func (m *PersistentModel) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		m.Quantum = &Quantum{}
		return codec.Unmarshal(f.Raw(), m.Quantum)
	case 2:
		g := &effects.EffectsGroup{}
		if err := codec.Unmarshal(f.Raw(), g); err != nil {
			return err
		}
		m.Groups = append(m.Groups, g)
	case 3:
		var s keys.Signature
		if err := codec.Unmarshal(f.Raw(), &s); err != nil {
			return err
		}
		m.Signatures = append(m.Signatures, s)
	}
	return nil
}

func DecodePersistentModel(b []byte) (*PersistentModel, error) {
	m := &PersistentModel{}
	if err := codec.Unmarshal(b, m); err != nil {
		return nil, errors.Wrap(err, "decode persistent model")
	}
	return m, nil
}
