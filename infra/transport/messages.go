package transport

import (
	"github.com/cockroachdb/errors"

	"constellation/domain/quantum"
	"constellation/infra/codec"
	"constellation/infra/keys"
)

var ErrUnknownMessage = errors.New("transport: unknown message type")

type MessageType uint8

const (
	TypeHandshakeInit MessageType = iota + 1
	TypeHandshakeResult
	TypeQuantum
	TypeQuantaBatch
	TypeQuantaBatchRequest
	TypeSetApexCursor
	TypeSyncCursorReset
	TypeAuditorResults
	TypeState

	typeEnd
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshakeInit:
		return "handshake_init"
	case TypeHandshakeResult:
		return "handshake_result"
	case TypeQuantum:
		return "quantum"
	case TypeQuantaBatch:
		return "quanta_batch"
	case TypeQuantaBatchRequest:
		return "quanta_batch_request"
	case TypeSetApexCursor:
		return "set_apex_cursor"
	case TypeSyncCursorReset:
		return "sync_cursor_reset"
	case TypeAuditorResults:
		return "auditor_results"
	case TypeState:
		return "state"
	default:
		return "unknown"
	}
}

// Message is the sealed union of peer messages.
type Message interface {
	codec.Message
	codec.Unmarshaler
	Type() MessageType
	message()
}

// -------------------- Handshake --------------------

type HandshakeInit struct {
	Nonce []byte
}

func (*HandshakeInit) Type() MessageType { return TypeHandshakeInit }
func (*HandshakeInit) message()          {}

func (m *HandshakeInit) EncodeTo(e *codec.Encoder) { e.PutBytes(1, m.Nonce) }

func (m *HandshakeInit) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		m.Nonce = f.Bytes()
	}
	return nil
}

// HandshakeResult echoes the nonce. The frame signature proves the key.
type HandshakeResult struct {
	Nonce []byte
}

func (*HandshakeResult) Type() MessageType { return TypeHandshakeResult }
func (*HandshakeResult) message()          {}

func (m *HandshakeResult) EncodeTo(e *codec.Encoder) { e.PutBytes(1, m.Nonce) }

func (m *HandshakeResult) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		m.Nonce = f.Bytes()
	}
	return nil
}

// -------------------- Quanta --------------------

// QuantumInfo is a quantum with the payload signatures known for it.
type QuantumInfo struct {
	Quantum    *quantum.Quantum
	Signatures []keys.Signature
}

func (q *QuantumInfo) EncodeTo(e *codec.Encoder) {
	e.PutMessage(1, q.Quantum)
	for i := range q.Signatures {
		e.PutMessage(2, &q.Signatures[i])
	}
}

func (q *QuantumInfo) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		q.Quantum = &quantum.Quantum{}
		return codec.Unmarshal(f.Raw(), q.Quantum)
	case 2:
		var s keys.Signature
		if err := codec.Unmarshal(f.Raw(), &s); err != nil {
			return err
		}
		q.Signatures = append(q.Signatures, s)
	}
	return nil
}

// QuantumMessage carries one freshly sequenced quantum from Alpha.
type QuantumMessage struct {
	QuantumInfo
}

func (*QuantumMessage) Type() MessageType { return TypeQuantum }
func (*QuantumMessage) message()          {}

// QuantaBatch is a contiguous run of quanta for catch-up. LastKnownApex is
// the sender's head so the receiver can tell how far behind it is.
type QuantaBatch struct {
	Quanta        []*QuantumInfo
	LastKnownApex uint64
}

func (*QuantaBatch) Type() MessageType { return TypeQuantaBatch }
func (*QuantaBatch) message()          {}

// Contiguous reports whether the batch starts at from and has no gap.
func (m *QuantaBatch) Contiguous(from uint64) bool {
	for i, q := range m.Quanta {
		if q.Quantum == nil || q.Quantum.Apex != from+uint64(i) {
			return false
		}
	}
	return true
}

func (m *QuantaBatch) EncodeTo(e *codec.Encoder) {
	for _, q := range m.Quanta {
		e.PutMessage(1, q)
	}
	e.PutUint64(2, m.LastKnownApex)
}

func (m *QuantaBatch) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		q := &QuantumInfo{}
		if err := codec.Unmarshal(f.Raw(), q); err != nil {
			return err
		}
		m.Quanta = append(m.Quanta, q)
	case 2:
		m.LastKnownApex = f.Uint64()
	}
	return nil
}

type QuantaBatchRequest struct {
	From  uint64
	Limit uint32
}

func (*QuantaBatchRequest) Type() MessageType { return TypeQuantaBatchRequest }
func (*QuantaBatchRequest) message()          {}

func (m *QuantaBatchRequest) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, m.From).PutUint64(2, uint64(m.Limit))
}

func (m *QuantaBatchRequest) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		m.From = f.Uint64()
	case 2:
		m.Limit = uint32(f.Uint64())
	}
	return nil
}

// -------------------- Cursors --------------------

// SetApexCursor asks the peer to stream quanta after Apex.
type SetApexCursor struct {
	Apex uint64
}

func (*SetApexCursor) Type() MessageType { return TypeSetApexCursor }
func (*SetApexCursor) message()          {}

func (m *SetApexCursor) EncodeTo(e *codec.Encoder) { e.PutUint64(1, m.Apex) }

func (m *SetApexCursor) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		m.Apex = f.Uint64()
	}
	return nil
}

type CursorType uint8

const (
	CursorQuanta CursorType = iota
	CursorSignatures
)

func (c CursorType) String() string {
	if c == CursorQuanta {
		return "quanta"
	}
	return "signatures"
}

// SyncCursor is the apex after which the peer should stream one kind of
// data. A disabled cursor stops that stream.
type SyncCursor struct {
	Type     CursorType
	Apex     uint64
	Disabled bool
}

func (c *SyncCursor) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, uint64(c.Type)).PutUint64(2, c.Apex).PutBool(3, c.Disabled)
}

func (c *SyncCursor) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		c.Type = CursorType(f.Uint64())
	case 2:
		c.Apex = f.Uint64()
	case 3:
		c.Disabled = f.Bool()
	}
	return nil
}

type SyncCursorReset struct {
	Cursors []SyncCursor
}

func (*SyncCursorReset) Type() MessageType { return TypeSyncCursorReset }
func (*SyncCursorReset) message()          {}

func (m *SyncCursorReset) EncodeTo(e *codec.Encoder) {
	for i := range m.Cursors {
		e.PutMessage(1, &m.Cursors[i])
	}
}

func (m *SyncCursorReset) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		var c SyncCursor
		if err := codec.Unmarshal(f.Raw(), &c); err != nil {
			return err
		}
		m.Cursors = append(m.Cursors, c)
	}
	return nil
}

// -------------------- Results and state --------------------

type AuditorResults struct {
	Results []quantum.AuditorResult
}

func (*AuditorResults) Type() MessageType { return TypeAuditorResults }
func (*AuditorResults) message()          {}

func (m *AuditorResults) EncodeTo(e *codec.Encoder) {
	for i := range m.Results {
		e.PutMessage(1, &m.Results[i])
	}
}

func (m *AuditorResults) DecodeField(f codec.Field) error {
	if f.Num == 1 {
		var r quantum.AuditorResult
		if err := codec.Unmarshal(f.Raw(), &r); err != nil {
			return err
		}
		m.Results = append(m.Results, r)
	}
	return nil
}

// StateMessage is the periodic liveness heartbeat.
type StateMessage struct {
	State       uint8
	Apex        uint64
	QueueLength uint32
}

func (*StateMessage) Type() MessageType { return TypeState }
func (*StateMessage) message()          {}

func (m *StateMessage) EncodeTo(e *codec.Encoder) {
	e.PutUint64(1, uint64(m.State)).PutUint64(2, m.Apex).PutUint64(3, uint64(m.QueueLength))
}

func (m *StateMessage) DecodeField(f codec.Field) error {
	switch f.Num {
	case 1:
		m.State = uint8(f.Uint64())
	case 2:
		m.Apex = f.Uint64()
	case 3:
		m.QueueLength = uint32(f.Uint64())
	}
	return nil
}

// -------------------- Frame --------------------

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeHandshakeInit:
		return &HandshakeInit{}, nil
	case TypeHandshakeResult:
		return &HandshakeResult{}, nil
	case TypeQuantum:
		return &QuantumMessage{}, nil
	case TypeQuantaBatch:
		return &QuantaBatch{}, nil
	case TypeQuantaBatchRequest:
		return &QuantaBatchRequest{}, nil
	case TypeSetApexCursor:
		return &SetApexCursor{}, nil
	case TypeSyncCursorReset:
		return &SyncCursorReset{}, nil
	case TypeAuditorResults:
		return &AuditorResults{}, nil
	case TypeState:
		return &StateMessage{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "type %d", t)
	}
}

func body(m Message) []byte {
	return codec.NewEncoder().PutUint64(1, uint64(m.Type())).PutMessage(2, m).Bytes()
}

// Frame is the wire unit: one message and the sender's signature over its
// typed body.
type Frame struct {
	Message   Message
	Signature keys.Signature
}

func Sign(m Message, kp *keys.KeyPair) *Frame {
	return &Frame{Message: m, Signature: kp.Sign(body(m))}
}

// Verify checks the signature was made by pk.
func (f *Frame) Verify(pk keys.PublicKey) bool {
	return f.Signature.Signer == pk && f.Signature.Verify(body(f.Message))
}

func (f *Frame) Marshal() []byte {
	return codec.NewEncoder().PutRaw(1, body(f.Message)).PutMessage(2, f.Signature).Bytes()
}

func UnmarshalFrame(b []byte) (*Frame, error) {
	var (
		typ     MessageType
		payload []byte
		f       Frame
	)
	err := codec.Decode(b, func(fl codec.Field) error {
		switch fl.Num {
		case 1:
			return codec.Decode(fl.Raw(), func(in codec.Field) error {
				switch in.Num {
				case 1:
					typ = MessageType(in.Uint64())
				case 2:
					payload = in.Raw()
				}
				return nil
			})
		case 2:
			return codec.Unmarshal(fl.Raw(), &f.Signature)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m, err := newMessage(typ)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(payload, m); err != nil {
		return nil, errors.Wrapf(err, "decode %s", typ)
	}
	f.Message = m
	return &f, nil
}
