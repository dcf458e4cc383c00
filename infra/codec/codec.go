// Package codec is the deterministic binary encoding shared by quanta,
// effects, persisted models and wire messages.
//
// Values are written as protobuf wire-format fields in the order the caller
// emits them. Zero scalars and empty byte strings are omitted, nested
// messages are always written. Two encoders fed the same calls produce the
// same bytes, so encodings can be hashed and signed.
package codec

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed       = errors.New("codec: malformed input")
	ErrUnsupportedType = errors.New("codec: unsupported wire type")
)

// Message is implemented by every type that has a binary form.
type Message interface {
	EncodeTo(e *Encoder)
}

// Unmarshaler receives decoded fields one at a time.
type Unmarshaler interface {
	DecodeField(f Field) error
}

// -------------------- Encoder --------------------

type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 128)}
}

func (e *Encoder) PutUint64(num protowire.Number, v uint64) *Encoder {
	if v == 0 {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// PutInt64 writes a zigzag encoded signed value.
func (e *Encoder) PutInt64(num protowire.Number, v int64) *Encoder {
	if v == 0 {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
	return e
}

func (e *Encoder) PutBool(num protowire.Number, v bool) *Encoder {
	if !v {
		return e
	}
	return e.PutUint64(num, 1)
}

func (e *Encoder) PutBytes(num protowire.Number, b []byte) *Encoder {
	if len(b) == 0 {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
	return e
}

func (e *Encoder) PutString(num protowire.Number, s string) *Encoder {
	if s == "" {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
	return e
}

// PutMessage writes m as a length-delimited field, even when m is empty,
// so repeated nested messages keep their count.
func (e *Encoder) PutMessage(num protowire.Number, m Message) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, Marshal(m))
	return e
}

// PutRaw writes an already encoded message.
func (e *Encoder) PutRaw(num protowire.Number, b []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Marshal encodes m into a fresh buffer.
func Marshal(m Message) []byte {
	e := NewEncoder()
	m.EncodeTo(e)
	return e.buf
}

// -------------------- Decoder --------------------

// Field is one decoded wire field. Bytes values alias the input buffer.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	varint uint64
	data   []byte
}

func (f Field) Uint64() uint64 { return f.varint }

func (f Field) Int64() int64 { return protowire.DecodeZigZag(f.varint) }

func (f Field) Bool() bool { return f.varint != 0 }

func (f Field) String() string { return string(f.data) }

// Bytes returns a copy of the field payload.
func (f Field) Bytes() []byte {
	if f.data == nil {
		return nil
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Raw returns the payload without copying.
func (f Field) Raw() []byte { return f.data }

// Decode walks every field of b in order.
func Decode(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Wrap(ErrMalformed, protowire.ParseError(m).Error())
			}
			f.varint = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrap(ErrMalformed, protowire.ParseError(m).Error())
			}
			f.data = v
			b = b[m:]
		default:
			return errors.Wrapf(ErrUnsupportedType, "field %d type %d", num, typ)
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes b into m.
func Unmarshal(b []byte, m Unmarshaler) error {
	return Decode(b, m.DecodeField)
}
