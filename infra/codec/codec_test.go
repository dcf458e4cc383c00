package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type sample struct {
	ID    uint64
	Delta int64
	Name  string
	Tags  [][]byte
	Child *sample
}

func (s *sample) EncodeTo(e *Encoder) {
	e.PutUint64(1, s.ID).PutInt64(2, s.Delta).PutString(3, s.Name)
	for _, t := range s.Tags {
		e.PutRaw(4, t)
	}
	if s.Child != nil {
		e.PutMessage(5, s.Child)
	}
}

func (s *sample) DecodeField(f Field) error {
	switch f.Num {
	case 1:
		s.ID = f.Uint64()
	case 2:
		s.Delta = f.Int64()
	case 3:
		s.Name = f.String()
	case 4:
		s.Tags = append(s.Tags, f.Bytes())
	case 5:
		s.Child = &sample{}
		return Unmarshal(f.Raw(), s.Child)
	}
	return nil
}

func TestEncodeDecode(t *testing.T) {
	in := &sample{
		ID:    42,
		Delta: -7,
		Name:  "alpha",
		Tags:  [][]byte{{1}, {}, {2, 3}},
		Child: &sample{ID: 1},
	}
	out := &sample{}
	require.NoError(t, Unmarshal(Marshal(in), out))
	require.Equal(t, uint64(42), out.ID)
	require.Equal(t, int64(-7), out.Delta)
	require.Equal(t, "alpha", out.Name)
	require.Len(t, out.Tags, 3)
	require.Equal(t, uint64(1), out.Child.ID)
}

func TestDeterministic(t *testing.T) {
	a := Marshal(&sample{ID: 9, Name: "x"})
	b := Marshal(&sample{ID: 9, Name: "x"})
	require.Equal(t, a, b)
}

func TestZeroValuesOmitted(t *testing.T) {
	require.Empty(t, Marshal(&sample{}))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b := Marshal(&sample{Name: "truncated"})
	err := Unmarshal(b[:len(b)-2], &sample{})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsFixedTypes(t *testing.T) {
	b := protowire.AppendTag(nil, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 1)
	require.ErrorIs(t, Unmarshal(b, &sample{}), ErrUnsupportedType)
}
