package grpcserver

import (
	"github.com/cockroachdb/errors"

	"constellation/infra/codec"
)

const codecName = "constellation"

var errNotMessage = errors.New("grpc codec: value is not a constellation message")

// Codec carries the deterministic wire encoding over gRPC so clients sign
// exactly the bytes the pipeline hashes.
type Codec struct{}

func (Codec) Name() string { return codecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(codec.Message)
	if !ok {
		return nil, errors.Wrapf(errNotMessage, "%T", v)
	}
	return codec.Marshal(m), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(codec.Unmarshaler)
	if !ok {
		return errors.Wrapf(errNotMessage, "%T", v)
	}
	return codec.Unmarshal(data, m)
}
