package server

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The message types are plain Go structs, so the server registers its own
// codecs in place of connect's protobuf ones. Both codecs also satisfy the
// grpc encoding.Codec interface; gRPC clients select one with
// grpc.ForceCodec.

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEnc = em
}

// CBORCodec encodes messages as canonical CBOR. Content type
// application/cbor over Connect, application/grpc+cbor over gRPC.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

func (CBORCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, v)
}

// JSONCodec encodes messages as JSON, replacing connect's protojson codec
// under the same name so curl-style clients keep working.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
