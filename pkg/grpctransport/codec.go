package grpctransport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the registered content-subtype grpc-go negotiates for every
// call made through this package. client.go selects it on each call with
// grpc.CallContentSubtype(codecName); the server side passes no option and
// grpc-go picks this registered codec from the incoming call's subtype.
const codecName = "raftjson"

// jsonCodec marshals the plain Go RPC structs in pkg/raft/transport.go with
// encoding/json instead of protobuf. grpc-go's encoding.Codec is the
// documented extension point for non-protobuf payloads; registering one
// under its own subtype lets a real google.golang.org/grpc.Server and
// ClientConn carry this traffic without a protoc-generated stub.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
