package raft

import "encoding/json"

// JSONCodec is the default Codec: every RPC struct round-trips through
// encoding/json. It is not the fastest wire format available in the
// ecosystem, but it needs no schema compiler and every field in transport.go
// already carries `json` tags for it.
type JSONCodec struct{}

// NewJSONCodec returns the default codec.
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &NetworkError{Kind: SerializationFailure, Err: err}
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &NetworkError{Kind: SerializationFailure, Err: err}
	}
	return nil
}

// Envelope tags a marshaled RPC payload with its kind, so a server dispatch
// loop can pick the right handler and response type without probing each
// deserializer in order, the "explicit type field, preferred" option in
// §4.5.
type Envelope struct {
	Kind    RPCKind         `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// RPCKind identifies which of the three Raft RPCs an Envelope carries.
type RPCKind string

const (
	RPCRequestVote     RPCKind = "request_vote"
	RPCAppendEntries   RPCKind = "append_entries"
	RPCInstallSnapshot RPCKind = "install_snapshot"
)

// EncodeEnvelope wraps v (a request or response struct) in an Envelope
// tagged with kind and marshals it with codec.
func EncodeEnvelope(codec Codec, kind RPCKind, v any) ([]byte, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(Envelope{Kind: kind, Payload: payload})
}

// DecodeEnvelope unmarshals the outer Envelope from data using codec,
// returning its kind and raw payload for a second Unmarshal into the
// concrete request/response type the caller expects for that kind.
func DecodeEnvelope(codec Codec, data []byte) (RPCKind, json.RawMessage, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	return env.Kind, env.Payload, nil
}
