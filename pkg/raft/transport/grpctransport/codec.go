// Package grpctransport implements pkg/raft/transport over
// google.golang.org/grpc (spec §4.8): real gRPC framing, flow control and
// streaming, without a protoc step. There is no .proto file and no
// generated pb package anywhere in this module - every message in
// pkg/raft/types/wire.go is a plain Go struct, and the codec below teaches
// gRPC to marshal them with the same go-msgpack encoding used for every
// other on-wire and on-disk structure in this module, via
// encoding.RegisterCodec instead of protobuf's generated Marshal/Unmarshal.
package grpctransport

import (
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// codecName is advertised as the content-subtype (content-type
// application/grpc+msgpack) of every call this
// package makes; registering it under this name is what makes grpc-go pick
// msgpackCodec instead of its default proto codec for these services.
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec adapts go-msgpack to grpc's encoding.Codec interface.
// grpc-go calls Marshal/Unmarshal on every frame of every RPC this package
// registers; there is no protobuf involved at any layer.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return codecName }

var handle = &msgpack.MsgpackHandle{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("grpctransport: marshal: %w", err)
	}
	return buf, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(data, handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("grpctransport: unmarshal: %w", err)
	}
	return nil
}
