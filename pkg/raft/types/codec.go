package types

import (
	"bytes"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// handle is the shared msgpack handle used to encode/decode every on-disk
// and on-wire structure in this module: entries, votes, and RPC payloads.
// hashicorp/raft uses the same codec internally for its NetworkTransport;
// we reuse it here for the same reason - a compact, fast, well-tested
// binary encoding with no schema compiler required.
var handle = &msgpack.MsgpackHandle{}

// Encode msgpack-encodes v.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode msgpack-decodes data into v.
func Decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data), handle)
	return dec.Decode(v)
}
