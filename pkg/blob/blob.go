// Package blob implements the single codec used cluster-wide for task
// envelopes, statuses, manifests, and results. It is backed by CBOR, a
// self-describing binary format that round-trips arbitrary nested
// structured values (maps, lists, strings, numbers, booleans, null, byte
// strings) without an external schema, so clients and workers agree on
// wire format without sharing generated code.
package blob

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = m

	dopts := cbor.DecOptions{
		MaxNestedLevels: 64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Encode serializes v into its opaque on-the-wire representation.
func Encode(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode deserializes data produced by Encode into v (a pointer).
func Decode(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// Value is an opaque, self-describing payload: an expression tree, a
// captured global-bindings map, or an evaluator argument/result. It
// round-trips through Encode/Decode without the holder needing to know
// its shape in advance.
type Value = interface{}

// RawBlob carries an already-encoded payload (e.g. a nested envelope)
// without re-encoding it, mirroring cbor.RawMessage.
type RawBlob = cbor.RawMessage
