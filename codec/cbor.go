// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) using the canonical
// encoding options. Times are encoded as RFC 3339 strings so they round-trip
// with their sub-second precision. Maps decoded into an interface value have
// string keys, so decoded values can be re-encoded as JSON.
func CBOR() (Codec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func mustCBOR() Codec {
	c, err := CBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (cborCodec) ContentType() string                  { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
