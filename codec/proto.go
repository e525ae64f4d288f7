// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protoCodec struct{}

// Proto returns a codec for values that implement proto.Message.
// Marshaling or unmarshaling any other type reports an error.
func Proto() Codec { return protoCodec{} }

func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}
