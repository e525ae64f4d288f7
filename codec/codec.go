// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec defines encodings for the application payloads carried by
// tether packets.
//
// The wire format treats a payload as opaque bytes. A Codec converts between
// those bytes and a structured Go value. The [Default] codec is CBOR, which is
// also used for the payloads of the built-in control packets.
package codec

import (
	"fmt"
	"sync"
)

// A Codec marshals and unmarshals structured payload values.
// Implementations must be safe for concurrent use.
type Codec interface {
	// ContentType reports a MIME-style name for the encoding.
	ContentType() string

	// Marshal encodes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

// Default is the codec used by packet helpers when none is specified.
var Default = mustCBOR()

// Registry maps content types to codecs. A zero Registry is ready for use and
// is empty; use NewRegistry for one preloaded with the built-in codecs.
type Registry struct {
	μ       sync.RWMutex
	byType  map[string]Codec
	aliases map[string]string // short name → content type
}

// NewRegistry constructs a registry preloaded with the CBOR, JSON, and
// Protobuf codecs, which also have the short names "cbor", "json", and
// "proto".
func NewRegistry() *Registry {
	r := new(Registry)
	r.Register(Default)
	r.Register(JSON())
	r.Register(Proto())
	r.Alias("cbor", Default.ContentType())
	r.Alias("json", "application/json")
	r.Alias("proto", "application/x-protobuf")
	return r
}

// Alias adds name as a short name for contentType. Get and Lookup accept
// either form.
func (r *Registry) Alias(name, contentType string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.aliases == nil {
		r.aliases = make(map[string]string)
	}
	r.aliases[name] = contentType
}

// Register adds c to r, replacing any codec with the same content type.
func (r *Registry) Register(c Codec) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.byType == nil {
		r.byType = make(map[string]Codec)
	}
	r.byType[c.ContentType()] = c
}

// Get returns the codec for contentType, or nil if none is registered.
// The content type may also be a short name added by Alias.
func (r *Registry) Get(contentType string) Codec {
	r.μ.RLock()
	defer r.μ.RUnlock()
	if c, ok := r.byType[contentType]; ok {
		return c
	}
	return r.byType[r.aliases[contentType]]
}

// Lookup is as Get, but reports an error for an unknown content type.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	if c := r.Get(contentType); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown content type %q", contentType)
}
