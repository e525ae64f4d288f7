// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"fmt"
	"strings"
	"time"

	"github.com/creachadair/tether/codec"
	"github.com/google/uuid"
)

// Packet is the unit of exchange between connected endpoints.
//
// The ID of a packet is fixed when it is constructed. A reply to a request
// carries the ID of the request, which is how the sender of the request
// correlates the two. The Deadline, once set, is not extended.
type Packet struct {
	ID       uuid.UUID  // unique identifier, echoed by replies
	Type     PacketType // variant tag used to select handlers
	Deadline time.Time  // zero means no deadline
	Cause    *ErrorData // if non-nil, this is an exception packet
	Payload  []byte     // application data, opaque to the transport
}

// NewPacket constructs a packet of the given type with a fresh random ID.
func NewPacket(ptype PacketType, payload []byte) *Packet {
	return &Packet{ID: uuid.New(), Type: ptype, Payload: payload}
}

// NewReply constructs a packet of the given type that replies to req.
// The reply has the same ID as req.
func NewReply(req *Packet, ptype PacketType, payload []byte) *Packet {
	return &Packet{ID: req.ID, Type: ptype, Payload: payload}
}

// ErrorReply constructs an exception packet replying to req with the given
// error. If err has concrete type ErrorData or *ErrorData, its code and data
// are preserved; otherwise the cause has code 0 and the text of err.
func ErrorReply(req *Packet, err error) *Packet {
	var cause ErrorData
	switch t := err.(type) {
	case ErrorData:
		cause = t
	case *ErrorData:
		cause = *t
	default:
		cause.Message = err.Error()
	}
	return &Packet{ID: req.ID, Type: TypeError, Cause: &cause}
}

// Marshal constructs a packet of the given type whose payload is the encoding
// of v with the default codec.
func Marshal(ptype PacketType, v any) (*Packet, error) {
	data, err := codec.Default.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %v payload: %w", ptype, err)
	}
	return NewPacket(ptype, data), nil
}

// Unmarshal decodes the payload of p into v with the default codec.
func (p *Packet) Unmarshal(v any) error {
	if err := codec.Default.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %v payload: %w", p.Type, err)
	}
	return nil
}

// WithTimeout sets the deadline of p to d after the current time, if p does
// not already have a deadline. It returns p to permit chaining.
func (p *Packet) WithTimeout(d time.Duration) *Packet {
	if p.Deadline.IsZero() {
		p.Deadline = time.Now().Add(d)
	}
	return p
}

// Expired reports whether p has a deadline that is before now.
func (p *Packet) Expired(now time.Time) bool {
	return !p.Deadline.IsZero() && now.After(p.Deadline)
}

// IsException reports whether p carries an error cause.
func (p *Packet) IsException() bool { return p.Cause != nil }

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Packet(%s, %v", p.ID.String()[:8], p.Type)
	if !p.Deadline.IsZero() {
		fmt.Fprintf(&sb, ", deadline=%s", p.Deadline.UTC().Format(time.RFC3339Nano))
	}
	if p.Cause != nil {
		fmt.Fprintf(&sb, ", cause=%q", p.Cause.Error())
	}
	if len(p.Payload) > 16 {
		fmt.Fprintf(&sb, ", Data=%+v ...)", p.Payload[:16])
	} else {
		fmt.Fprintf(&sb, ", Data=%+v)", p.Payload)
	}
	return sb.String()
}

// PacketType is the variant tag of a packet. Applications may use any
// non-empty type name; names beginning with "tether." are reserved for the
// built-in control packets.
type PacketType string

const (
	TypeRename PacketType = "tether.rename" // connection name change
	TypeError  PacketType = "tether.error"  // exception reply
	TypePing   PacketType = "tether.ping"   // round-trip request
	TypePong   PacketType = "tether.pong"   // reply to a ping

	reservedPrefix = "tether."
)

// IsReserved reports whether p is reserved for a built-in control packet.
func (p PacketType) IsReserved() bool { return strings.HasPrefix(string(p), reservedPrefix) }

func (p PacketType) String() string {
	if p == "" {
		return "TYPE:<none>"
	}
	return string(p)
}

// RenameData is the payload of a TypeRename packet.
type RenameData struct {
	Old string `cbor:"old"`
	New string `cbor:"new"`
}

// PingData is the payload of a TypePing packet and its TypePong reply.
type PingData struct {
	Sent time.Time `cbor:"sent"`
}

// ErrorData describes the cause carried by an exception packet.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. A handler can return one to ErrorReply to control the code and
// auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
