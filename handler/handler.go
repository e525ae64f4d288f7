// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the tether.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// Values of any other type are decoded with the codec of the manager that
// received the request (see tether.Options).
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.  Values of
// any other type are encoded with the same codec.
//
// Adapters that produce a result send it to the connection the request
// arrived on, as a reply of the designated type. If the function reports an
// error, or the parameters cannot be decoded, an exception reply carrying the
// error is sent instead.
package handler

import (
	"bytes"
	"context"
	"encoding"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/codec"
)

// pktContextKey is a context key for the packet passed to a handler.
type pktContextKey struct{}

// ContextPacket returns the original packet passed to the handler, or nil if
// ctx has no associated packet.  The context passed to a function adapted by
// this package will have this value.
func ContextPacket(ctx context.Context) *tether.Packet {
	if v := ctx.Value(pktContextKey{}); v != nil {
		return v.(*tether.Packet)
	}
	return nil
}

// Param adapts a function f that accepts parameters of type P and reports an
// error, to a tether.Handler that does not reply. An error from f is reported
// by the handler.
func Param[P any](f func(context.Context, P) error) tether.Handler {
	return func(ctx context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		var p P
		if err := unmarshal(conn.Manager().Codec(), pkt.Payload, &p); err != nil {
			return err
		}
		return f(context.WithValue(ctx, pktContextKey{}, pkt), p)
	}
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a tether.Handler that replies
// with a packet of type rtype.
func ParamResultError[P, R any](rtype tether.PacketType, f func(context.Context, P) (R, error)) tether.Handler {
	return func(ctx context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		var p P
		if err := unmarshal(conn.Manager().Codec(), pkt.Payload, &p); err != nil {
			return sendError(conn, pkt, err)
		}
		r, err := f(context.WithValue(ctx, pktContextKey{}, pkt), p)
		if err != nil {
			return sendError(conn, pkt, err)
		}
		return sendResult(conn, pkt, rtype, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a tether.Handler that replies
// with a packet of type rtype.
func ParamResult[P, R any](rtype tether.PacketType, f func(context.Context, P) R) tether.Handler {
	return ParamResultError(rtype, func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a tether.Handler that replies with an empty
// packet of type rtype.
func ParamError[P any](rtype tether.PacketType, f func(context.Context, P) error) tether.Handler {
	return ParamResultError(rtype, func(ctx context.Context, p P) ([]byte, error) {
		return nil, f(ctx, p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a tether.Handler that replies with a
// packet of type rtype.
func ResultError[R any](rtype tether.PacketType, f func(context.Context) (R, error)) tether.Handler {
	return func(ctx context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		r, err := f(context.WithValue(ctx, pktContextKey{}, pkt))
		if err != nil {
			return sendError(conn, pkt, err)
		}
		return sendResult(conn, pkt, rtype, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a tether.Handler that replies with a packet of type
// rtype.
func ResultOnly[R any](rtype tether.PacketType, f func(context.Context) R) tether.Handler {
	return ResultError(rtype, func(ctx context.Context) (R, error) { return f(ctx), nil })
}

func sendResult(conn *tether.Conn, req *tether.Packet, rtype tether.PacketType, r any) error {
	data, err := marshal(conn.Manager().Codec(), r)
	if err != nil {
		return sendError(conn, req, err)
	}
	return conn.Send(tether.NewReply(req, rtype, data), true)
}

func sendError(conn *tether.Conn, req *tether.Packet, err error) error {
	return conn.Send(tether.ErrorReply(req, err), true)
}

// unmarshal decodes data into v. If the concrete type of v is a pointer to a
// []byte or string, data is copied. If v implements the
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interface, that is
// used, preferring BinaryUnmarshaler. Otherwise data is decoded with c.
func unmarshal(c codec.Codec, data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return c.Unmarshal(data, v)
	}
	return nil
}

// marshal encodes v into data. If the concrete type of v is a []byte or string
// (or a pointer to these), it is used directly. If v implements the
// encoding.BinaryMarshaler or encoding.TextMarshaler interface, that is used,
// preferring BinaryMarshaler. Otherwise v is encoded with c.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(c codec.Codec, v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return c.Marshal(v)
	}
}
