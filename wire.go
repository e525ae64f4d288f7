// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/tether/packet"
	"github.com/google/uuid"
)

// Frame layout:
//
//	'T' 'N' version flags | body length (uint32, big-endian) | body
//
// The body holds the 16-byte ID, the deadline (see packet.Builder.Time), the
// length-prefixed type name, the cause if flagCause is set, and then the
// payload, which runs to the end of the body.
const (
	wireVersion = 0
	headerLen   = 8
	idLen       = 16

	flagCause = 1 << 0

	// MaxFrameSize is the largest frame body accepted by ReadFrom.
	MaxFrameSize = 16 << 20

	// maxMessageLen bounds the encoded length of an error message.
	maxMessageLen = 65535
)

// Encode encodes p as a binary frame.
func (p *Packet) Encode() []byte {
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

func (p *Packet) encodeBody() ([]byte, byte) {
	var b packet.Builder
	var flags byte
	b.Grow(idLen + 8 + packet.VLen(len(p.Type)) + len(p.Payload))
	b.Put(p.ID[:]...)
	b.Time(p.Deadline)
	b.VPutString(string(p.Type))
	if c := p.Cause; c != nil {
		flags |= flagCause
		b.Uint16(c.Code)
		b.VPutString(truncate(c.Message, maxMessageLen))
		b.VPut(c.Data)
	}
	b.Put(p.Payload...)
	return b.Bytes(), flags
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	body, flags := p.encodeBody()
	if len(body) > MaxFrameSize {
		return 0, fmt.Errorf("packet body too large (%d > %d bytes)", len(body), MaxFrameSize)
	}
	var hdr packet.Builder
	hdr.Grow(headerLen)
	hdr.Put('T', 'N', wireVersion, flags)
	hdr.Uint32(uint32(len(body)))
	nw, err := w.Write(hdr.Bytes())
	if err == nil {
		var nb int
		nb, err = w.Write(body)
		nw += nb
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
// On error, the contents of p are unspecified.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [headerLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}

	// The header is complete, so these reads cannot fail.
	s := packet.NewScanner(hdr[:])
	magic, _ := packet.Get[string](s, 2)
	version, _ := s.Byte()
	flags, _ := s.Byte()
	blen, _ := s.Uint32()
	if magic != "TN" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", magic)
	} else if version != wireVersion {
		return int64(nr), fmt.Errorf("unsupported protocol version %d", version)
	}
	if blen > MaxFrameSize {
		return int64(nr), fmt.Errorf("packet body too large (%d > %d bytes)", blen, MaxFrameSize)
	}
	body := make([]byte, int(blen))
	nb, err := io.ReadFull(r, body)
	nr += nb
	if err != nil {
		return int64(nr), fmt.Errorf("short packet body: %w", err)
	}
	if err := p.decodeBody(flags, body); err != nil {
		return int64(nr), fmt.Errorf("invalid packet body: %w", err)
	}
	return int64(nr), nil
}

// Decode decodes a single binary frame from data.  It reports an error if
// data does not contain exactly one valid frame.
func (p *Packet) Decode(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	} else if r.Len() != 0 {
		return fmt.Errorf("extra data after packet (%d bytes)", r.Len())
	}
	return nil
}

func (p *Packet) decodeBody(flags byte, body []byte) error {
	if flags&^flagCause != 0 {
		return fmt.Errorf("unknown flags %02x", flags)
	}
	s := packet.NewScanner(body)
	id, err := packet.Get[[]byte](s, idLen)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	copy(p.ID[:], id)
	if p.Deadline, err = s.Time(); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	ptype, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("type: %w", err)
	}
	p.Type = PacketType(ptype)

	p.Cause = nil
	if flags&flagCause != 0 {
		var c ErrorData
		if c.Code, err = s.Uint16(); err != nil {
			return fmt.Errorf("cause code: %w", err)
		}
		if c.Message, err = packet.VGet[string](s); err != nil {
			return fmt.Errorf("cause message: %w", err)
		}
		data, err := packet.VGet[[]byte](s)
		if err != nil {
			return fmt.Errorf("cause data: %w", err)
		}
		if len(data) != 0 {
			c.Data = data
		}
		p.Cause = &c
	}

	if rest := s.Rest(); len(rest) != 0 {
		p.Payload = rest
	} else {
		p.Payload = nil
	}
	return nil
}

// ParseID parses the string form of a packet ID.
func ParseID(s string) (uuid.UUID, error) { return uuid.Parse(s) }
