// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/creachadair/tether/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		// Single-byte encodings.
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		// Two-byte encodings.
		{64, "\x01\x01"},
		{100, "\x91\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		// Three-byte encodings.
		{16384, "\x02\x00\x01"},
		{65000, "\xa2\xf7\x03"},
		{1048576, "\x02\x00\x40"},

		// Four-byte encodings.
		{62830181, "\x97\xd9\xfa\x0e"},
		{536896023, "\x5f\x88\x01\x80"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		packed = tc.input.Append(packed) // see below

		// Make sure the value round-trips individually.
		s := packet.NewScanner(got)
		cmp, err := s.Vint30()
		if err != nil {
			t.Errorf("Scan: unexpected error: %v", err)
		} else if packet.Vint30(cmp) != tc.input {
			t.Errorf("Scan: got %v, want %v", cmp, tc.input)
		}
	}

	// Now decode the accumulated results to verify self-framing.
	t.Logf("Packed: %v", packed)
	s := packet.NewScanner(packed)
	var i int
	for s.Len() != 0 {
		got, err := s.Vint30()
		if err != nil {
			t.Fatalf("Invalid encoding at index %d (%v)", i, s.Rest())
		} else if i > len(tests) {
			t.Errorf("Index %d: got extra value %d (%v)", i, got, s.Rest())
		} else if packet.Vint30(got) != tests[i].input {
			t.Errorf("Index %d: got %v, want %v", i, got, tests[i].input)
		}
		i++
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Put(5, 9, 100)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.VPutString("apple")
	b.VPut([]byte("pear"))
	b.Put([]byte("xyzzy")...)
	b.Uint64(0x0102030405060708)

	const want = "\x05\x09\x64\x13\x88\xfc\x00\x9a\x01\x14apple\x10pearxyzzy" +
		"\x01\x02\x03\x04\x05\x06\x07\x08"

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "VString", func() (string, error) { return packet.VGet[string](s) }, "apple")
	check(t, "VBytes", func() ([]byte, error) { return packet.VGet[[]byte](s) }, []byte("pear"))
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")
	check(t, "Uint64", s.Uint64, 0x0102030405060708)

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
}

func TestTruncated(t *testing.T) {
	s := packet.NewScanner("\x01\x02\x03")
	if _, err := s.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if s.Len() != 3 {
		t.Errorf("Len after failed scan: got %d, want 3", s.Len())
	}
	if _, err := packet.VGet[string](s); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("VGet: got %v, want %v", err, io.ErrUnexpectedEOF)
	}

	empty := packet.NewScanner("")
	if _, err := empty.Vint30(); err != io.EOF {
		t.Errorf("Vint30 at end: got %v, want %v", err, io.EOF)
	}
	if _, err := empty.Byte(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Byte at end: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestTime(t *testing.T) {
	when := time.UnixMilli(1700000000123)
	tests := []struct {
		input time.Time
		want  time.Time
	}{
		{time.Time{}, time.Time{}},               // zero is preserved
		{when, when},                             // millisecond precision
		{when.Add(456 * time.Microsecond), when}, // sub-millisecond truncated
		{time.Unix(-5, 0), time.UnixMilli(1)},    // pre-epoch clamped
	}
	for _, tc := range tests {
		var b packet.Builder
		b.Time(tc.input)
		if b.Len() != 8 {
			t.Errorf("Time(%v): encoded %d bytes, want 8", tc.input, b.Len())
		}
		got, err := packet.NewScanner(b.Bytes()).Time()
		if err != nil {
			t.Errorf("Scan %v: unexpected error: %v", tc.input, err)
		} else if !got.Equal(tc.want) {
			t.Errorf("Scan %v: got %v, want %v", tc.input, got, tc.want)
		}
	}

	if _, err := packet.NewScanner("\x00\x01").Time(); err == nil {
		t.Error("Scan short time: got nil error, want error")
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
