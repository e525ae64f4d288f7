// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/codec"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestDumpStream(t *testing.T) {
	var buf bytes.Buffer
	pkts := []*tether.Packet{
		tether.NewPacket("greet", []byte("hello")),
		{ID: uuid.New(), Type: "slow", Deadline: time.UnixMilli(1700000000123)},
		tether.ErrorReply(tether.NewPacket("bad", nil), tether.ErrorData{Code: 3, Message: "nope"}),
	}
	for _, pkt := range pkts {
		if _, err := pkt.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
	}

	var out strings.Builder
	if err := dumpStream(&out, &buf); err != nil {
		t.Fatalf("dumpStream: unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(pkts) {
		t.Fatalf("Got %d lines, want %d:\n%s", len(lines), len(pkts), out.String())
	}
	for i, pkt := range pkts {
		if want := pkt.String(); lines[i] != want {
			t.Errorf("Line %d: got %q, want %q", i+1, lines[i], want)
		}
	}

	if err := dumpStream(&out, strings.NewReader("TNgarbage")); err == nil {
		t.Error("dumpStream of a corrupt frame: got nil, want error")
	}
}

func TestPayload(t *testing.T) {
	const input = `{"n": 3, "tags": ["a", "b"]}`
	want := map[string]any{"n": float64(3), "tags": []any{"a", "b"}}

	for _, c := range []codec.Codec{codec.Default, codec.JSON(), codec.Proto()} {
		t.Run(c.ContentType(), func(t *testing.T) {
			enc, err := encodePayload(c, []byte(input))
			if err != nil {
				t.Fatalf("encodePayload: unexpected error: %v", err)
			}
			got, err := decodePayload(c, enc)
			if err != nil {
				t.Fatalf("decodePayload: unexpected error: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Payload (-want, +got):\n%s", diff)
			}

			var out strings.Builder
			if err := printPayload(&out, c, enc); err != nil {
				t.Fatalf("printPayload: %v", err)
			}
			if s := out.String(); !strings.Contains(s, `"tags"`) {
				t.Errorf("printPayload: got %q, want JSON", s)
			}
		})
	}

	if _, err := encodePayload(codec.Default, []byte("{not json")); err == nil {
		t.Error("encodePayload of invalid JSON: got nil, want error")
	}
	if got, err := encodePayload(codec.Default, nil); err != nil || got != nil {
		t.Errorf("encodePayload(nil): got (%q, %v), want (nil, nil)", got, err)
	}
}
