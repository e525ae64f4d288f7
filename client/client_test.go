// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package client_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/client"
	"github.com/fortytw2/leaktest"
)

func TestNotConnected(t *testing.T) {
	c := client.New(nil)
	defer c.Close()

	if err := c.Send(tether.NewPacket("x", nil)); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("Send: got %v, want %v", err, client.ErrNotConnected)
	}
	if _, err := c.SendThen(tether.NewPacket("x", nil)); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendThen: got %v, want %v", err, client.ErrNotConnected)
	}
	if _, err := c.SetNameRemote("x"); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SetNameRemote: got %v, want %v", err, client.ErrNotConnected)
	}
	if _, err := c.Ping(t.Context()); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("Ping: got %v, want %v", err, client.ErrNotConnected)
	}
	if c.Conn() != nil {
		t.Errorf("Conn: got %v, want nil", c.Conn())
	}
}

func TestConnectFailure(t *testing.T) {
	// Reserve a port and close it, so that nothing is listening.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := lst.Addr().(*net.TCPAddr).Port
	lst.Close()

	c := client.New(&client.Options{DialTimeout: time.Second})
	defer c.Close()
	if err := c.Connect(t.Context(), "127.0.0.1", port); err == nil {
		t.Error("Connect: got nil, want error")
	} else {
		t.Logf("Connect error OK: %v", err)
	}
	if err := c.Send(tether.NewPacket("x", nil)); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("Send after failed connect: got %v, want %v", err, client.ErrNotConnected)
	}
}

func TestClient(t *testing.T) {
	defer leaktest.Check(t)()

	// The remote end is a bare manager standing in for a server.
	remote := tether.NewManager(nil)
	remote.Start()
	defer remote.Stop()
	remote.Handle("q", func(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		return conn.Send(tether.NewReply(pkt, "a", pkt.Payload), true)
	})
	remote.Handle(tether.TypeRename, func(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		var rd tether.RenameData
		if err := pkt.Unmarshal(&rd); err != nil {
			return err
		}
		// Grant the request with a suffix, to show the reply is authoritative.
		rsp, err := tether.Marshal(tether.TypeRename, tether.RenameData{Old: rd.Old, New: rd.New + "-ok"})
		if err != nil {
			return err
		}
		rsp.ID = pkt.ID
		return conn.Send(rsp, true)
	})

	a, b := channel.Direct()
	rconn, err := remote.Attach(b, "client")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	c := client.New(&client.Options{Name: "initial"})
	defer c.Close()
	if err := c.Start(a); err != nil {
		t.Fatalf("Start: unexpected error: %v", err)
	}
	if err := c.Start(a); !errors.Is(err, client.ErrConnected) {
		t.Errorf("Start again: got %v, want %v", err, client.ErrConnected)
	}
	if err := c.Connect(t.Context(), "127.0.0.1", 1); !errors.Is(err, client.ErrConnected) {
		t.Errorf("Connect while connected: got %v, want %v", err, client.ErrConnected)
	}
	if got := c.Name(); got != "initial" {
		t.Errorf("Name: got %q, want initial", got)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	call, err := c.SendThen(tether.NewPacket("q", []byte("hi")))
	if err != nil {
		t.Fatalf("SendThen: %v", err)
	}
	if rsp, err := call.Wait(ctx); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	} else if string(rsp.Payload) != "hi" {
		t.Errorf("Reply: got %q, want hi", rsp.Payload)
	}

	c.SetName("local")
	if got := c.Conn().Name(); got != "local" {
		t.Errorf("SetName: got %q, want local", got)
	}

	call, err = c.SetNameRemote("wanted")
	if err != nil {
		t.Fatalf("SetNameRemote: %v", err)
	}
	if _, err := call.Wait(ctx); err != nil {
		t.Fatalf("SetNameRemote reply: %v", err)
	}
	if got := c.Name(); got != "wanted-ok" {
		t.Errorf("Name after remote rename: got %q, want wanted-ok", got)
	}

	// An unsolicited notification is applied too.
	note, err := tether.Marshal(tether.TypeRename, tether.RenameData{Old: "wanted-ok", New: "assigned"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := rconn.Send(note, true); err != nil {
		t.Fatalf("Send notification: %v", err)
	}
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := c.Name(); got != "assigned" {
		t.Errorf("Name after notification: got %q, want assigned", got)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Send(tether.NewPacket("x", nil)); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("Send after Close: got %v, want %v", err, client.ErrNotConnected)
	}
}
