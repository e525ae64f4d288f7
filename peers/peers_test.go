// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/creachadair/tether/peers"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close and RemoteAddr
// methods can be called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error         { return nil }
func (fakeConn) RemoteAddr() net.Addr { return fakeAddr("fake:1") }

type fakeAddr string

func (fakeAddr) Network() string  { return "fake" }
func (a fakeAddr) String() string { return string(a) }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, addr, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}
			if addr != "fake:1" {
				t.Errorf("Accept: got address %q, want %q", addr, "fake:1")
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, _, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal(nil)
	defer loc.Stop()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if _, err := loc.A.Ping(ctx); err != nil {
		t.Errorf("A Ping: %v", err)
	}
	if _, err := loc.B.Ping(ctx); err != nil {
		t.Errorf("B Ping: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	srv := tether.NewManager(nil)
	srv.Start()
	defer srv.Stop()
	srv.Handle("echo", slowEcho)

	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), func(ch tether.Channel, addr string) error {
			_, err := srv.Attach(ch, addr)
			return err
		})
	})
	t.Log("Started accept loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			cli := tether.NewManager(nil)
			cli.Start()
			defer cli.Stop()
			c, err := cli.Attach(channel.IO(conn, conn), "server")
			if err != nil {
				return err
			}
			for j := range numCalls {
				call, err := c.SendThen(tether.NewPacket("echo", []byte{byte(i), byte(j)}), true)
				if err != nil {
					t.Errorf("SendThen %d: %v", j+1, err)
					continue
				}
				rsp, err := call.Wait(ctx)
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				} else if rsp.Type != "echo-reply" {
					t.Errorf("Call %d: got type %q, want echo-reply", j+1, rsp.Type)
				}
			}
			return nil
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func slowEcho(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
	time.Sleep(7 * time.Millisecond)
	return conn.Send(tether.NewReply(pkt, "echo-reply", pkt.Payload), true)
}

func TestWebSocketAccepter(t *testing.T) {
	defer leaktest.Check(t)()

	acc := peers.NewWebSocketAccepter(nil)
	hs := httptest.NewServer(acc)
	defer hs.Close()
	defer acc.Close()

	srv := tether.NewManager(nil)
	srv.Start()
	defer srv.Stop()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, acc, func(ch tether.Channel, addr string) error {
			_, err := srv.Attach(ch, addr)
			return err
		})
	})

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	cli := tether.NewManager(nil)
	cli.Start()
	defer cli.Stop()
	c, err := cli.Attach(channel.WebSocket(ws), "server")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
	defer pcancel()
	if _, err := c.Ping(pctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if n := len(srv.Conns()); n != 1 {
		t.Errorf("Server conns: got %d, want 1", n)
	}

	acc.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}
