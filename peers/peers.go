// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for accepting and testing connections.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected endpoints, each attached to its own
// manager, suitable for testing.
type Local struct {
	A, B   *tether.Conn
	MA, MB *tether.Manager
}

// Stop shuts down both managers and blocks until both have exited.
func (p *Local) Stop() {
	p.MA.Stop()
	p.MB.Stop()
}

// NewLocal creates a pair of in-memory connected endpoints named "A" and "B",
// that communicate via a direct channel without encoding. Both managers are
// constructed with opts and started.
func NewLocal(opts *tether.Options) *Local {
	a2b, b2a := channel.Direct()
	loc := &Local{MA: tether.NewManager(opts), MB: tether.NewManager(opts)}
	loc.MA.Start()
	loc.MB.Start()
	loc.A, _ = loc.MA.Attach(a2b, "A") // cannot fail: the manager is running
	loc.B, _ = loc.MB.Attach(b2a, "B")
	return loc
}

// An Accepter accepts channels from remote endpoints.
type Accepter interface {
	// Accept blocks until a channel is available or ctx ends, and returns
	// the channel along with the address of the remote endpoint, if known.
	Accept(context.Context) (tether.Channel, string, error)
}

// Loop accepts channels from acc and calls attach for each one. Loop continues
// until acc closes or ctx ends. If attach reports an error, the channel is
// closed and the loop continues.
func Loop(ctx context.Context, acc Accepter, attach func(tether.Channel, string) error) error {
	for {
		ch, addr, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		}
		if err := attach(ch, addr); err != nil {
			ch.Close()
		}
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (tether.Channel, string, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	return channel.IO(conn, conn), remoteAddr(conn), nil
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// WebSocketAccepter is an http.Handler that upgrades each request to a
// websocket and delivers the resulting channel to its Accept method.  Each
// ServeHTTP call blocks until its channel is accepted or the accepter closes.
type WebSocketAccepter struct {
	up websocket.Upgrader

	ready chan wsChannel
	once  sync.Once
	done  chan struct{}
}

// NewWebSocketAccepter constructs a WebSocketAccepter that upgrades requests
// with up. If up == nil, a default upgrader is used.
func NewWebSocketAccepter(up *websocket.Upgrader) *WebSocketAccepter {
	w := &WebSocketAccepter{
		ready: make(chan wsChannel),
		done:  make(chan struct{}),
	}
	if up != nil {
		w.up = *up
	}
	return w
}

// ServeHTTP implements the http.Handler interface.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := w.up.Upgrade(rw, req, nil)
	if err != nil {
		return // the upgrader has already responded
	}
	ch := channel.WebSocket(conn)
	select {
	case <-w.done:
		ch.Close()
	case w.ready <- wsChannel{WSChannel: ch, addr: req.RemoteAddr}:
	}
}

// wsChannel carries the remote address of an accepted websocket.
type wsChannel struct {
	channel.WSChannel
	addr string
}

// Accept implements the Accepter interface.
func (w *WebSocketAccepter) Accept(ctx context.Context) (tether.Channel, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-w.done:
		return nil, "", net.ErrClosed
	case wc := <-w.ready:
		return wc.WSChannel, wc.addr, nil
	}
}

// Close stops w from accepting further channels. Requests blocked in ServeHTTP
// are released and their websockets closed.
func (w *WebSocketAccepter) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
