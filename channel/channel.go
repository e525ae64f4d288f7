// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the tether.Channel interface.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/tether"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa. Closing either channel closes both directions.
func Direct() (A, B tether.Channel) {
	a2b := make(chan *tether.Packet)
	b2a := make(chan *tether.Packet)
	stop := &closer{ch: make(chan struct{})}
	A = direct{a2b: a2b, b2a: b2a, stop: stop}
	B = direct{a2b: b2a, b2a: a2b, stop: stop}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

func (c *closer) close() bool {
	ok := false
	c.once.Do(func() { close(c.ch); ok = true })
	return ok
}

type direct struct {
	a2b  chan<- *tether.Packet
	b2a  <-chan *tether.Packet
	stop *closer
}

// Send implements a method of the [tether.Channel] interface.
func (d direct) Send(pkt *tether.Packet) error {
	select {
	case <-d.stop.ch:
		return net.ErrClosed
	default:
	}
	select {
	case d.a2b <- pkt:
		return nil
	case <-d.stop.ch:
		return net.ErrClosed
	}
}

// Flush implements a method of the [tether.Channel] interface.
// Direct channels are unbuffered, so Flush does nothing.
func (direct) Flush() error { return nil }

// Recv implements a method of the [tether.Channel] interface.
func (d direct) Recv() (*tether.Packet, error) {
	select {
	case pkt := <-d.b2a:
		return pkt, nil
	case <-d.stop.ch:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [tether.Channel] interface.
func (d direct) Close() error {
	if !d.stop.close() {
		return net.ErrClosed
	}
	return nil
}

// IO constructs a channel that receives from r and sends to wc.  Packets sent
// to the channel are buffered until Flush is called.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [tether.Channel] interface.
func (c IOChannel) Send(pkt *tether.Packet) error {
	_, err := pkt.WriteTo(c.w)
	return err
}

// Flush implements a method of the [tether.Channel] interface.
func (c IOChannel) Flush() error { return c.w.Flush() }

// Recv implements a method of the [tether.Channel] interface.
func (c IOChannel) Recv() (*tether.Packet, error) {
	var pkt tether.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [tether.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WebSocket constructs a channel that exchanges packets on conn. Each packet
// is sent as a single binary message.
func WebSocket(conn *websocket.Conn) WSChannel { return WSChannel{conn: conn} }

// A WSChannel sends and receives packets as binary websocket messages.
type WSChannel struct {
	conn *websocket.Conn
}

// closeWait bounds the time spent sending a close message.
const closeWait = time.Second

// Send implements a method of the [tether.Channel] interface.
func (c WSChannel) Send(pkt *tether.Packet) error {
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return wsError(err)
	}
	if _, err := pkt.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return wsError(w.Close())
}

// Flush implements a method of the [tether.Channel] interface.
// Each message is flushed when it is sent, so Flush does nothing.
func (WSChannel) Flush() error { return nil }

// Recv implements a method of the [tether.Channel] interface.
func (c WSChannel) Recv() (*tether.Packet, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, wsError(err)
	} else if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", mt)
	}
	var pkt tether.Packet
	if err := pkt.Decode(data); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [tether.Channel] interface.
func (c WSChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return c.conn.Close()
}

// wsError maps an orderly websocket close to io.EOF.
func wsError(err error) error {
	if err == nil {
		return nil
	} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	} else if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}
