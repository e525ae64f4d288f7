// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"go.uber.org/zap"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateConnecting State = iota // not yet attached
	StateOpen                    // receiving and dispatching packets
	StateClosing                 // Close was called, receive routine not yet exited
	StateClosed                  // terminated in an orderly way
	StateFailed                  // terminated by an error
)

var stateNames = [...]string{"connecting", "open", "closing", "closed", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// A Conn is a named, live connection to a remote endpoint, attached to a
// Manager that dispatches the packets it receives.
//
// The name of a connection is a local label. Renaming a connection does not
// affect its pending calls, which are bound to the connection itself.
type Conn struct {
	m  *Manager
	ch Channel

	// Must hold the lock to send on ch.
	out sync.Mutex

	μ     sync.Mutex
	name  string
	state State
	err   error
	done  chan struct{}
}

func newConn(m *Manager, ch Channel, name string) *Conn {
	return &Conn{m: m, ch: ch, name: name, state: StateOpen, done: make(chan struct{})}
}

// Manager returns the manager to which c is attached.
func (c *Conn) Manager() *Manager { return c.m }

// Name returns the current name of c.
func (c *Conn) Name() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.name
}

// Rename sets the name of c locally and returns the previous name. It does not
// notify the remote endpoint.
func (c *Conn) Rename(name string) string {
	c.μ.Lock()
	defer c.μ.Unlock()
	old := c.name
	c.name = name
	return old
}

// RenameRemote sets the name of c locally, then sends a TypeRename packet to
// inform the remote endpoint of the change. The returned call completes when
// the remote endpoint acknowledges the rename.
//
// If the manager of c has a Renamer, the rename is applied by it instead, and
// the returned call is already complete with the notification it sent.
func (c *Conn) RenameRemote(name string) (*Call, error) {
	c.m.μ.Lock()
	ren := c.m.renamer
	c.m.μ.Unlock()
	if ren != nil {
		pkt, err := ren(c, name)
		if err != nil {
			return nil, err
		}
		call := newCall(pkt.ID, time.Time{}, c)
		call.complete(pkt, nil)
		return call, nil
	}

	old := c.Rename(name)
	pkt, err := Marshal(TypeRename, RenameData{Old: old, New: name})
	if err != nil {
		return nil, err
	}
	return c.SendThen(pkt, true)
}

// State returns the current lifecycle state of c.
func (c *Conn) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Done returns a channel that is closed when c has terminated, after its
// pending calls have failed and the disconnect callbacks have run.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that terminated c. It returns nil if c is still live
// or was closed in an orderly way.
func (c *Conn) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return value.Cond(c.state == StateFailed, c.err, nil)
}

// Close closes c. Its receive routine terminates, its pending calls fail, and
// the disconnect callbacks of its manager are invoked. Close does not wait for
// this to finish; use Done to wait.
func (c *Conn) Close() error {
	c.μ.Lock()
	if c.state != StateOpen {
		c.μ.Unlock()
		return nil
	}
	c.state = StateClosing
	c.μ.Unlock()
	return c.ch.Close()
}

// Send sends pkt to the remote endpoint. If flush is true, any buffered data
// is flushed to the channel before returning. Send reports ErrClosed if c has
// terminated.
func (c *Conn) Send(pkt *Packet, flush bool) error {
	if c.State().Terminal() {
		return &ConnError{Name: c.Name(), Err: ErrClosed}
	}
	c.m.μ.Lock()
	plog := c.m.plog
	c.m.μ.Unlock()

	c.out.Lock()
	defer c.out.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Conn: c, Sent: true})
	}
	if err := c.ch.Send(pkt); err != nil {
		return fmt.Errorf("send %v: %w", pkt.Type, err)
	}
	if flush {
		if err := c.ch.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	rootMetrics.packetSent.Add(1)
	return nil
}

// SendThen registers a pending call for the ID of pkt and then sends pkt.
// The returned call completes when a packet with the same ID is received, when
// the deadline of pkt passes, or when c terminates.  If pkt has no deadline
// the default timeout of the manager applies.
//
// If the send fails, the pending call is removed and the error is returned.
func (c *Conn) SendThen(pkt *Packet, flush bool) (*Call, error) {
	call, err := c.m.Register(pkt.ID, pkt.Deadline, c)
	if err != nil {
		return nil, err
	}
	if err := c.Send(pkt, flush); err != nil {
		c.m.Fail(pkt.ID, err)
		return nil, err
	}
	return call, nil
}

// Ping sends a TypePing packet to the remote endpoint and waits for the reply,
// reporting the elapsed round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	pkt, err := Marshal(TypePing, PingData{Sent: start})
	if err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		pkt.Deadline = dl
	}
	call, err := c.SendThen(pkt, true)
	if err != nil {
		return 0, err
	}
	if _, err := call.Wait(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Conn) String() string { return fmt.Sprintf("Conn(%q, %v)", c.Name(), c.State()) }

// receive is the receive routine of c. It runs until the channel fails.
func (c *Conn) receive() error {
	for {
		pkt, err := c.ch.Recv()
		if err != nil {
			c.m.connExit(c, err)
			return nil
		}
		rootMetrics.packetRecv.Add(1)
		if err := c.m.dispatch(pkt, c); err != nil {
			c.m.log.Debug("packet discarded", zap.String("conn", c.Name()), zap.Error(err))
			c.ch.Close()
			c.m.connExit(c, ErrClosed)
			return nil
		}
	}
}

// finish records the termination of c, and reports whether it was live.
func (c *Conn) finish(err error) bool {
	c.μ.Lock()
	if c.state.Terminal() {
		c.μ.Unlock()
		return false
	}
	if c.state == StateClosing || treatErrorAsSuccess(err) {
		c.state = StateClosed
	} else {
		c.state = StateFailed
		c.err = err
	}
	c.μ.Unlock()

	c.ch.Close() // release resources; the error is not interesting here
	return true
}
