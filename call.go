// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// A Call is a pending request awaiting its reply. A call completes exactly
// once: with the reply packet, with the cause of an exception reply, with a
// timeout, or with the failure of its connection.
type Call struct {
	id       uuid.UUID
	deadline time.Time
	conn     *Conn // may be nil

	done chan struct{}
	rsp  *Packet
	err  error
}

func newCall(id uuid.UUID, deadline time.Time, conn *Conn) *Call {
	return &Call{id: id, deadline: deadline, conn: conn, done: make(chan struct{})}
}

// complete records the outcome of c and wakes its waiters. The caller must
// have removed c from the pending table, which ensures this happens once.
func (c *Call) complete(rsp *Packet, err error) {
	c.rsp, c.err = rsp, err
	close(c.done)
}

// ID returns the packet ID the call is waiting on.
func (c *Call) ID() uuid.UUID { return c.id }

// Deadline returns the deadline of the call, or a zero time if it has none.
func (c *Call) Deadline() time.Time { return c.deadline }

// Done returns a channel that is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the reply packet or error for a completed call.
// It returns nil, nil if the call has not yet completed.
func (c *Call) Result() (*Packet, error) {
	select {
	case <-c.done:
		return c.rsp, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until c completes or ctx ends, and returns its result.  If ctx
// ends first, Wait reports the error from ctx, and c remains pending until it
// completes or times out.
func (c *Call) Wait(ctx context.Context) (*Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.rsp, c.err
	}
}
