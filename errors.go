// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is matched by errors.Is for every timeout error.
	ErrTimeout = errors.New("packet timed out")

	// ErrDuplicateID is reported when registering a pending call whose ID
	// is already pending.
	ErrDuplicateID = errors.New("duplicate pending id")

	// ErrClosed is reported for operations on a connection or manager that
	// has shut down.
	ErrClosed = errors.New("connection closed")
)

// TimeoutError is the concrete type of the error delivered to a pending call
// whose deadline passed before a reply arrived, or whose reply arrived after
// its own deadline.
type TimeoutError struct {
	ID       uuid.UUID // the ID of the pending call
	Deadline time.Time // the deadline that was exceeded
	At       time.Time // when the timeout was detected
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("packet %v timed out (deadline %s, late by %v)",
		e.ID, e.Deadline.Format(time.RFC3339Nano), e.At.Sub(e.Deadline).Round(time.Millisecond))
}

// Is reports whether target is ErrTimeout, so that errors.Is(err, ErrTimeout)
// matches any *TimeoutError.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConnError is the concrete type of the error delivered to a pending call
// whose connection terminated before a reply arrived.
type ConnError struct {
	Name string // the name of the connection when it terminated
	Err  error  // the error that terminated the connection, or ErrClosed
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection %q: %v", e.Name, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *ConnError) Unwrap() error { return e.Err }

// treatErrorAsSuccess reports whether err signals an orderly close.
func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}
