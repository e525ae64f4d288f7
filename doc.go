// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tether implements a lightweight packet exchange layer over
// persistent bidirectional connections.
//
// Endpoints exchange typed binary packets over a shared reliable [Channel].
// Every packet carries a unique ID; a reply to a packet carries the ID of the
// packet it replies to, which lets the sender of a request wait for the
// matching reply without blocking the connection.
//
// # Managers
//
// The core type defined by this package is the [Manager]. A manager owns a set
// of connections, dispatches the packets they receive to registered handlers,
// and tracks pending calls awaiting replies:
//
//	m := tether.NewManager(nil)
//	m.Start()
//	defer m.Stop()
//
// To attach a connection to a running manager:
//
//	conn, err := m.Attach(ch, "peer-1")
//
// The connection runs until it is closed, the channel fails, or the manager
// is stopped.  The client and server packages wrap a manager for the common
// case of one outbound connection, or a registry of inbound connections.
//
// # Handlers
//
// To process packets of a given type, register a [Handler]:
//
//	m.Handle("greet", func(ctx context.Context, pkt *tether.Packet, conn *tether.Conn) error {
//	   return conn.Send(tether.NewReply(pkt, "greet-reply", []byte("hello")), true)
//	})
//
// Handlers run in registration order on a single dispatch goroutine. An error
// or panic in one handler is logged and does not prevent the others from
// running. The handler package provides adapters for functions with other
// signatures.
//
// # Calls
//
// To send a packet and wait for its reply, use [Conn.SendThen]:
//
//	call, err := conn.SendThen(tether.NewPacket("greet", nil).WithTimeout(time.Second), true)
//	if err != nil {
//	   log.Fatalf("Send failed: %v", err)
//	}
//	rsp, err := call.Wait(ctx)
//
// A call completes exactly once: with the reply, with the cause of an
// exception reply (an [ErrorData]), with a [*TimeoutError] if its deadline
// passes, or with a [*ConnError] if its connection terminates. A packet
// without a deadline is assigned the default timeout of the manager.
//
// # Metrics
//
// Managers maintain a collection of metrics while running. Use the
// [Manager.Metrics] method to obtain an [expvar.Map] containing the metrics.
// Metrics are shared globally among all managers.
//
// The metrics currently exported include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_expired: counter of packets received after their deadline
//   - handler_errors: counter of handler errors and recovered panics
//   - calls_pending: gauge of calls currently pending
//   - calls_completed: counter of calls resolved with a reply
//   - calls_failed: counter of calls failed by an exception or connection loss
//   - calls_timed_out: counter of calls failed by a timeout
//   - conns_active: gauge of connections currently attached
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package tether
