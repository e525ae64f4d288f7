// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"expvar"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether/codec"
	"github.com/creachadair/tether/eventloop"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A Channel is a reliable ordered stream of packets shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet to the receiver. The implementation may buffer the
	// packet until Flush is called.
	Send(*Packet) error

	// Flush any buffered packets to the receiver.
	Flush() error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes a packet received on a connection. An error reported by
// a handler is logged and does not affect other handlers or the connection.
// A panic in a handler is recovered and treated as an error.
//
// Handlers run sequentially on the dispatch goroutine of the manager.  A
// handler must not block waiting for a Call to complete.
type Handler func(ctx context.Context, pkt *Packet, conn *Conn) error

// A Renamer applies a rename of conn requested by the local endpoint, and
// returns the notification packet it sent to the remote endpoint.
type Renamer func(conn *Conn, name string) (*Packet, error)

// A HandlerID identifies a registered handler for removal.
type HandlerID uint64

// A PacketLogger logs a packet exchanged on a connection.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet with its connection and a flag indicating
// whether the packet was sent or received.
type PacketInfo struct {
	*Packet       // the packet being logged
	Conn    *Conn // the connection carrying the packet
	Sent    bool  // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%s %s %v", p.Conn.Name(), p.dir(), p.Packet)
}

// Options are settings for a Manager. A nil *Options provides defaults.
type Options struct {
	// How often to check for pending calls whose deadline has passed.
	// If zero, a default of 1s is used.
	SweepInterval time.Duration

	// The deadline assigned to a pending call whose packet has no deadline.
	// If zero, a default of 30s is used. If negative, such calls do not
	// expire.
	DefaultTimeout time.Duration

	// Receives log messages from the manager. If nil, the global zap
	// logger is used.
	Logger *zap.Logger

	// Returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// Reports the delivery priority of a received packet. Packets with
	// higher priority are dispatched first. If nil, all packets have
	// priority 0 and are dispatched in arrival order.
	Priority func(*Packet) int

	// Encodes application payloads for the handler adapters and
	// Manager.Marshal. If nil, codec.Default is used. The payloads of the
	// built-in control packets always use codec.Default.
	Codec codec.Codec
}

const (
	defaultSweepInterval  = time.Second
	defaultDefaultTimeout = 30 * time.Second
)

func (o *Options) sweepInterval() time.Duration {
	if o == nil || o.SweepInterval <= 0 {
		return defaultSweepInterval
	}
	return o.SweepInterval
}

func (o *Options) defaultTimeout() time.Duration {
	if o == nil || o.DefaultTimeout == 0 {
		return defaultDefaultTimeout
	}
	return o.DefaultTimeout
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.L()
	}
	return o.Logger
}

func (o *Options) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

func (o *Options) codec() codec.Codec {
	if o == nil || o.Codec == nil {
		return codec.Default
	}
	return o.Codec
}

func (o *Options) priority() func(*Packet) int {
	if o == nil || o.Priority == nil {
		return func(*Packet) int { return 0 }
	}
	return o.Priority
}

// A Manager dispatches packets received on its connections to registered
// handlers, and tracks pending calls awaiting replies.
//
// Each received packet is handled in three steps: If the packet arrived after
// its own deadline, the pending call with its ID (if any) fails with a
// timeout and the packet is otherwise dropped. Otherwise, every handler for
// its type is run in registration order. Finally, the pending call with its ID
// (if any) is resolved with the packet, or failed with its cause if the packet
// is an exception.
//
// A Manager must be constructed with NewManager, and started with Start
// before connections can be attached.  The methods of a Manager are safe for
// concurrent use by multiple goroutines.
type Manager struct {
	sweepEvery time.Duration
	defTimeout time.Duration
	log        *zap.Logger
	now        func() time.Time
	prio       func(*Packet) int
	codec      codec.Codec

	loop    *eventloop.Loop
	workers *taskgroup.Group // connection receive loops

	μ        sync.Mutex
	running  bool
	stop     chan struct{}    // closed to stop the sweeper
	sweeper  *taskgroup.Group // nil when not running
	handlers map[PacketType][]handlerEntry
	nextHID  HandlerID
	calls    map[uuid.UUID]*Call
	conns    mapset.Set[*Conn]
	plog     PacketLogger
	base     func() context.Context
	onDisc   []func(*Conn, error)
	renamer  Renamer
}

type handlerEntry struct {
	id HandlerID
	h  Handler
}

// recvKind is the event kind for packets received on a connection.
const recvKind = "tether.recv"

type recvEvent struct {
	pkt  *Packet
	conn *Conn
	pri  int
}

func (recvEvent) Kind() string    { return recvKind }
func (e recvEvent) Priority() int { return e.pri }

// NewManager constructs a new, unstarted manager with the given options.
// The manager answers TypePing packets with a TypePong reply.
func NewManager(opts *Options) *Manager {
	m := &Manager{
		sweepEvery: opts.sweepInterval(),
		defTimeout: opts.defaultTimeout(),
		log:        opts.logger(),
		now:        opts.clock(),
		prio:       opts.priority(),
		codec:      opts.codec(),
		workers:    taskgroup.New(nil),
		handlers:   make(map[PacketType][]handlerEntry),
		calls:      make(map[uuid.UUID]*Call),
		conns:      mapset.New[*Conn](),
		base:       context.Background,
	}
	m.loop = eventloop.New().SetLogger(m.log).Handle(recvKind, func(ev eventloop.Event) {
		re := ev.(recvEvent)
		m.onPacketReceived(re.pkt, re.conn)
	})
	m.Handle(TypePing, answerPing)
	return m
}

func answerPing(_ context.Context, pkt *Packet, conn *Conn) error {
	return conn.Send(NewReply(pkt, TypePong, pkt.Payload), true)
}

// Metrics returns a metrics map for the manager. It is safe for the caller to
// add additional metrics to the map while the manager is active.
func (m *Manager) Metrics() *expvar.Map { return rootMetrics.emap }

// Codec returns the codec m uses for application payloads.
func (m *Manager) Codec() codec.Codec { return m.codec }

// Marshal constructs a packet of the given type whose payload is the encoding
// of v with the codec of m.
func (m *Manager) Marshal(ptype PacketType, v any) (*Packet, error) {
	data, err := m.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %v payload: %w", ptype, err)
	}
	return NewPacket(ptype, data), nil
}

// Unmarshal decodes the payload of pkt into v with the codec of m.
func (m *Manager) Unmarshal(pkt *Packet, v any) error {
	if err := m.codec.Unmarshal(pkt.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %v payload: %w", pkt.Type, err)
	}
	return nil
}

// Start starts the dispatch and sweep routines of m. It reports false if m was
// already running. A stopped manager may be started again.
func (m *Manager) Start() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.running {
		return false
	}
	m.loop.Start()
	m.running = true
	stop := make(chan struct{})
	m.stop = stop
	m.sweeper = taskgroup.New(nil)
	m.sweeper.Go(func() error { m.runSweep(stop); return nil })
	m.log.Debug("manager started", zap.Duration("sweep", m.sweepEvery))
	return true
}

// Stop closes all the connections of m, stops its dispatch and sweep
// routines, and fails any calls still pending with ErrClosed. It blocks until
// all the routines have exited. Stop reports false if m was not running.
//
// Stop must not be called from a handler.
func (m *Manager) Stop() bool {
	m.μ.Lock()
	if !m.running {
		m.μ.Unlock()
		return false
	}
	m.running = false
	conns := m.conns.Slice()
	stop, sweeper := m.stop, m.sweeper
	m.stop, m.sweeper = nil, nil
	m.μ.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.workers.Wait()

	close(stop)
	sweeper.Wait()
	m.loop.Stop()

	n := m.failAll(ErrClosed)
	m.log.Debug("manager stopped", zap.Int("failed", n))
	return true
}

// IsRunning reports whether m is started.
func (m *Manager) IsRunning() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.running
}

// Handle registers h to be called for each received packet of the given
// type.  Handlers for a type are called in registration order. It is safe to
// call this while the manager is running; the change applies to packets
// dispatched after Handle returns. The returned ID can be passed to
// RemoveHandler.
func (m *Manager) Handle(ptype PacketType, h Handler) HandlerID {
	if h == nil {
		panic("nil handler")
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	m.nextHID++
	m.handlers[ptype] = append(m.handlers[ptype], handlerEntry{id: m.nextHID, h: h})
	return m.nextHID
}

// RemoveHandler removes the handler with the given ID from the handlers of the
// given type. It reports whether a handler was removed.
func (m *Manager) RemoveHandler(ptype PacketType, id HandlerID) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	hs := m.handlers[ptype]
	i := slices.IndexFunc(hs, func(e handlerEntry) bool { return e.id == id })
	if i < 0 {
		return false
	}
	hs = slices.Delete(slices.Clone(hs), i, i+1)
	if len(hs) == 0 {
		delete(m.handlers, ptype)
	} else {
		m.handlers[ptype] = hs
	}
	return true
}

// LogPackets registers a callback that will be invoked for each packet sent or
// received on a connection of m, including packets that are dropped.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a handler.
func (m *Manager) LogPackets(log PacketLogger) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.plog = log
	return m
}

// OnDisconnect registers a callback to be invoked when a connection of m
// terminates. The callback receives the connection and the error that
// terminated it, which is nil for an orderly close. Callbacks run after the
// pending calls of the connection have been failed, in registration order.
func (m *Manager) OnDisconnect(f func(*Conn, error)) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onDisc = append(m.onDisc, f)
	return m
}

// SetRenamer installs f to apply Conn.RenameRemote for the connections of m,
// in place of the default exchange.  An endpoint that is authoritative for
// the names of its connections uses this to keep its own records current.
// Passing nil restores the default.
func (m *Manager) SetRenamer(f Renamer) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.renamer = f
	return m
}

// NewContext registers a function that will be called to create a new base
// context for handlers. If it is not set, or base == nil, a background
// context is used.
func (m *Manager) NewContext(base func() context.Context) *Manager {
	m.μ.Lock()
	defer m.μ.Unlock()
	if base == nil {
		m.base = context.Background
	} else {
		m.base = base
	}
	return m
}

// Attach starts a connection on ch with the given name, and starts a routine
// that dispatches the packets received on ch to m. The connection runs until
// it is closed, ch fails, or m is stopped. Attach reports ErrClosed if m is
// not running.
func (m *Manager) Attach(ch Channel, name string) (*Conn, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if !m.running {
		return nil, ErrClosed
	}
	c := newConn(m, ch, name)
	m.conns.Add(c)
	rootMetrics.connActive.Add(1)
	m.workers.Go(c.receive)
	return c, nil
}

// Conns returns a snapshot of the connections currently attached to m.
func (m *Manager) Conns() []*Conn {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.conns.Slice()
}

// Register records a pending call for id, which completes when a packet with
// that ID is received, when deadline passes, or when conn terminates.  If
// deadline is zero, the default timeout is applied.  Register reports
// ErrDuplicateID if id is already pending; the existing call is unaffected.
//
// The conn may be nil, in which case the call is not bound to a connection.
func (m *Manager) Register(id uuid.UUID, deadline time.Time, conn *Conn) (*Call, error) {
	if deadline.IsZero() && m.defTimeout > 0 {
		deadline = m.now().Add(m.defTimeout)
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	if _, ok := m.calls[id]; ok {
		return nil, fmt.Errorf("register %v: %w", id, ErrDuplicateID)
	}
	c := newCall(id, deadline, conn)
	m.calls[id] = c
	rootMetrics.callPending.Add(1)
	return c, nil
}

// Pending reports whether a call is pending for id.
func (m *Manager) Pending(id uuid.UUID) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	_, ok := m.calls[id]
	return ok
}

// NumPending reports the number of calls currently pending.
func (m *Manager) NumPending() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.calls)
}

// Resolve completes the pending call for id with rsp, and reports whether a
// call was pending.
func (m *Manager) Resolve(id uuid.UUID, rsp *Packet) bool {
	c := m.take(id)
	if c == nil {
		return false
	}
	rootMetrics.callDone.Add(1)
	c.complete(rsp, nil)
	return true
}

// Fail completes the pending call for id with err, and reports whether a call
// was pending.
func (m *Manager) Fail(id uuid.UUID, err error) bool {
	c := m.take(id)
	if c == nil {
		return false
	}
	countFailure(err)
	c.complete(nil, err)
	return true
}

// take removes and returns the pending call for id, or nil.  Only the caller
// that removes a call may complete it.
func (m *Manager) take(id uuid.UUID) *Call {
	m.μ.Lock()
	defer m.μ.Unlock()
	c, ok := m.calls[id]
	if ok {
		delete(m.calls, id)
		rootMetrics.callPending.Add(-1)
	}
	return c
}

// takeWhere removes and returns all the pending calls satisfying keep.
func (m *Manager) takeWhere(keep func(*Call) bool) []*Call {
	m.μ.Lock()
	defer m.μ.Unlock()
	var out []*Call
	for id, c := range m.calls {
		if keep(c) {
			delete(m.calls, id)
			out = append(out, c)
		}
	}
	rootMetrics.callPending.Add(-int64(len(out)))
	return out
}

func countFailure(err error) {
	if _, ok := err.(*TimeoutError); ok {
		rootMetrics.callTimeout.Add(1)
	} else {
		rootMetrics.callFailed.Add(1)
	}
}

// sweep fails every pending call whose deadline is before now, and reports
// the number of calls failed.
func (m *Manager) sweep(now time.Time) int {
	expired := m.takeWhere(func(c *Call) bool {
		return !c.deadline.IsZero() && now.After(c.deadline)
	})
	for _, c := range expired {
		rootMetrics.callTimeout.Add(1)
		c.complete(nil, &TimeoutError{ID: c.id, Deadline: c.deadline, At: now})
	}
	return len(expired)
}

func (m *Manager) runSweep(stop <-chan struct{}) {
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := m.sweep(m.now()); n > 0 {
				m.log.Debug("expired pending calls", zap.Int("count", n))
			}
		}
	}
}

// failConn fails every pending call bound to conn with err.
func (m *Manager) failConn(conn *Conn, err error) int {
	lost := m.takeWhere(func(c *Call) bool { return c.conn == conn })
	for _, c := range lost {
		rootMetrics.callFailed.Add(1)
		c.complete(nil, err)
	}
	return len(lost)
}

// failAll fails every pending call with err.
func (m *Manager) failAll(err error) int {
	lost := m.takeWhere(func(*Call) bool { return true })
	for _, c := range lost {
		rootMetrics.callFailed.Add(1)
		c.complete(nil, err)
	}
	return len(lost)
}

// dispatch queues a packet received on conn for delivery.
func (m *Manager) dispatch(pkt *Packet, conn *Conn) error {
	return m.loop.Dispatch(recvEvent{pkt: pkt, conn: conn, pri: m.prio(pkt)})
}

// onPacketReceived runs on the dispatch goroutine for each received packet.
func (m *Manager) onPacketReceived(pkt *Packet, conn *Conn) {
	m.μ.Lock()
	hs := m.handlers[pkt.Type]
	plog, base := m.plog, m.base
	m.μ.Unlock()

	if plog != nil {
		plog(PacketInfo{Packet: pkt, Conn: conn, Sent: false})
	}

	if now := m.now(); pkt.Expired(now) {
		rootMetrics.packetExpired.Add(1)
		m.Fail(pkt.ID, &TimeoutError{ID: pkt.ID, Deadline: pkt.Deadline, At: now})
		m.log.Debug("dropped expired packet",
			zap.Stringer("id", pkt.ID), zap.Stringer("type", pkt.Type), zap.String("conn", conn.Name()))
		return
	}

	ctx := context.WithValue(base(), connContextKey{}, conn)
	for _, e := range hs {
		if err := m.invoke(ctx, e.h, pkt, conn); err != nil {
			rootMetrics.handlerErr.Add(1)
			m.log.Error("handler failed",
				zap.Stringer("id", pkt.ID), zap.Stringer("type", pkt.Type),
				zap.String("conn", conn.Name()), zap.Error(err))
		}
	}

	if pkt.Cause != nil {
		m.Fail(pkt.ID, *pkt.Cause)
	} else {
		m.Resolve(pkt.ID, pkt)
	}
}

// invoke calls h, converting a panic into an error.
func (m *Manager) invoke(ctx context.Context, h Handler, pkt *Packet, conn *Conn) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, pkt, conn)
}

// connExit is called by the receive routine of conn when it terminates.
func (m *Manager) connExit(conn *Conn, err error) {
	if !conn.finish(err) {
		return
	}
	m.μ.Lock()
	m.conns.Remove(conn)
	onDisc := m.onDisc
	m.μ.Unlock()
	rootMetrics.connActive.Add(-1)

	cerr := err
	if treatErrorAsSuccess(err) {
		cerr = ErrClosed
	}
	n := m.failConn(conn, &ConnError{Name: conn.Name(), Err: cerr})

	rerr := conn.Err()
	if rerr != nil {
		m.log.Warn("connection failed", zap.String("conn", conn.Name()), zap.Int("failed", n), zap.Error(rerr))
	} else {
		m.log.Debug("connection closed", zap.String("conn", conn.Name()), zap.Int("failed", n))
	}
	for _, f := range onDisc {
		f(conn, rerr)
	}
	close(conn.done)
}

type connContextKey struct{}

// ContextConn returns the connection associated with the given context, or
// nil if none is defined.  The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
