// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package server implements an endpoint that accepts inbound connections and
// keeps a registry of them by name.
//
// A Server embeds a [tether.Manager], so handlers and packet logging are
// configured on the server directly:
//
//	s := server.New("", 7007, nil)
//	s.Handle("greet", onGreet)
//	if _, err := s.Start(); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//	defer s.Stop()
//
// Each accepted connection is registered under a unique placeholder name,
// which the server reports to the remote endpoint in a rename notification
// before any other packet.
// An endpoint may ask to be registered under another name by sending a
// tether.TypeRename packet; the server replies with the name it actually
// registered, which is the authoritative name of the connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/codec"
	"github.com/creachadair/tether/peers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is reported when no connection is registered under a name.
	ErrNotFound = errors.New("connection not found")

	// ErrNameInUse is reported when a rename targets a name registered to a
	// different connection.
	ErrNameInUse = errors.New("name in use")
)

// Error codes reported in the cause of a refused rename.
const (
	CodeNameInUse uint16 = 1 // the requested name belongs to another connection
	CodeClosed    uint16 = 2 // the connection has terminated
	CodeInvalid   uint16 = 3 // the request could not be decoded
)

// Options are settings for a Server. A nil *Options provides defaults.
type Options struct {
	// Settings for the embedded manager.
	Manager *tether.Options

	// Generates placeholder names for accepted connections. The names must
	// be unique. If nil, random UUID strings are used.
	NewName func() string
}

func (o *Options) managerOptions() *tether.Options {
	if o == nil {
		return nil
	}
	return o.Manager
}

func (o *Options) newName() func() string {
	if o == nil || o.NewName == nil {
		return uuid.NewString
	}
	return o.NewName
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Manager == nil || o.Manager.Logger == nil {
		return zap.L()
	}
	return o.Manager.Logger
}

// A Server accepts connections and keeps a registry of them by name. The
// methods of a Server are safe for concurrent use by multiple goroutines.
type Server struct {
	*tether.Manager

	addr    string
	log     *zap.Logger
	newName func() string

	μ       sync.Mutex
	byName  map[string]*tether.Conn
	byConn  map[*tether.Conn]*connState
	lst     net.Listener
	accept  *taskgroup.Group // nil when not running
	cancel  context.CancelFunc
	running bool
}

// connState is the registry state of a single connection.
type connState struct {
	// Held for the duration of a rename of the connection, so that renames
	// of the same connection are applied and reported in a single order.
	μ sync.Mutex

	name string // the name the connection is registered under
	dead bool   // the connection has terminated
}

// New constructs a new, unstarted server that will listen on host and port.
// If host is "" or "0.0.0.0", the server listens on all interfaces.
func New(host string, port int, opts *Options) *Server {
	if host == "0.0.0.0" {
		host = ""
	}
	s := &Server{
		Manager: tether.NewManager(opts.managerOptions()),
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		log:     opts.logger(),
		newName: opts.newName(),
		byName:  make(map[string]*tether.Conn),
		byConn:  make(map[*tether.Conn]*connState),
	}
	s.Handle(tether.TypeRename, s.handleRename)
	s.OnDisconnect(s.disconnected)
	s.SetRenamer(s.renameConn)
	return s
}

// Start binds the listening socket and starts the accept loop. It reports
// false without error if s is already running.
func (s *Server) Start() (bool, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.running {
		return false, nil
	}
	lst, err := net.Listen("tcp", s.addr)
	if err != nil {
		return false, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.Manager.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.lst, s.cancel, s.running = lst, cancel, true
	s.accept = taskgroup.New(nil)
	s.accept.Go(func() error { return s.Serve(ctx, peers.NetAccepter(lst)) })
	s.log.Info("server listening", zap.Stringer("addr", lst.Addr()))
	return true, nil
}

// Serve accepts channels from acc and registers a connection for each, until
// ctx ends or acc closes. Serve starts the manager if necessary. It may be used
// alongside Start to accept connections from other transports.
func (s *Server) Serve(ctx context.Context, acc peers.Accepter) error {
	s.Manager.Start()
	err := peers.Loop(ctx, acc, s.accepted)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		s.log.Error("accept loop failed", zap.Error(err))
	}
	return err
}

// Stop closes the listener, stops the accept loop, and closes all the
// connections of s. If s was started only by Serve, Stop stops its manager;
// the caller should end the context passed to Serve first. It reports false
// if neither s nor its manager was running.
func (s *Server) Stop() bool {
	s.μ.Lock()
	if !s.running {
		s.μ.Unlock()
		return s.Manager.Stop()
	}
	s.running = false
	s.cancel()
	s.lst.Close()
	s.μ.Unlock()

	s.Wait()
	s.Manager.Stop()
	return true
}

// Wait blocks until the accept loop started by Start has exited, and reports
// its error.
func (s *Server) Wait() error {
	s.μ.Lock()
	g := s.accept
	s.μ.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Addr returns the address of the listener, or nil if s is not running.
func (s *Server) Addr() net.Addr {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.lst == nil || !s.running {
		return nil
	}
	return s.lst.Addr()
}

// accepted registers a connection for ch under a fresh placeholder name.
// The name is reported to the remote endpoint before any other packet.
func (s *Server) accepted(ch tether.Channel, addr string) error {
	name := s.newName()
	if err := announce(ch, name); err != nil {
		s.log.Warn("announce failed", zap.String("remote", addr), zap.Error(err))
		return err
	}
	st := &connState{name: name}

	// Hold the registry lock until the connection is registered, so that its
	// handlers and disconnect callback observe the registration.
	s.μ.Lock()
	defer s.μ.Unlock()
	conn, err := s.Attach(ch, name)
	if err != nil {
		return err
	}
	s.byName[name] = conn
	s.byConn[conn] = st
	s.log.Debug("accepted connection", zap.String("name", name), zap.String("remote", addr))
	return nil
}

// announce sends the placeholder name directly on ch, before the connection
// is attached.
func announce(ch tether.Channel, name string) error {
	pkt, err := tether.Marshal(tether.TypeRename, tether.RenameData{New: name})
	if err != nil {
		return err
	}
	if err := ch.Send(pkt); err != nil {
		return err
	}
	return ch.Flush()
}

// disconnected removes a terminated connection from the registry.
func (s *Server) disconnected(conn *tether.Conn, err error) {
	st := s.state(conn)
	if st == nil {
		return
	}
	st.μ.Lock()
	defer st.μ.Unlock()
	s.unregister(conn, st)
}

// unregister removes conn from the registry. The caller must hold st.μ.
func (s *Server) unregister(conn *tether.Conn, st *connState) {
	s.μ.Lock()
	defer s.μ.Unlock()
	st.dead = true
	if s.byName[st.name] == conn {
		delete(s.byName, st.name)
	}
	delete(s.byConn, conn)
}

func (s *Server) state(conn *tether.Conn) *connState {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.byConn[conn]
}

// Lookup returns the connection registered under name, if any.
func (s *Server) Lookup(name string) (*tether.Conn, bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	c, ok := s.byName[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (s *Server) Names() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return slices.Sorted(maps.Keys(s.byName))
}

// SendTo sends pkt to the connection registered under name, and flushes it.
// It reports ErrNotFound if no connection has that name.
func (s *Server) SendTo(pkt *tether.Packet, name string) error {
	conn, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("send to %q: %w", name, ErrNotFound)
	}
	return conn.Send(pkt, true)
}

// SendThenTo sends pkt to the connection registered under name, and returns a
// call that completes when the reply arrives. It reports ErrNotFound if no
// connection has that name.
func (s *Server) SendThenTo(pkt *tether.Packet, name string) (*tether.Call, error) {
	conn, ok := s.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("send to %q: %w", name, ErrNotFound)
	}
	return conn.SendThen(pkt, true)
}

// Rename moves the connection registered as oldName to newName, and notifies
// the remote endpoint of its new name. It reports ErrNotFound if no connection
// has oldName, or ErrNameInUse if a different connection has newName.
func (s *Server) Rename(oldName, newName string) error {
	conn, ok := s.Lookup(oldName)
	if !ok {
		return fmt.Errorf("rename %q: %w", oldName, ErrNotFound)
	}
	st := s.state(conn)
	if st == nil {
		return fmt.Errorf("rename %q: %w", oldName, ErrNotFound)
	}
	st.μ.Lock()
	defer st.μ.Unlock()
	if st.name != oldName {
		// Renamed by another party while we were waiting.
		return fmt.Errorf("rename %q: %w", oldName, ErrNotFound)
	}
	_, err := s.renameLocked(conn, st, newName)
	return err
}

// renameConn applies a rename of conn made through conn.RenameRemote.
func (s *Server) renameConn(conn *tether.Conn, newName string) (*tether.Packet, error) {
	st := s.state(conn)
	if st == nil {
		return nil, fmt.Errorf("rename %q: %w", conn.Name(), tether.ErrClosed)
	}
	st.μ.Lock()
	defer st.μ.Unlock()
	return s.renameLocked(conn, st, newName)
}

// renameLocked moves conn to newName and notifies the remote endpoint. It
// returns the notification. The caller must hold st.μ.
func (s *Server) renameLocked(conn *tether.Conn, st *connState, newName string) (*tether.Packet, error) {
	oldName := st.name
	if _, err := s.move(conn, st, oldName, newName); err != nil {
		return nil, fmt.Errorf("rename %q: %w", oldName, err)
	}
	return s.notify(conn, oldName, newName)
}

// move registers conn under newName and reports the name it is registered
// under afterward. The entry under declared is removed only if it refers to
// conn. The caller must hold st.μ.
func (s *Server) move(conn *tether.Conn, st *connState, declared, newName string) (string, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if st.dead {
		return st.name, tether.ErrClosed
	}
	if other, ok := s.byName[newName]; ok && other != conn {
		return st.name, ErrNameInUse
	}
	if declared != "" && s.byName[declared] == conn {
		delete(s.byName, declared)
	}
	if s.byName[st.name] == conn {
		delete(s.byName, st.name)
	}
	s.byName[newName] = conn
	st.name = newName
	conn.Rename(newName)
	return newName, nil
}

// notify sends an unsolicited rename notification to conn, and returns it.
// A failure to send is logged, since the registry has already changed. The
// caller must hold the rename lock of conn.
func (s *Server) notify(conn *tether.Conn, oldName, newName string) (*tether.Packet, error) {
	pkt, err := tether.Marshal(tether.TypeRename, tether.RenameData{Old: oldName, New: newName})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(pkt, true); err != nil {
		s.log.Warn("rename notification failed", zap.String("name", newName), zap.Error(err))
	}
	return pkt, nil
}

// handleRename applies a rename requested by the remote endpoint, and replies
// with the name the connection is registered under.
func (s *Server) handleRename(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
	var rd tether.RenameData
	if err := pkt.Unmarshal(&rd); err != nil || rd.New == "" {
		return conn.Send(tether.ErrorReply(pkt, tether.ErrorData{
			Code: CodeInvalid, Message: "invalid rename request",
		}), true)
	}
	st := s.state(conn)
	if st == nil {
		return tether.ErrClosed
	}
	st.μ.Lock()
	defer st.μ.Unlock()

	cur, err := s.move(conn, st, rd.Old, rd.New)
	data, merr := codec.Default.Marshal(tether.RenameData{Old: rd.Old, New: cur})
	if merr != nil {
		return fmt.Errorf("marshal rename reply: %w", merr)
	}
	rsp := tether.NewReply(pkt, tether.TypeRename, data)
	switch {
	case errors.Is(err, ErrNameInUse):
		rsp.Cause = &tether.ErrorData{Code: CodeNameInUse, Message: fmt.Sprintf("name %q in use", rd.New)}
	case err != nil:
		rsp.Cause = &tether.ErrorData{Code: CodeClosed, Message: err.Error()}
	default:
		s.log.Debug("connection renamed", zap.String("old", rd.Old), zap.String("new", cur))
	}
	return conn.Send(rsp, true)
}
