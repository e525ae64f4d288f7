// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package client implements an endpoint with exactly one outbound connection.
//
// A Client embeds a [tether.Manager], so handlers and packet logging are
// configured on the client directly:
//
//	c := client.New(nil)
//	c.Handle("news", onNews)
//	if err := c.Connect(ctx, "localhost", 7007); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//	defer c.Close()
//
// The server is authoritative for the name of the connection. The client
// applies every name the server reports, either in reply to SetNameRemote or
// in an unsolicited rename notification, in the order they arrive.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

var (
	// ErrNotConnected is reported by operations that require a connection
	// when the client has none.
	ErrNotConnected = errors.New("client is not connected")

	// ErrConnected is reported by Connect when the client already has a live
	// connection.
	ErrConnected = errors.New("client is already connected")
)

// Options are settings for a Client. A nil *Options provides defaults.
type Options struct {
	// Settings for the embedded manager.
	Manager *tether.Options

	// The initial local name of the connection.
	Name string

	// If set, used to dial TCP connections. This overrides SOCKS5.
	Dialer proxy.ContextDialer

	// If set, TCP connections are dialed through the SOCKS5 proxy at this
	// address, with the given credentials if ProxyAuth != nil.
	SOCKS5    string
	ProxyAuth *proxy.Auth

	// Bounds the time to establish a connection. If zero, a default of 10s
	// is used.
	DialTimeout time.Duration

	// If set, used to dial websocket connections.
	WebSocket *websocket.Dialer
}

const defaultDialTimeout = 10 * time.Second

func (o *Options) managerOptions() *tether.Options {
	if o == nil {
		return nil
	}
	return o.Manager
}

func (o *Options) name() string {
	if o == nil {
		return ""
	}
	return o.Name
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return o.DialTimeout
}

// dialer returns the dialer to use for TCP connections.
func (o *Options) dialer() (proxy.ContextDialer, error) {
	base := &net.Dialer{Timeout: o.dialTimeout()}
	if o == nil {
		return base, nil
	} else if o.Dialer != nil {
		return o.Dialer, nil
	} else if o.SOCKS5 == "" {
		return base, nil
	}
	d, err := proxy.SOCKS5("tcp", o.SOCKS5, o.ProxyAuth, base)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %q: %w", o.SOCKS5, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer %T does not support contexts", d)
	}
	return cd, nil
}

func (o *Options) wsDialer() *websocket.Dialer {
	if o == nil || o.WebSocket == nil {
		return &websocket.Dialer{HandshakeTimeout: o.dialTimeout()}
	}
	return o.WebSocket
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Manager == nil || o.Manager.Logger == nil {
		return zap.L()
	}
	return o.Manager.Logger
}

// A Client manages exactly one outbound connection. The methods of a Client
// are safe for concurrent use by multiple goroutines.
type Client struct {
	*tether.Manager

	opts *Options
	log  *zap.Logger

	μ    sync.Mutex
	name string // the local name to use for the next connection
	conn *tether.Conn
}

// New constructs a new, unconnected client with the given options.
func New(opts *Options) *Client {
	c := &Client{
		Manager: tether.NewManager(opts.managerOptions()),
		opts:    opts,
		log:     opts.logger(),
		name:    opts.name(),
	}
	c.Handle(tether.TypeRename, c.handleRename)
	return c
}

// Connect dials a TCP connection to host and port and starts the client on
// it. It reports ErrConnected if the client already has a live connection.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if c.live() != nil {
		return ErrConnected
	}
	d, err := c.opts.dialer()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := c.Start(channel.IO(conn, conn)); err != nil {
		conn.Close()
		return err
	}
	c.log.Debug("connected", zap.String("addr", addr))
	return nil
}

// ConnectWebSocket dials a websocket connection to url and starts the client
// on it. It reports ErrConnected if the client already has a live connection.
func (c *Client) ConnectWebSocket(ctx context.Context, url string) error {
	if c.live() != nil {
		return ErrConnected
	}
	ws, _, err := c.opts.wsDialer().DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	ch := channel.WebSocket(ws)
	if err := c.Start(ch); err != nil {
		ch.Close()
		return err
	}
	c.log.Debug("connected", zap.String("url", url))
	return nil
}

// Start starts the client on an existing channel. It reports ErrConnected if
// the client already has a live connection.
func (c *Client) Start(ch tether.Channel) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn != nil && !c.conn.State().Terminal() {
		return ErrConnected
	}
	c.Manager.Start()
	conn, err := c.Attach(ch, c.name)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// live returns the current connection, or nil if there is none or it has
// terminated.
func (c *Client) live() *tether.Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn == nil || c.conn.State().Terminal() {
		return nil
	}
	return c.conn
}

// Conn returns the current connection, or nil if the client has not connected.
// The connection may have terminated.
func (c *Client) Conn() *tether.Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.conn
}

func (c *Client) mustConn() (*tether.Conn, error) {
	if conn := c.live(); conn != nil {
		return conn, nil
	}
	return nil, ErrNotConnected
}

// Send sends pkt to the server and flushes it.
func (c *Client) Send(pkt *tether.Packet) error {
	conn, err := c.mustConn()
	if err != nil {
		return err
	}
	return conn.Send(pkt, true)
}

// SendThen sends pkt to the server and returns a call that completes when the
// reply arrives, the deadline of pkt passes, or the connection fails.
func (c *Client) SendThen(pkt *tether.Packet) (*tether.Call, error) {
	conn, err := c.mustConn()
	if err != nil {
		return nil, err
	}
	return conn.SendThen(pkt, true)
}

// Name returns the local name of the connection.
func (c *Client) Name() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn != nil {
		return c.conn.Name()
	}
	return c.name
}

// SetName sets the local name of the connection without informing the server.
func (c *Client) SetName(name string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.name = name
	if c.conn != nil {
		c.conn.Rename(name)
	}
}

// SetNameRemote sets the local name of the connection and asks the server to
// register the connection under that name. The returned call completes when
// the server replies; if the server refuses the name, the call fails with the
// reason and the client reverts to the name the server reports.
func (c *Client) SetNameRemote(name string) (*tether.Call, error) {
	conn, err := c.mustConn()
	if err != nil {
		return nil, err
	}
	c.μ.Lock()
	c.name = name
	c.μ.Unlock()
	return conn.RenameRemote(name)
}

// Ping sends a ping to the server and reports the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	conn, err := c.mustConn()
	if err != nil {
		return 0, err
	}
	return conn.Ping(ctx)
}

// Close closes the connection, if any, and stops the manager. Pending calls
// fail with tether.ErrClosed.
func (c *Client) Close() error {
	c.Manager.Stop()
	return nil
}

// handleRename applies a name reported by the server.
func (c *Client) handleRename(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
	if len(pkt.Payload) == 0 {
		return nil // a bare exception reply
	}
	var rd tether.RenameData
	if err := pkt.Unmarshal(&rd); err != nil {
		return err
	}
	if rd.New == "" {
		return nil // nothing authoritative to apply
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if old := conn.Rename(rd.New); old != rd.New {
		c.log.Debug("connection renamed by server", zap.String("old", old), zap.String("new", rd.New))
	}
	if conn == c.conn {
		c.name = rd.New
	}
	return nil
}
