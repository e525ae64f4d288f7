// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program tether is a command-line utility for running and talking to tether
// endpoints.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/client"
	"github.com/creachadair/tether/codec"
	"github.com/creachadair/tether/config"
	"github.com/creachadair/tether/handler"
	"github.com/creachadair/tether/logging"
	"github.com/creachadair/tether/peers"
	"github.com/creachadair/tether/server"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

var rootFlags struct {
	Config   string `flag:"config,Configuration file path"`
	LogLevel string `flag:"log-level,Override the configured log level"`
	Codec    string `flag:"codec,Payload codec: cbor, json, or proto (overrides config)"`
}

var serveFlags struct {
	Host      string `flag:"host,Listen host (overrides config)"`
	Port      int    `flag:"port,Listen port (overrides config)"`
	WebSocket string `flag:"ws,Also accept websockets at this HTTP address"`
}

var dialFlags struct {
	Addr    string        `flag:"addr,Server host:port (overrides config)"`
	URL     string        `flag:"url,Server websocket URL (overrides addr)"`
	Name    string        `flag:"name,Request this connection name"`
	Timeout time.Duration `flag:"timeout,default=5s,Reply timeout"`
	Raw     bool          `flag:"raw,Send the payload as raw bytes, not JSON"`
}

var pingFlags struct {
	Count int `flag:"count,default=1,Number of pings to send"`
}

func bindFlags(vs ...any) func(*command.Env, *flag.FlagSet) {
	return func(_ *command.Env, fs *flag.FlagSet) {
		for _, v := range vs {
			flax.MustBind(fs, v)
		}
	}
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and talking to tether endpoints.",
		SetFlags: bindFlags(&rootFlags),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--host h] [--port p] [--ws addr]",
				Help: `Run a server until interrupted.

The server answers "echo" packets with a copy of their payload, and "names"
packets with the names of the connections currently registered. Clients must
use the same --codec as the server to decode the "names" reply.`,
				SetFlags: bindFlags(&serveFlags),
				Run:      runServe,
			},
			{
				Name:  "send",
				Usage: "<type> [payload]",
				Help: `Send a packet to a server and print the reply.

The payload is a JSON value, encoded for the wire with the selected codec.
With the proto codec, the value is sent as a google.protobuf.Value. With --raw, the payload is sent as literal bytes. A payload of "-" is read
from stdin.`,
				SetFlags: bindFlags(&dialFlags),
				Run:      runSend,
			},
			{
				Name:     "ping",
				Help:     "Ping a server and print round-trip times.",
				SetFlags: bindFlags(&dialFlags, &pingFlags),
				Run:      runPing,
			},
			{
				Name:  "dump",
				Usage: "[file ...]",
				Help: `Print the packets in a stream of wire frames.

With no arguments, frames are read from stdin.`,
				Run: runDump,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads the configuration and installs a logger. The caller must call
// the returned function before exiting.
func setup() (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	if rootFlags.LogLevel != "" {
		cfg.Log.Level = rootFlags.LogLevel
	}
	if rootFlags.Codec != "" {
		if _, err := codec.NewRegistry().Lookup(rootFlags.Codec); err != nil {
			return nil, nil, nil, err
		}
		cfg.Manager.Codec = rootFlags.Codec
	}
	log, done, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, done, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(env *command.Env) error {
	cfg, log, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveFlags.Host != "" {
		host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		port = serveFlags.Port
	}
	wsAddr := cfg.Server.WebSocket
	if serveFlags.WebSocket != "" {
		wsAddr = serveFlags.WebSocket
	}

	s := server.New(host, port, cfg.ServerOptions(log))
	s.Handle("echo", func(_ context.Context, pkt *tether.Packet, conn *tether.Conn) error {
		return conn.Send(tether.NewReply(pkt, pkt.Type, pkt.Payload), true)
	})
	s.Handle("names", handler.ResultOnly("names", func(context.Context) []string {
		return s.Names()
	}))
	s.OnDisconnect(func(conn *tether.Conn, err error) {
		log.Info("disconnected", zap.String("name", conn.Name()), zap.Error(err))
	})
	if _, err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	g := taskgroup.New(cancel)
	if wsAddr != "" {
		lst, err := net.Listen("tcp", wsAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", wsAddr, err)
		}
		acc := peers.NewWebSocketAccepter(nil)
		hs := &http.Server{Handler: acc}
		g.Go(func() error {
			err := hs.Serve(lst)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error { return s.Serve(ctx, acc) })
		g.Go(func() error {
			<-ctx.Done()
			acc.Close()
			return hs.Close()
		})
		log.Info("accepting websockets", zap.Stringer("addr", lst.Addr()))
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	fmt.Printf("Serving at %v\n", s.Addr())
	return g.Wait()
}

// dial connects a client to the configured server.
func dial(ctx context.Context, cfg *config.Config, log *zap.Logger) (*client.Client, error) {
	c := client.New(cfg.ClientOptions(log))
	url := cfg.Client.URL
	if dialFlags.URL != "" {
		url = dialFlags.URL
	}
	var err error
	if url != "" {
		err = c.ConnectWebSocket(ctx, url)
	} else {
		addr := cfg.Client.Address
		if dialFlags.Addr != "" {
			addr = dialFlags.Addr
		}
		err = connectTCP(ctx, c, addr)
	}
	if err != nil {
		return nil, err
	}
	if dialFlags.Name != "" {
		call, err := c.SetNameRemote(dialFlags.Name)
		if err == nil {
			_, err = waitCall(ctx, call)
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("set name: %w", err)
		}
	}
	return c, nil
}

func connectTCP(ctx context.Context, c *client.Client, addr string) error {
	host, sport, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(sport)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", sport, err)
	}
	return c.Connect(ctx, host, port)
}

func waitCall(ctx context.Context, call *tether.Call) (*tether.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, dialFlags.Timeout)
	defer cancel()
	return call.Wait(ctx)
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing packet type")
	} else if len(env.Args) > 2 {
		return env.Usagef("extra arguments after payload: %q", env.Args[2:])
	}
	ptype := tether.PacketType(env.Args[0])
	if ptype.IsReserved() {
		return fmt.Errorf("packet type %q is reserved", ptype)
	}
	var input []byte
	if len(env.Args) == 2 {
		input = []byte(env.Args[1])
		if env.Args[1] == "-" {
			var err error
			input, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
	}
	cfg, log, done, err := setup()
	if err != nil {
		return err
	}
	defer done()
	pc, err := codec.NewRegistry().Lookup(cfg.Manager.Codec)
	if err != nil {
		return err
	}
	payload, err := encodePayload(pc, input)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	c, err := dial(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	pkt := tether.NewPacket(ptype, payload).WithTimeout(dialFlags.Timeout)
	call, err := c.SendThen(pkt)
	if err != nil {
		return err
	}
	rsp, err := waitCall(ctx, call)
	if err != nil {
		return err
	}
	fmt.Println(rsp)
	return printPayload(os.Stdout, pc, rsp.Payload)
}

func isProto(c codec.Codec) bool { return c.ContentType() == codec.Proto().ContentType() }

// encodePayload encodes the JSON value in input with c.
func encodePayload(c codec.Codec, input []byte) ([]byte, error) {
	if dialFlags.Raw || len(input) == 0 {
		return input, nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if isProto(c) {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("convert payload: %w", err)
		}
		return c.Marshal(pv)
	}
	return c.Marshal(v)
}

func decodePayload(c codec.Codec, data []byte) (any, error) {
	if isProto(c) {
		var pv structpb.Value
		if err := c.Unmarshal(data, &pv); err != nil {
			return nil, err
		}
		return pv.AsInterface(), nil
	}
	var v any
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// printPayload renders data as JSON if it decodes with c, or as a quoted
// string otherwise.
func printPayload(w io.Writer, c codec.Codec, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if dialFlags.Raw {
		_, err := fmt.Fprintf(w, "%q\n", data)
		return err
	}
	if v, err := decodePayload(c, data); err == nil {
		if out, err := json.MarshalIndent(v, "", "  "); err == nil {
			_, err := fmt.Fprintln(w, string(out))
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%q\n", data)
	return err
}

func runPing(env *command.Env) error {
	cfg, log, done, err := setup()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := signalContext()
	defer cancel()

	c, err := dial(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := range max(pingFlags.Count, 1) {
		pctx, cancel := context.WithTimeout(ctx, dialFlags.Timeout)
		rtt, err := c.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping %d: %w", i+1, err)
		}
		fmt.Printf("ping %d (%s): %v\n", i+1, c.Name(), rtt)
	}
	return nil
}

func runDump(env *command.Env) error {
	if len(env.Args) == 0 {
		return dumpStream(os.Stdout, os.Stdin)
	}
	for _, path := range env.Args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = dumpStream(os.Stdout, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func dumpStream(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		var pkt tether.Packet
		if _, err := pkt.ReadFrom(br); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Fprintln(w, pkt.String())
	}
}
