// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/tether/config"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// isolate clears the environment and search paths that Load consults.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TETHER_CONFIG", "")
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("Load defaults (-want, +got):\n%s", diff)
	}
}

func TestFile(t *testing.T) {
	isolate(t)
	path := writeFile(t, `
server:
  host: 127.0.0.1
  port: 9000
  websocket: ":9001"
client:
  name: alpha
  proxy:
    address: localhost:1080
    user: bob
manager:
  sweep_interval: 250ms
  default_timeout: 5s
  codec: json
log:
  level: DEBUG
  format: JSON
  outputs: [stdout, /tmp/tether.log]
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	want := config.Default()
	want.Server = config.ServerConfig{Host: "127.0.0.1", Port: 9000, WebSocket: ":9001"}
	want.Client.Name = "alpha"
	want.Client.Proxy = config.ProxyConfig{Address: "localhost:1080", User: "bob"}
	want.Manager = config.ManagerConfig{
		SweepInterval:  250 * time.Millisecond,
		DefaultTimeout: 5 * time.Second,
		Codec:          "json",
	}
	want.Log.Level = "DEBUG"
	want.Log.Format = "json"
	want.Log.Outputs = []string{"stdout", "/tmp/tether.log"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load file (-want, +got):\n%s", diff)
	}
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	path := writeFile(t, "server:\n  port: 9000\n")
	t.Setenv("TETHER_SERVER_PORT", "9100")
	t.Setenv("TETHER_LOG_LEVEL", "warn")
	t.Setenv("TETHER_MANAGER_DEFAULT_TIMEOUT", "2m")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got := cfg.Server.Port; got != 9100 {
		t.Errorf("Server.Port: got %d, want 9100", got)
	}
	if got := cfg.Log.Level; got != "warn" {
		t.Errorf("Log.Level: got %q, want warn", got)
	}
	if got := cfg.Manager.DefaultTimeout; got != 2*time.Minute {
		t.Errorf("Manager.DefaultTimeout: got %v, want 2m", got)
	}
}

func TestConfigEnv(t *testing.T) {
	isolate(t)
	path := writeFile(t, "client:\n  address: example.com:80\n")
	t.Setenv("TETHER_CONFIG", path)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got := cfg.Client.Address; got != "example.com:80" {
		t.Errorf("Client.Address: got %q, want example.com:80", got)
	}
}

func TestErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name, text string
	}{
		{"BadLevel", "log:\n  level: chatty\n"},
		{"BadFormat", "log:\n  format: xml\n"},
		{"BadPort", "server:\n  port: 70000\n"},
		{"BadSweep", "manager:\n  sweep_interval: -1s\n"},
		{"BadCodec", "manager:\n  codec: xml\n"},
		{"BadYAML", "server: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if cfg, err := config.Load(writeFile(t, tc.text)); err == nil {
				t.Errorf("Load: got %+v, want error", cfg)
			}
		})
	}

	t.Run("Missing", func(t *testing.T) {
		if cfg, err := config.Load(filepath.Join(t.TempDir(), "nonesuch.yaml")); err == nil {
			t.Errorf("Load: got %+v, want error", cfg)
		}
	})
}

func TestOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Client.Name = "beta"
	cfg.Client.Proxy = config.ProxyConfig{Address: "localhost:1080", User: "u", Password: "p"}
	log := zap.NewNop()

	mo := cfg.ManagerOptions(log)
	if mo.SweepInterval != time.Second || mo.DefaultTimeout != 30*time.Second || mo.Logger != log {
		t.Errorf("ManagerOptions: got %+v", mo)
	}
	if got := mo.Codec.ContentType(); got != "application/cbor" {
		t.Errorf("ManagerOptions codec: got %q, want application/cbor", got)
	}
	cfg.Manager.Codec = "application/json"
	if got := cfg.ManagerOptions(log).Codec.ContentType(); got != "application/json" {
		t.Errorf("ManagerOptions codec: got %q, want application/json", got)
	}
	if so := cfg.ServerOptions(log); so.Manager == nil || so.Manager.Logger != log {
		t.Errorf("ServerOptions: got %+v", so)
	}
	co := cfg.ClientOptions(log)
	if co.Name != "beta" || co.SOCKS5 != "localhost:1080" || co.DialTimeout != 10*time.Second {
		t.Errorf("ClientOptions: got %+v", co)
	}
	if co.ProxyAuth == nil || co.ProxyAuth.User != "u" || co.ProxyAuth.Password != "p" {
		t.Errorf("ClientOptions ProxyAuth: got %+v", co.ProxyAuth)
	}
}
