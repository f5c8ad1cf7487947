package agenthost //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hotswap/pkg/kvstore"
	"hotswap/pkg/protocol"
	"hotswap/pkg/release"
)

// shortSockPath returns a short /tmp socket path safe for macOS (108 char limit).
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	p := fmt.Sprintf("/tmp/hs-%s-%d.sock", name, time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(p) })
	return p
}

// waitFor polls condition every 5ms until it returns true or timeout elapses.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// stageBuild writes a release with an executable and a couple of assets and
// points STAGED at it.
func stageBuild(t *testing.T, root, build string) {
	t.Helper()
	dir := release.Dir(root, build)
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hotswap"), []byte("#!/bin/sh\n"), 0o700); err != nil { //nolint:gosec // test executable
		t.Fatalf("write executable: %v", err)
	}
	for _, a := range []string{"assets/app.js", "assets/app.css"} {
		if err := os.WriteFile(filepath.Join(dir, a), []byte(build+":"+a), 0o600); err != nil {
			t.Fatalf("write asset: %v", err)
		}
	}
	m := release.Manifest{Build: build, Executable: "hotswap", Assets: []string{"assets/app.js", "assets/app.css"}}
	if err := release.Stage(root, m); err != nil {
		t.Fatalf("stage %s: %v", build, err)
	}
}

// newTestHost returns a Host over a fresh releases dir and memory KV store.
func newTestHost(t *testing.T) (*Host, string, *kvstore.Memory) {
	t.Helper()
	root := t.TempDir()
	kv := kvstore.NewMemory()
	h := New(Config{SocketPath: shortSockPath(t, "host"), ReleasesDir: root}, kv, nil)
	return h, root, kv
}

// startHost runs h in the background and waits for its listener.
func startHost(t *testing.T, h *Host) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("host did not stop")
		}
	})
	waitForListener(t, h.cfg.SocketPath)
	return cancel
}

// waitForListener polls until the socket accepts connections.
func waitForListener(t *testing.T, socketPath string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn, err := net.Dial("unix", socketPath) //nolint:noctx // test setup
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("listener did not become ready")
}

// rawClient speaks the line protocol directly.
type rawClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialRaw(t *testing.T, socketPath string) *rawClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath) //nolint:noctx // test setup
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *rawClient) send(msg protocol.Message) {
	c.t.Helper()
	if err := json.NewEncoder(c.conn).Encode(msg); err != nil {
		c.t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func (c *rawClient) next() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !c.scanner.Scan() {
		c.t.Fatalf("read: %v", c.scanner.Err())
	}
	var msg protocol.Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return msg
}

// nextOf skips messages until one of type want arrives.
func (c *rawClient) nextOf(want protocol.MessageType) protocol.Message {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		msg := c.next()
		if msg.Type == want {
			return msg
		}
	}
	c.t.Fatalf("no %s message", want)
	return protocol.Message{}
}

func register(t *testing.T, h *Host, id string) *rawClient {
	t.Helper()
	c := dialRaw(t, h.cfg.SocketPath)
	c.send(protocol.Message{Type: protocol.MsgRegister, Instance: id, Build: "test"})
	if got := c.next(); got.Type != protocol.MsgState || got.State == nil {
		t.Fatalf("register reply = %+v, want STATE with state", got)
	}
	return c
}

func removeExecutable(root, build string) error {
	return os.Remove(filepath.Join(release.Dir(root, build), "hotswap"))
}
