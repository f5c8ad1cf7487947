package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"hotswap/pkg/protocol"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// registerTimeout bounds the wait for the agent's initial STATE reply.
const registerTimeout = 5 * time.Second

// dialTries bounds connection attempts in Dial.
const dialTries = 4

// eventBuffer is the depth of the event channel handed to the Watcher.
const eventBuffer = 64

// errNotConnected is returned by Send while the client is reconnecting.
var errNotConnected = errors.New("not connected to agent")

// Client is a Registration backed by the agent's Unix socket. It reconnects
// with backoff when the agent restarts.
type Client struct {
	socketPath string
	instance   string
	build      string
	log        *zap.Logger

	events chan protocol.Message

	mu       sync.Mutex
	conn     net.Conn
	enc      *json.Encoder
	snapshot protocol.RegistrationState
}

// Dial connects to the agent at socketPath, registers the instance and waits
// for the agent's state. Any failure is a *protocol.RegistrationError. The
// client stays connected (reconnecting as needed) until ctx is cancelled.
func Dial(ctx context.Context, socketPath, instance, build string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		socketPath: socketPath,
		instance:   instance,
		build:      build,
		log:        logger,
		events:     make(chan protocol.Message, eventBuffer),
	}

	conn, err := c.connect(ctx, backoff.WithMaxTries(dialTries))
	if err != nil {
		return nil, &protocol.RegistrationError{SocketPath: socketPath, Err: err}
	}
	go c.run(ctx, conn)
	return c, nil
}

// connect dials, registers and reads the initial STATE, retrying with
// exponential backoff.
func (c *Client) connect(ctx context.Context, opts ...backoff.RetryOption) (net.Conn, error) {
	attempt := func() (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.socketPath)
		if err != nil {
			return nil, fmt.Errorf("connect to agent: %w", err)
		}
		if err := c.register(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
	opts = append([]backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())}, opts...)
	return backoff.Retry(ctx, attempt, opts...)
}

// register sends REGISTER and consumes the STATE reply.
func (c *Client) register(conn net.Conn) error {
	enc := json.NewEncoder(conn)
	if err := enc.Encode(protocol.Message{Type: protocol.MsgRegister, Instance: c.instance, Build: c.build}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	line, err := readLine(conn)
	if err != nil {
		return fmt.Errorf("read agent state: %w", err)
	}
	var reply protocol.Message
	if err := json.Unmarshal(line, &reply); err != nil {
		return fmt.Errorf("decode agent state: %w", err)
	}
	if reply.Type != protocol.MsgState || reply.State == nil {
		return fmt.Errorf("unexpected agent reply %q", reply.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = enc
	c.snapshot = *reply.State
	c.mu.Unlock()
	return nil
}

// run reads events until the connection drops, then reconnects. It closes
// the event channel when ctx ends.
func (c *Client) run(ctx context.Context, conn net.Conn) {
	defer close(c.events)
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	}()

	for {
		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.enc = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("agent connection lost, reconnecting")
		next, err := c.connect(ctx, backoff.WithMaxElapsedTime(0))
		if err != nil {
			return
		}
		c.log.Info("reconnected to agent")
		// Replay the fresh snapshot so the watcher catches up on anything
		// missed while disconnected.
		c.emit(ctx, protocol.Message{Type: protocol.MsgState, State: ptr(c.Snapshot())})
		conn = next
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxMessageBytes)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue // skip malformed messages
		}
		if !msg.Type.IsEvent() {
			continue
		}
		if msg.State != nil {
			c.mu.Lock()
			c.snapshot = *msg.State
			c.mu.Unlock()
		}
		c.emit(ctx, msg)
	}
	_ = conn.Close()
}

func (c *Client) emit(ctx context.Context, msg protocol.Message) {
	select {
	case c.events <- msg:
	case <-ctx.Done():
	}
}

// readLine reads one newline-terminated message without buffering past it,
// so the event scanner that takes over the connection misses nothing.
func readLine(conn net.Conn) ([]byte, error) {
	var line []byte
	b := make([]byte, 1)
	for len(line) < protocol.MaxMessageBytes {
		if _, err := conn.Read(b); err != nil {
			return nil, err
		}
		if b[0] == '\n' {
			return line, nil
		}
		line = append(line, b[0])
	}
	return nil, errors.New("agent message too large")
}

// Snapshot implements Registration.
func (c *Client) Snapshot() protocol.RegistrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Update implements Registration.
func (c *Client) Update(ctx context.Context) error {
	return c.Send(ctx, protocol.Message{Type: protocol.MsgUpdate})
}

// Send implements Registration. Instructions are one-way.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return errNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Events implements Registration.
func (c *Client) Events() <-chan protocol.Message {
	return c.events
}
