// Package agenthost implements the background agent shared by every
// instance of an origin.
//
// The Host serves instances over a Unix socket with line-delimited JSON. It
// owns the install → wait → activate lifecycle: an update check picks up the
// build named by the releases STAGED pointer, installs it, and parks it as
// waiting while an older build is active. A SKIP_WAITING instruction from any
// instance promotes it, and every connected instance is told that control
// changed. Activation is arbitrated here, once, however many instances ask.
package agenthost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"hotswap/pkg/kvstore"
	"hotswap/pkg/protocol"
	"hotswap/pkg/release"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds Host configuration.
type Config struct {
	SocketPath      string        // UDS socket path.
	ReleasesDir     string        // Root of staged release directories.
	CacheEntries    int           // Max prefetched assets kept (default 256).
	CacheAssetBytes int64         // Max size of one prefetched asset (default 8 MiB).
	WriteTimeout    time.Duration // Per-message write deadline to instances (default 2s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CacheEntries <= 0 {
		out.CacheEntries = 256
	}
	if out.CacheAssetBytes <= 0 {
		out.CacheAssetBytes = 8 << 20
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 2 * time.Second
	}
	return out
}

// trackedClient holds runtime state for a connected instance.
type trackedClient struct {
	id          string
	build       string
	conn        net.Conn
	connectedAt time.Time

	writeMu sync.Mutex
	enc     *json.Encoder
}

// Host is the background agent.
type Host struct {
	cfg   Config
	kv    kvstore.Store
	log   *zap.Logger
	cache *assetCache

	mu       sync.Mutex
	state    protocol.RegistrationState
	clients  map[string]*trackedClient
	listener net.Listener

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Host. It does NOT start listening — call Run().
func New(cfg Config, kv kvstore.Store, logger *zap.Logger) *Host {
	resolved := cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		cfg:     resolved,
		kv:      kv,
		log:     logger,
		cache:   newAssetCache(resolved.CacheEntries, resolved.CacheAssetBytes),
		clients: make(map[string]*trackedClient),
		nowFunc: time.Now,
	}
}

// State returns the current registration state.
func (h *Host) State() protocol.RegistrationState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ConnectedClients returns the number of registered instances.
func (h *Host) ConnectedClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run starts the Host. It:
//  1. Restores the active build from the KV store
//  2. Starts the UDS listener
//  3. Runs an initial update check
//
// Run blocks until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	h.restoreActive(ctx)

	if err := reclaimSocket(ctx, h.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", h.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", h.cfg.SocketPath, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.log.Info("agent listening", zap.String("socket", h.cfg.SocketPath), zap.String("active", h.State().Active))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.acceptLoop(gctx, ln)
		return nil
	})
	g.Go(func() error {
		if err := h.Check(gctx); err != nil {
			h.log.Warn("initial update check failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		h.mu.Lock()
		for id, c := range h.clients {
			_ = c.conn.Close()
			delete(h.clients, id)
		}
		h.mu.Unlock()
		return nil
	})
	return g.Wait()
}

// restoreActive loads the persisted active build so a restarted agent keeps
// controlling the same build.
func (h *Host) restoreActive(ctx context.Context) {
	if h.kv == nil {
		return
	}
	active, ok, err := h.kv.Get(ctx, protocol.AgentActiveKey)
	if err != nil || !ok || active == "" {
		return
	}
	exe := ""
	if m, err := release.Load(h.cfg.ReleasesDir, active); err == nil {
		exe = m.ExecutablePath(h.cfg.ReleasesDir)
	}
	h.mu.Lock()
	h.state.Active = active
	h.state.Executable = exe
	h.mu.Unlock()
}

// --- UDS server ---

// acceptLoop accepts new instance connections.
func (h *Host) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go h.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON messages from one instance.
func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxMessageBytes)
	var client *trackedClient

	defer func() {
		_ = conn.Close()
		if client != nil {
			h.mu.Lock()
			if h.clients[client.id] == client {
				delete(h.clients, client.id)
			}
			h.mu.Unlock()
			h.log.Debug("instance disconnected", zap.String("instance", client.id))
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		if client == nil {
			switch msg.Type {
			case protocol.MsgRegister:
				client = h.registerClient(msg, conn)
			case protocol.MsgStatus:
				// Short-lived status query: reply and hang up.
				tmp := &trackedClient{id: "status", conn: conn, enc: json.NewEncoder(conn)}
				_ = h.send(tmp, h.stateMessage(protocol.MsgState))
				return
			default:
				continue
			}
			if err := h.send(client, h.stateMessage(protocol.MsgState)); err != nil {
				return
			}
			continue
		}

		h.handleMessage(ctx, client, msg)
	}
}

// registerClient adds or replaces a tracked instance.
func (h *Host) registerClient(msg protocol.Message, conn net.Conn) *trackedClient {
	id := msg.Instance
	if id == "" {
		id = conn.RemoteAddr().String() + "@" + h.nowFunc().Format(time.RFC3339Nano)
	}
	c := &trackedClient{
		id:          id,
		build:       msg.Build,
		conn:        conn,
		connectedAt: h.nowFunc(),
		enc:         json.NewEncoder(conn),
	}
	h.mu.Lock()
	if prev, ok := h.clients[id]; ok {
		_ = prev.conn.Close()
	}
	h.clients[id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("instance registered", zap.String("instance", id), zap.String("build", msg.Build), zap.Int("instances", count))
	return c
}

// --- Message handling ---

// handleMessage dispatches an instruction from a registered instance.
func (h *Host) handleMessage(ctx context.Context, c *trackedClient, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgUpdate:
		if err := h.Check(ctx); err != nil {
			h.log.Warn("update check failed", zap.String("instance", c.id), zap.Error(err))
		}
	case protocol.MsgSkipWaiting:
		h.SkipWaiting(ctx)
	case protocol.MsgWarmCache:
		n := h.WarmCache(msg.Assets)
		h.log.Debug("cache warmed", zap.String("instance", c.id), zap.Int("requested", len(msg.Assets)), zap.Int("loaded", n))
	case protocol.MsgStatus:
		_ = h.send(c, h.stateMessage(protocol.MsgState))
	}
}

// Check looks for a newly staged build and installs it. A build that is
// already active, waiting or installing is left alone.
func (h *Host) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	staged, err := release.StagedBuild(h.cfg.ReleasesDir)
	if errors.Is(err, release.ErrNotStaged) {
		return nil
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	if staged == h.state.Active || staged == h.state.Waiting || staged == h.state.Installing {
		h.mu.Unlock()
		return nil
	}
	h.state.Installing = staged
	h.mu.Unlock()

	h.log.Info("installing build", zap.String("build", staged))
	h.broadcast(h.eventMessage(protocol.MsgInstalling, staged))

	m, loadErr := release.Load(h.cfg.ReleasesDir, staged)

	h.mu.Lock()
	if h.state.Installing == staged {
		h.state.Installing = ""
	}
	if loadErr != nil {
		h.mu.Unlock()
		h.broadcast(h.stateMessage(protocol.MsgState))
		return fmt.Errorf("install %s: %w", staged, loadErr)
	}
	if h.state.Active == "" {
		// Nothing controls instances yet: the first build activates directly.
		h.state.Active = staged
		h.state.Executable = m.ExecutablePath(h.cfg.ReleasesDir)
		h.mu.Unlock()
		h.persistActive(ctx, staged)
		h.log.Info("first build active", zap.String("build", staged))
		h.broadcast(h.stateMessage(protocol.MsgState))
		return nil
	}
	h.state.Waiting = staged
	h.mu.Unlock()

	h.log.Info("build waiting", zap.String("build", staged))
	h.broadcast(h.eventMessage(protocol.MsgStaged, staged))
	return nil
}

// SkipWaiting promotes the waiting build to active and tells every instance.
// Without a waiting build it does nothing.
func (h *Host) SkipWaiting(ctx context.Context) bool {
	h.mu.Lock()
	waiting := h.state.Waiting
	if waiting == "" {
		h.mu.Unlock()
		h.log.Info("skip waiting ignored: no build waiting")
		return false
	}
	exe := ""
	if m, err := release.Load(h.cfg.ReleasesDir, waiting); err == nil {
		exe = m.ExecutablePath(h.cfg.ReleasesDir)
	}
	h.state.Active = waiting
	h.state.Executable = exe
	h.state.Waiting = ""
	h.mu.Unlock()

	h.persistActive(ctx, waiting)
	h.log.Info("build activated", zap.String("build", waiting))
	h.broadcast(h.eventMessage(protocol.MsgControllerChanged, waiting))
	return true
}

// WarmCache prefetches assets of the active build and returns how many were
// loaded.
func (h *Host) WarmCache(assets []string) int {
	active := h.State().Active
	if active == "" {
		return 0
	}
	return h.cache.warm(release.Dir(h.cfg.ReleasesDir, active), assets)
}

// Cached returns a prefetched asset of build.
func (h *Host) Cached(build, asset string) ([]byte, bool) {
	return h.cache.get(build, asset)
}

func (h *Host) persistActive(ctx context.Context, build string) {
	if h.kv == nil {
		return
	}
	if err := h.kv.Set(ctx, protocol.AgentActiveKey, build); err != nil {
		h.log.Warn("active build not persisted", zap.String("build", build), zap.Error(err))
	}
}

func (h *Host) stateMessage(t protocol.MessageType) protocol.Message {
	st := h.State()
	return protocol.Message{Type: t, State: &st}
}

func (h *Host) eventMessage(t protocol.MessageType, build string) protocol.Message {
	msg := h.stateMessage(t)
	msg.Build = build
	return msg
}

// broadcast sends msg to every registered instance, dropping instances that
// cannot be written to.
func (h *Host) broadcast(msg protocol.Message) {
	h.mu.Lock()
	clients := make([]*trackedClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := h.send(c, msg); err != nil {
			h.log.Debug("dropping unreachable instance", zap.String("instance", c.id), zap.Error(err))
			_ = c.conn.Close()
		}
	}
}

func (h *Host) send(c *trackedClient, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(h.nowFunc().Add(h.cfg.WriteTimeout))
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("write to instance %s: %w", c.id, err)
	}
	return nil
}

// QueryStatus connects to the agent at socketPath and returns its state.
func QueryStatus(ctx context.Context, socketPath string) (protocol.RegistrationState, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return protocol.RegistrationState{}, fmt.Errorf("connect to agent: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(protocol.Message{Type: protocol.MsgStatus}); err != nil {
		return protocol.RegistrationState{}, fmt.Errorf("send status: %w", err)
	}
	var reply protocol.Message
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return protocol.RegistrationState{}, fmt.Errorf("read status: %w", err)
	}
	if reply.State == nil {
		return protocol.RegistrationState{}, fmt.Errorf("agent replied %q without state", reply.Type)
	}
	return *reply.State, nil
}
