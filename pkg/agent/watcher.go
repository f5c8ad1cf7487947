// Package agent observes the shared background agent from one instance.
//
// The Watcher is the only seam between the coordinator and the agent: every
// lifecycle read and every instruction goes through it, and it talks to the
// host through the Registration interface so tests can inject events.
package agent

import (
	"context"
	"fmt"
	"sync"

	"hotswap/pkg/protocol"

	"go.uber.org/zap"
)

// State mirrors the shared agent's lifecycle as seen from this instance.
type State int

// Lifecycle states.
const (
	None State = iota
	Installing
	Waiting
	Activating
	Activated
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	default:
		return "unknown"
	}
}

// Registration is the host-provided view of the agent: its current builds,
// an update check, a one-way instruction channel and a stream of lifecycle
// events. The stream is closed when the registration goes away.
type Registration interface {
	Snapshot() protocol.RegistrationState
	Update(ctx context.Context) error
	Send(ctx context.Context, msg protocol.Message) error
	Events() <-chan protocol.Message
}

// Watcher tracks the agent lifecycle and exposes the operations the
// coordinator needs.
type Watcher struct {
	reg Registration
	log *zap.Logger

	mu           sync.Mutex
	state        State
	waiting      string
	onWaiting    []func(build string)
	onActivated  []func(build, executable string)
	onInstalling []func(build string)

	done chan struct{}
}

// NewWatcher creates a Watcher over reg. Call Start to begin observing.
func NewWatcher(reg Registration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{reg: reg, log: logger, done: make(chan struct{})}
}

// OnWaiting registers cb for "a build is installed and waiting".
func (w *Watcher) OnWaiting(cb func(build string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWaiting = append(w.onWaiting, cb)
}

// OnActivated registers cb for "control has been handed to a new agent".
// The host may report a handoff more than once.
func (w *Watcher) OnActivated(cb func(build, executable string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onActivated = append(w.onActivated, cb)
}

// OnInstalling registers cb for "a new build started installing".
func (w *Watcher) OnInstalling(cb func(build string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onInstalling = append(w.onInstalling, cb)
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Waiting returns the build currently waiting to activate, or "".
func (w *Watcher) Waiting() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Waiting {
		return ""
	}
	return w.waiting
}

// Done is closed when the event stream ends.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Start rebuilds the state from the registration snapshot and then follows
// lifecycle events until ctx is cancelled or the stream closes.
func (w *Watcher) Start(ctx context.Context) {
	w.apply(protocol.Message{Type: protocol.MsgState, State: ptr(w.reg.Snapshot())})

	go func() {
		defer close(w.done)
		events := w.reg.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					w.log.Info("agent event stream closed")
					return
				}
				w.apply(msg)
			}
		}
	}()
}

// apply advances the state machine for one host event and runs callbacks
// outside the lock.
func (w *Watcher) apply(msg protocol.Message) {
	st := protocol.RegistrationState{}
	if msg.State != nil {
		st = *msg.State
	}

	var fire func()
	w.mu.Lock()
	switch msg.Type {
	case protocol.MsgState:
		switch {
		case st.Waiting != "":
			if w.state != Activating || w.waiting != st.Waiting {
				fire = w.enterWaiting(st.Waiting)
			}
		case st.Installing != "":
			fire = w.enterInstalling(st.Installing)
		case w.state == Waiting:
			// The waiting build vanished without a handoff.
			w.state = None
			w.waiting = ""
		}
	case protocol.MsgInstalling:
		fire = w.enterInstalling(firstNonEmpty(msg.Build, st.Installing))
	case protocol.MsgStaged:
		fire = w.enterWaiting(firstNonEmpty(msg.Build, st.Waiting))
	case protocol.MsgControllerChanged:
		build := firstNonEmpty(msg.Build, st.Active)
		w.state = Activated
		w.waiting = ""
		cbs := append([]func(string, string){}, w.onActivated...)
		exe := st.Executable
		fire = func() {
			for _, cb := range cbs {
				cb(build, exe)
			}
		}
	}
	state := w.state
	w.mu.Unlock()

	w.log.Debug("agent event", zap.String("type", string(msg.Type)), zap.Stringer("state", state))
	if fire != nil {
		fire()
	}
}

// enterWaiting must be called with w.mu held.
func (w *Watcher) enterWaiting(build string) func() {
	if build == "" {
		return nil
	}
	w.state = Waiting
	w.waiting = build
	cbs := append([]func(string){}, w.onWaiting...)
	return func() {
		for _, cb := range cbs {
			cb(build)
		}
	}
}

// enterInstalling must be called with w.mu held.
func (w *Watcher) enterInstalling(build string) func() {
	if w.state == Waiting || w.state == Activating {
		// A newer build installing does not displace the parked one.
		return nil
	}
	w.state = Installing
	cbs := append([]func(string){}, w.onInstalling...)
	return func() {
		for _, cb := range cbs {
			cb(build)
		}
	}
}

// RequestActivation tells the waiting agent to take control. If no build is
// waiting any more the instruction is dropped and an *ActivationRaceError is
// returned for logging; this is not fatal.
func (w *Watcher) RequestActivation(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Waiting {
		build := w.waiting
		w.mu.Unlock()
		return &protocol.ActivationRaceError{Build: build}
	}
	build := w.waiting
	w.state = Activating
	w.mu.Unlock()

	if err := w.reg.Send(ctx, protocol.Message{Type: protocol.MsgSkipWaiting}); err != nil {
		// Nothing reached the agent, so the build is still parked there.
		w.mu.Lock()
		if w.state == Activating && w.waiting == build {
			w.state = Waiting
		}
		w.mu.Unlock()
		return fmt.Errorf("request activation of %s: %w", build, err)
	}
	w.log.Info("activation requested", zap.String("build", build))
	return nil
}

// CheckNow asks the host to look for a new build. Failures are logged and
// swallowed; the next scheduled check retries.
func (w *Watcher) CheckNow(ctx context.Context) {
	if err := w.reg.Update(ctx); err != nil {
		w.log.Debug("update check failed", zap.Error(&protocol.CheckError{Err: err}))
	}
}

// WarmCache hands the controlling agent the assets this instance loaded so
// it can prefetch them. Best effort.
func (w *Watcher) WarmCache(ctx context.Context, assets []string) {
	if len(assets) == 0 {
		return
	}
	msg := protocol.Message{Type: protocol.MsgWarmCache, Assets: assets}
	if err := w.reg.Send(ctx, msg); err != nil {
		w.log.Debug("warm cache not sent", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func ptr[T any](v T) *T { return &v }
