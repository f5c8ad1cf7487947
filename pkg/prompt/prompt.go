// Package prompt owns the one update notification an instance may show.
//
// At most one prompt is Visible at any instant. A visible prompt is resolved
// exactly once through its Handle: Accept starts activation, Defer records a
// build-scoped "Later" answer, Dismiss hides it without recording anything so
// the next check may prompt again.
package prompt

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of the instance's prompt.
type State int

// Prompt states.
const (
	Hidden State = iota
	Visible
	Accepted
	Deferred
	Dismissed
)

func (s State) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	case Accepted:
		return "accepted"
	case Deferred:
		return "deferred"
	case Dismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Outcome is the user's answer reported by a Surface.
type Outcome int

// Surface outcomes. OutcomeDismiss also covers auto-hide.
const (
	OutcomeAccept Outcome = iota + 1
	OutcomeDefer
	OutcomeDismiss
)

// Default labels and timings.
const (
	DefaultMessage     = "A new version is available."
	DefaultAcceptLabel = "Update now"
	DefaultDeferLabel  = "Later"
	DefaultDeferFor    = 4 * time.Hour
	DefaultAutoHide    = 30 * time.Second
)

// deferWriteTimeout bounds the deferral write triggered by Defer.
const deferWriteTimeout = 5 * time.Second

// Notification is what a Surface renders.
type Notification struct {
	Build       string
	Message     string
	AcceptLabel string
	DeferLabel  string
	AutoHide    time.Duration // zero means the surface keeps it until answered
}

// Surface renders notifications. It is the only part of the subsystem that
// talks to the user. respond may be called from any goroutine, at most once
// per Show; calls after Hide are ignored by the prompt.
type Surface interface {
	Show(n Notification, respond func(Outcome))
	Hide()
}

// Deferrer persists a "Later" answer. *deferral.Store satisfies it.
type Deferrer interface {
	Defer(ctx context.Context, build string, d time.Duration) error
}

// Config wires a Prompt.
type Config struct {
	Surface  Surface
	Deferrer Deferrer
	DeferFor time.Duration // default DefaultDeferFor
	AutoHide time.Duration // default DefaultAutoHide; negative disables
	Message  string

	// OnAccept runs after the prompt is accepted, outside the prompt's lock.
	OnAccept func(build string)
	// OnDefer and OnDismiss are optional observers.
	OnDefer   func(build string)
	OnDismiss func(build string)

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DeferFor == 0 {
		out.DeferFor = DefaultDeferFor
	}
	if out.AutoHide == 0 {
		out.AutoHide = DefaultAutoHide
	}
	if out.AutoHide < 0 {
		out.AutoHide = 0
	}
	if out.Message == "" {
		out.Message = DefaultMessage
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Prompt is the single-flight prompt of one instance.
type Prompt struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *Handle
}

// New creates a hidden Prompt.
func New(cfg Config) *Prompt {
	return &Prompt{cfg: cfg.withDefaults(), state: Hidden}
}

// State returns the current prompt state.
func (p *Prompt) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Visible reports whether a prompt is currently shown.
func (p *Prompt) Visible() bool {
	return p.State() == Visible
}

// Show surfaces a prompt about build. It returns false, and changes nothing,
// when a prompt is already visible.
func (p *Prompt) Show(build string) (*Handle, bool) {
	p.mu.Lock()
	if p.state == Visible {
		p.mu.Unlock()
		p.cfg.Logger.Debug("prompt already visible", zap.String("build", build))
		return nil, false
	}
	h := &Handle{p: p, build: build}
	p.state = Visible
	p.current = h
	p.mu.Unlock()

	p.cfg.Logger.Info("update prompt shown", zap.String("build", build))
	if p.cfg.Surface != nil {
		p.cfg.Surface.Show(Notification{
			Build:       build,
			Message:     p.cfg.Message,
			AcceptLabel: DefaultAcceptLabel,
			DeferLabel:  DefaultDeferLabel,
			AutoHide:    p.cfg.AutoHide,
		}, h.respond)
	}
	return h, true
}

// Hide withdraws a visible prompt without recording an outcome. It is used
// when the decision has been taken elsewhere.
func (p *Prompt) Hide() {
	p.mu.Lock()
	if p.state != Visible {
		p.mu.Unlock()
		return
	}
	p.state = Hidden
	p.current = nil
	p.mu.Unlock()

	p.hideSurface()
}

// resolve claims h as the visible prompt's single resolution and moves to
// state. It reports false if h is no longer the visible prompt.
func (p *Prompt) resolve(h *Handle, state State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Visible || p.current != h {
		return false
	}
	p.state = state
	p.current = nil
	return true
}

// settle moves from a transient outcome state back to Hidden, unless a new
// prompt was shown in between.
func (p *Prompt) settle(from State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == from {
		p.state = Hidden
	}
}

func (p *Prompt) hideSurface() {
	if p.cfg.Surface != nil {
		p.cfg.Surface.Hide()
	}
}

// Handle resolves one shown prompt.
type Handle struct {
	p     *Prompt
	build string
}

// Build returns the build the prompt is about.
func (h *Handle) Build() string { return h.build }

// Accept resolves the prompt as "Update now" and invokes the activation callback.
func (h *Handle) Accept() {
	if !h.p.resolve(h, Accepted) {
		return
	}
	h.p.hideSurface()
	h.p.cfg.Logger.Info("update accepted", zap.String("build", h.build))
	if h.p.cfg.OnAccept != nil {
		h.p.cfg.OnAccept(h.build)
	}
}

// Defer resolves the prompt as "Later": it records a deferral for the build
// and hides the prompt.
func (h *Handle) Defer() {
	if !h.p.resolve(h, Deferred) {
		return
	}
	h.p.hideSurface()
	if h.p.cfg.Deferrer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deferWriteTimeout)
		if err := h.p.cfg.Deferrer.Defer(ctx, h.build, h.p.cfg.DeferFor); err != nil {
			h.p.cfg.Logger.Warn("deferral not recorded", zap.String("build", h.build), zap.Error(err))
		}
		cancel()
	}
	h.p.settle(Deferred)
	if h.p.cfg.OnDefer != nil {
		h.p.cfg.OnDefer(h.build)
	}
}

// Dismiss hides the prompt without recording a deferral.
func (h *Handle) Dismiss() {
	if !h.p.resolve(h, Dismissed) {
		return
	}
	h.p.hideSurface()
	h.p.cfg.Logger.Debug("update prompt dismissed", zap.String("build", h.build))
	h.p.settle(Dismissed)
	if h.p.cfg.OnDismiss != nil {
		h.p.cfg.OnDismiss(h.build)
	}
}

// respond adapts a Surface answer to the handle.
func (h *Handle) respond(o Outcome) {
	switch o {
	case OutcomeAccept:
		h.Accept()
	case OutcomeDefer:
		h.Defer()
	default:
		h.Dismiss()
	}
}
