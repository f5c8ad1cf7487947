// Package coordinator decides when one instance prompts for a staged build
// and applies the update with exactly one reload.
//
// Every instance runs its own Coordinator. Instances share nothing but the
// deferral records in the origin KV store and an advisory bus; activation
// itself is arbitrated by the background agent.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"hotswap/pkg/bus"
	"hotswap/pkg/prompt"
	"hotswap/pkg/protocol"

	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultStartupDelay = 10 * time.Second
	DefaultInterval     = time.Hour
	DefaultDeferFor     = prompt.DefaultDeferFor
)

// instructionTimeout bounds an activation request to the agent.
const instructionTimeout = 5 * time.Second

// UpdatingText is shown by the indicator while an activation is in flight.
const UpdatingText = "Updating to the latest version…"

// Watcher is the part of the agent lifecycle watcher the coordinator uses.
type Watcher interface {
	OnWaiting(cb func(build string))
	OnActivated(cb func(build, executable string))
	Waiting() string
	RequestActivation(ctx context.Context) error
	CheckNow(ctx context.Context)
	WarmCache(ctx context.Context, assets []string)
}

// Deferrals answers and records build-scoped "not now" decisions.
type Deferrals interface {
	IsDeferred(ctx context.Context, build string) bool
	Defer(ctx context.Context, build string, d time.Duration) error
}

// Bus is the advisory cross-instance channel.
type Bus interface {
	Publish(msg bus.Message) error
	Subscribe(handler bus.Handler) (cancel func())
}

// Indicator shows a lightweight, non-interactive status line.
type Indicator interface {
	Status(text string)
}

// Reloader replaces the running instance with the controlling build. It
// only returns on failure.
type Reloader func(build, executable string) error

// Config holds Coordinator configuration.
type Config struct {
	StartupDelay time.Duration // First check after start (default 10s).
	Interval     time.Duration // Periodic checks (default 1h).
	DeferFor     time.Duration // "Later" suppression (default 4h).
	AutoHide     time.Duration // Prompt auto-hide; see prompt.Config.

	Surface   prompt.Surface
	Indicator Indicator
	Reload    Reloader
	// Assets lists what this instance loaded, handed to a new agent to warm
	// its cache before reloading.
	Assets func() []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StartupDelay == 0 {
		out.StartupDelay = DefaultStartupDelay
	}
	if out.Interval == 0 {
		out.Interval = DefaultInterval
	}
	if out.DeferFor == 0 {
		out.DeferFor = DefaultDeferFor
	}
	return out
}

// ReloadGuard lets exactly one reload through per instance.
type ReloadGuard struct {
	done atomic.Bool
}

// Claim reports true the first time it is called and false ever after.
func (g *ReloadGuard) Claim() bool {
	return g.done.CompareAndSwap(false, true)
}

// Claimed reports whether the reload has been claimed.
func (g *ReloadGuard) Claimed() bool {
	return g.done.Load()
}

// Coordinator orchestrates checks, the prompt decision and the reload for one
// instance. All of its state is owned by the Run goroutine.
type Coordinator struct {
	cfg       Config
	watcher   Watcher
	deferrals Deferrals
	bus       Bus
	prompt    *prompt.Prompt
	log       *zap.Logger
	guard     ReloadGuard

	events chan func(ctx context.Context)
	checks chan string
	exited chan struct{}

	// Owned by the run loop. updating is the build some instance has asked
	// the agent to activate; prompts for it are suppressed.
	updating string
}

// New creates a Coordinator and subscribes it to the watcher. Start the
// watcher after New so the initial snapshot reaches the coordinator, then
// call Run.
func New(cfg Config, w Watcher, deferrals Deferrals, b Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		watcher:   w,
		deferrals: deferrals,
		bus:       b,
		log:       logger,
		events:    make(chan func(ctx context.Context), 64),
		checks:    make(chan string, 1),
		exited:    make(chan struct{}),
	}
	c.prompt = prompt.New(prompt.Config{
		Surface:  c.cfg.Surface,
		Deferrer: deferrals,
		DeferFor: c.cfg.DeferFor,
		AutoHide: c.cfg.AutoHide,
		OnAccept: func(build string) {
			c.post(func(ctx context.Context) { c.accept(ctx, build) })
		},
		Logger: logger,
	})

	w.OnWaiting(func(build string) {
		c.post(func(ctx context.Context) { c.decide(ctx, build) })
	})
	w.OnActivated(func(build, executable string) {
		c.post(func(ctx context.Context) { c.activated(ctx, build, executable) })
	})
	return c
}

// Prompt returns the instance's single-flight prompt.
func (c *Coordinator) Prompt() *prompt.Prompt {
	return c.prompt
}

// Reloaded reports whether the reload has been triggered.
func (c *Coordinator) Reloaded() bool {
	return c.guard.Claimed()
}

// NotifyVisible schedules a check because the instance came back into view.
func (c *Coordinator) NotifyVisible() {
	c.requestCheck("visible")
}

// CheckNow schedules an immediate check.
func (c *Coordinator) CheckNow() {
	c.requestCheck("forced")
}

func (c *Coordinator) requestCheck(reason string) {
	select {
	case c.checks <- reason:
	default:
		// A check is already pending.
	}
}

// post queues fn onto the run loop. It is dropped once Run has returned.
func (c *Coordinator) post(fn func(ctx context.Context)) {
	select {
	case c.events <- fn:
	case <-c.exited:
	}
}

// Run drives the schedule and processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.exited)

	unsubscribe := func() {}
	if c.bus != nil {
		unsubscribe = c.bus.Subscribe(func(msg bus.Message) {
			if msg == bus.ActivateNow {
				c.post(c.siblingActivating)
			}
		})
	}
	defer unsubscribe()

	startup := time.NewTimer(c.cfg.StartupDelay)
	defer startup.Stop()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-startup.C:
			c.check(ctx, "startup")
		case <-ticker.C:
			c.check(ctx, "interval")
		case reason := <-c.checks:
			c.check(ctx, reason)
		case fn := <-c.events:
			fn(ctx)
		}
	}
}

// check asks the agent for a new build off the loop. Afterwards the decision
// runs again for a build that is still waiting, so an expired deferral or a
// dismissed prompt is re-evaluated.
func (c *Coordinator) check(ctx context.Context, reason string) {
	c.log.Debug("update check", zap.String("reason", reason))
	go func() {
		c.watcher.CheckNow(ctx)
		c.post(func(ctx context.Context) {
			if build := c.watcher.Waiting(); build != "" {
				c.decide(ctx, build)
			}
		})
	}()
}

// decide shows the prompt for a waiting build unless something suppresses it.
func (c *Coordinator) decide(ctx context.Context, build string) {
	switch {
	case c.updating != "" && c.updating == build:
		c.log.Debug("prompt suppressed: activation in progress", zap.String("build", build))
	case c.guard.Claimed():
	case c.deferrals != nil && c.deferrals.IsDeferred(ctx, build):
		c.log.Debug("prompt suppressed: deferred", zap.String("build", build))
	case c.prompt.Visible():
	default:
		c.prompt.Show(build)
	}
}

// accept requests activation and tells sibling instances about it. When the
// instruction never reaches the agent the build stays waiting and is offered
// again on the next check.
func (c *Coordinator) accept(ctx context.Context, build string) {
	reqCtx, cancel := context.WithTimeout(ctx, instructionTimeout)
	err := c.watcher.RequestActivation(reqCtx)
	cancel()
	var race *protocol.ActivationRaceError
	switch {
	case errors.As(err, &race):
		c.log.Info("activation race: no build waiting", zap.String("build", build))
	case err != nil:
		c.log.Warn("activation request failed, will offer again", zap.String("build", build), zap.Error(err))
		return
	}
	c.updating = build

	if c.bus != nil {
		if err := c.bus.Publish(bus.ActivateNow); err != nil {
			c.log.Debug("activate-now not published", zap.Error(err))
		}
	}
	c.status(UpdatingText)
}

// siblingActivating reacts to another instance accepting the update. Only
// the build waiting now is suppressed; a later build is offered as usual.
func (c *Coordinator) siblingActivating(context.Context) {
	build := c.watcher.Waiting()
	c.log.Info("sibling instance is activating the update", zap.String("build", build))
	if build != "" {
		c.updating = build
	}
	c.prompt.Hide()
	c.status(UpdatingText)
}

// activated reloads once when control passes to a new agent.
func (c *Coordinator) activated(ctx context.Context, build, executable string) {
	if !c.guard.Claim() {
		c.log.Debug("duplicate activation ignored", zap.String("build", build))
		return
	}
	c.prompt.Hide()
	if c.cfg.Assets != nil {
		c.watcher.WarmCache(ctx, c.cfg.Assets())
	}
	c.log.Info("reloading into new build", zap.String("build", build), zap.String("executable", executable))
	if c.cfg.Reload == nil {
		return
	}
	if err := c.cfg.Reload(build, executable); err != nil {
		c.log.Error("reload failed", zap.String("build", build), zap.Error(err))
	}
}

func (c *Coordinator) status(text string) {
	if c.cfg.Indicator != nil {
		c.cfg.Indicator.Status(text)
	}
}
