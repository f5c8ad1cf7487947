package coordinator //nolint:testpackage // internal white-box tests need access to the run loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hotswap/pkg/bus"
	"hotswap/pkg/deferral"
	"hotswap/pkg/kvstore"
	"hotswap/pkg/prompt"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// brokenKV fails every operation.
type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk I/O error")
}

func (brokenKV) Set(context.Context, string, string) error {
	return errors.New("disk I/O error")
}

func (brokenKV) List(context.Context, string) (map[string]string, error) {
	return nil, errors.New("disk I/O error")
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	c       *Coordinator
	watcher *fakeWatcher
	surface *fakeSurface
	reloads *reloadCounter
	store   *deferral.Store
	clock   *clock
}

type harnessOpt func(*Config)

// newHarness starts a coordinator over fakes, sharing kv and b when given.
func newHarness(t *testing.T, kv kvstore.Store, b Bus, opts ...harnessOpt) *harness {
	t.Helper()
	if kv == nil {
		kv = kvstore.NewMemory()
	}
	if b == nil {
		b = bus.Unavailable()
	}
	h := &harness{
		watcher: &fakeWatcher{},
		surface: &fakeSurface{},
		reloads: &reloadCounter{},
		clock:   &clock{now: t0},
	}
	h.store = deferral.New(kv, nil)
	h.store.SetNow(h.clock.Now)

	cfg := Config{
		StartupDelay: time.Hour,
		Interval:     time.Hour,
		AutoHide:     -1,
		Surface:      h.surface,
		Indicator:    h.surface,
		Reload:       h.reloads.reload,
		Assets:       func() []string { return []string{"assets/app.js"} },
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.c = New(cfg, h.watcher, h.store, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	flush(t, h.c)
	return h
}

func (h *harness) waitVisible(t *testing.T, want int) {
	t.Helper()
	waitFor(t, func() bool { return h.surface.shows() == want && h.c.Prompt().Visible() }, 2*time.Second)
}

// Scenario: a staged build with no deferral record opens the prompt.
func TestWaitingBuildShowsPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)

	h.surface.mu.Lock()
	n := h.surface.shown[0]
	h.surface.mu.Unlock()
	if n.Build != "v2" || n.AcceptLabel != "Update now" || n.DeferLabel != "Later" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestSingleFlightAcrossTriggers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	for i := 0; i < 5; i++ {
		h.watcher.stage("v2")
		checkAndSettle(t, h.c, h.watcher)
		h.c.NotifyVisible()
	}
	flush(t, h.c)
	if got := h.surface.shows(); got != 1 {
		t.Fatalf("prompt shown %d times, want 1", got)
	}
}

// Scenarios: "Later" suppresses the prompt until the deferral expires.
func TestDeferSuppressesUntilExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeDefer)
	waitFor(t, func() bool { return h.c.Prompt().State() == prompt.Hidden }, 2*time.Second)

	rec, ok := h.store.Lookup(context.Background(), "v2")
	if !ok || !rec.Until.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("deferral record = %+v, %v", rec, ok)
	}

	h.clock.Set(t0.Add(time.Hour))
	checkAndSettle(t, h.c, h.watcher)
	if got := h.surface.shows(); got != 1 {
		t.Fatalf("prompt re-shown during deferral: %d shows", got)
	}

	h.clock.Set(t0.Add(5 * time.Hour))
	checkAndSettle(t, h.c, h.watcher)
	h.waitVisible(t, 2)
}

func TestDeferralIsBuildScoped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeDefer)
	waitFor(t, func() bool { return h.c.Prompt().State() == prompt.Hidden }, 2*time.Second)

	h.watcher.stage("v3")
	h.waitVisible(t, 2)
}

func TestDismissRepromptsOnNextCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeDismiss)
	waitFor(t, func() bool { return h.c.Prompt().State() == prompt.Hidden }, 2*time.Second)

	if _, ok := h.store.Lookup(context.Background(), "v2"); ok {
		t.Fatal("dismiss must not write a deferral")
	}
	checkAndSettle(t, h.c, h.watcher)
	h.waitVisible(t, 2)
}

// Scenario: accepting activates, announces on the bus and reloads once.
func TestAcceptActivatesAndReloadsOnce(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	self := bus.Open(root, "sw-updates", "tab-a", nil)
	sibling := bus.Open(root, "sw-updates", "tab-b", nil)
	t.Cleanup(func() {
		_ = self.Close()
		_ = sibling.Close()
	})
	heard := make(chan bus.Message, 1)
	sibling.Subscribe(func(m bus.Message) { heard <- m })

	h := newHarness(t, nil, self)
	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeAccept)

	waitFor(t, func() bool {
		_, activations, _ := h.watcher.counts()
		return activations == 1
	}, 2*time.Second)
	select {
	case m := <-heard:
		if m != bus.ActivateNow {
			t.Fatalf("bus message = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activate-now not published")
	}
	waitFor(t, func() bool { return h.surface.statusCount() == 1 }, 2*time.Second)

	h.watcher.activate("v2", "/r/v2/hotswap")
	h.watcher.activate("v2", "/r/v2/hotswap")
	flush(t, h.c)
	if got := h.reloads.count(); got != 1 {
		t.Fatalf("reloads = %d, want 1", got)
	}
	h.watcher.mu.Lock()
	warmed := len(h.watcher.warmed)
	h.watcher.mu.Unlock()
	if warmed != 1 {
		t.Fatalf("cache warmed %d times, want 1", warmed)
	}
}

func TestReloadIdempotentOverActivationBursts(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d_events", n), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil, nil)
			h.watcher.stage("v2")
			h.waitVisible(t, 1)
			h.surface.answer(t, prompt.OutcomeAccept)
			waitFor(t, func() bool {
				_, activations, _ := h.watcher.counts()
				return activations == 1
			}, 2*time.Second)

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					h.watcher.activate("v2", "/r/v2/hotswap")
				}()
			}
			wg.Wait()
			flush(t, h.c)
			if got := h.reloads.count(); got != 1 {
				t.Fatalf("reloads = %d, want 1", got)
			}
		})
	}
}

func TestNoPromptAfterReload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	h.watcher.activate("v2", "/r/v2/hotswap")
	waitFor(t, h.c.Reloaded, 2*time.Second)

	h.watcher.stage("v3")
	flush(t, h.c)
	if got := h.surface.shows(); got != 0 {
		t.Fatalf("prompt shown %d times after reload", got)
	}
}

func TestActivationRaceIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	h.watcher.stage("v2")
	h.waitVisible(t, 1)

	// The waiting build vanishes before the user answers.
	h.watcher.setWaiting("")
	h.surface.answer(t, prompt.OutcomeAccept)
	waitFor(t, func() bool { return h.surface.statusCount() == 1 }, 2*time.Second)

	_, activations, _ := h.watcher.counts()
	if activations != 0 {
		t.Fatalf("activations = %d, want 0", activations)
	}
	if h.reloads.count() != 0 {
		t.Fatal("no reload without a control handoff")
	}
}

// A SKIP_WAITING that never reaches the agent leaves the build on offer and
// tells no sibling to stand down.
func TestActivationRequestErrorOffersBuildAgain(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	busA := bus.Open(root, "sw-updates", "tab-a", nil)
	busB := bus.Open(root, "sw-updates", "tab-b", nil)
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
	})
	a := newHarness(t, nil, busA)
	b := newHarness(t, nil, busB)
	a.watcher.mu.Lock()
	a.watcher.activateErr = errors.New("not connected to agent")
	a.watcher.mu.Unlock()

	a.watcher.stage("v2")
	a.waitVisible(t, 1)
	a.surface.answer(t, prompt.OutcomeAccept)
	flush(t, a.c)
	if got := a.surface.statusCount(); got != 0 {
		t.Fatalf("status lines = %d, want 0 after a failed request", got)
	}

	a.watcher.mu.Lock()
	a.watcher.activateErr = nil
	a.watcher.mu.Unlock()
	checkAndSettle(t, a.c, a.watcher)
	a.waitVisible(t, 2)

	b.watcher.stage("v2")
	b.waitVisible(t, 1)
	if got := b.surface.statusCount(); got != 0 {
		t.Fatalf("sibling status lines = %d, want 0", got)
	}
}

// Scenario: two instances share a bus; accepting in one quiets the other.
func TestSiblingAcceptShowsUpdatingWithoutPrompt(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	kv := kvstore.NewMemory()
	busA := bus.Open(root, "sw-updates", "tab-a", nil)
	busB := bus.Open(root, "sw-updates", "tab-b", nil)
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
	})

	a := newHarness(t, kv, busA)
	b := newHarness(t, kv, busB)
	// Both instances watch the same agent, so b sees v2 waiting too.
	b.watcher.setWaiting("v2")

	a.watcher.stage("v2")
	a.waitVisible(t, 1)
	a.surface.answer(t, prompt.OutcomeAccept)

	waitFor(t, func() bool { return b.surface.statusCount() == 1 }, 3*time.Second)
	b.surface.mu.Lock()
	status := b.surface.statuses[0]
	b.surface.mu.Unlock()
	if status != UpdatingText {
		t.Fatalf("sibling status = %q", status)
	}

	b.watcher.stage("v2")
	checkAndSettle(t, b.c, b.watcher)
	if got := b.surface.shows(); got != 0 {
		t.Fatalf("sibling opened %d prompts, want 0", got)
	}

	// Both reload once control passes to the new agent.
	a.watcher.activate("v2", "/r/v2/hotswap")
	b.watcher.activate("v2", "/r/v2/hotswap")
	waitFor(t, func() bool { return a.reloads.count() == 1 && b.reloads.count() == 1 }, 2*time.Second)
}

// A sibling's activation quiets only the build it names; a newer build staged
// afterwards is offered.
func TestSiblingActivationSuppressesOnlyThatBuild(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	busA := bus.Open(root, "sw-updates", "tab-a", nil)
	busB := bus.Open(root, "sw-updates", "tab-b", nil)
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
	})
	a := newHarness(t, nil, busA)
	b := newHarness(t, nil, busB)
	b.watcher.setWaiting("v2")

	a.watcher.stage("v2")
	a.waitVisible(t, 1)
	a.surface.answer(t, prompt.OutcomeAccept)
	waitFor(t, func() bool { return b.surface.statusCount() == 1 }, 3*time.Second)

	b.watcher.stage("v2")
	checkAndSettle(t, b.c, b.watcher)
	if got := b.surface.shows(); got != 0 {
		t.Fatalf("sibling prompted for v2 %d times, want 0", got)
	}

	b.watcher.stage("v3")
	b.waitVisible(t, 1)
	b.surface.mu.Lock()
	build := b.surface.shown[0].Build
	b.surface.mu.Unlock()
	if build != "v3" {
		t.Fatalf("sibling prompted for %q, want v3", build)
	}
}

func TestSiblingAcceptWithdrawsVisiblePrompt(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	busA := bus.Open(root, "sw-updates", "tab-a", nil)
	busB := bus.Open(root, "sw-updates", "tab-b", nil)
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
	})
	a := newHarness(t, nil, busA)
	b := newHarness(t, nil, busB)

	a.watcher.stage("v2")
	b.watcher.stage("v2")
	a.waitVisible(t, 1)
	b.waitVisible(t, 1)

	a.surface.answer(t, prompt.OutcomeAccept)
	waitFor(t, func() bool { return b.c.Prompt().State() == prompt.Hidden }, 3*time.Second)

	b.surface.mu.Lock()
	hides := b.surface.hides
	b.surface.mu.Unlock()
	if hides == 0 {
		t.Fatal("sibling prompt surface not withdrawn")
	}
}

// With the bus unavailable a single instance behaves exactly the same.
func TestDegradedBusSingleInstanceFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, bus.Unavailable())

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeDismiss)
	checkAndSettle(t, h.c, h.watcher)
	h.waitVisible(t, 2)
	h.surface.answer(t, prompt.OutcomeDefer)
	checkAndSettle(t, h.c, h.watcher)
	if got := h.surface.shows(); got != 2 {
		t.Fatalf("shows = %d, want 2", got)
	}

	h.clock.Set(t0.Add(4 * time.Hour))
	checkAndSettle(t, h.c, h.watcher)
	h.waitVisible(t, 3)
	h.surface.answer(t, prompt.OutcomeAccept)
	waitFor(t, func() bool {
		_, activations, _ := h.watcher.counts()
		return activations == 1
	}, 2*time.Second)
	h.watcher.activate("v2", "/r/v2/hotswap")
	waitFor(t, func() bool { return h.reloads.count() == 1 }, 2*time.Second)
}

func TestBrokenDeferralStoreFailsOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, brokenKV{}, nil)

	h.watcher.stage("v2")
	h.waitVisible(t, 1)
	h.surface.answer(t, prompt.OutcomeDefer)
	checkAndSettle(t, h.c, h.watcher)
	h.waitVisible(t, 2)
}

func TestScheduledChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil, func(c *Config) {
		c.StartupDelay = 10 * time.Millisecond
		c.Interval = 20 * time.Millisecond
	})
	waitFor(t, func() bool {
		checks, _, _ := h.watcher.counts()
		return checks >= 3
	}, 2*time.Second)
}

func TestNotifyVisibleTriggersCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	h.c.NotifyVisible()
	waitFor(t, func() bool {
		checks, _, _ := h.watcher.counts()
		return checks == 1
	}, 2*time.Second)
}

func TestReloadGuardClaimsOnce(t *testing.T) {
	t.Parallel()
	var g ReloadGuard
	var wins sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 50; i++ {
		wins.Add(1)
		go func() {
			defer wins.Done()
			if g.Claim() {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wins.Wait()
	if claimed != 1 || !g.Claimed() {
		t.Fatalf("claimed = %d", claimed)
	}
}
