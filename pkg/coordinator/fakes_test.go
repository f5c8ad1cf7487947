package coordinator //nolint:testpackage // internal white-box tests need access to the run loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"hotswap/pkg/prompt"
	"hotswap/pkg/protocol"
)

// fakeWatcher lets tests inject lifecycle events.
type fakeWatcher struct {
	mu           sync.Mutex
	waiting      string
	onWaiting    []func(string)
	onActivated  []func(string, string)
	activations  int
	activateErr  error
	checks       int
	waitingReads int
	warmed       [][]string
}

func (f *fakeWatcher) OnWaiting(cb func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWaiting = append(f.onWaiting, cb)
}

func (f *fakeWatcher) OnActivated(cb func(string, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onActivated = append(f.onActivated, cb)
}

func (f *fakeWatcher) Waiting() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitingReads++
	return f.waiting
}

func (f *fakeWatcher) RequestActivation(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	if f.waiting == "" {
		return &protocol.ActivationRaceError{}
	}
	f.activations++
	f.waiting = ""
	return nil
}

func (f *fakeWatcher) CheckNow(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
}

func (f *fakeWatcher) WarmCache(_ context.Context, assets []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmed = append(f.warmed, assets)
}

// stage marks build as waiting and fires the waiting callbacks.
func (f *fakeWatcher) stage(build string) {
	f.mu.Lock()
	f.waiting = build
	cbs := append([]func(string){}, f.onWaiting...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(build)
	}
}

func (f *fakeWatcher) activate(build, exe string) {
	f.mu.Lock()
	f.waiting = ""
	cbs := append([]func(string, string){}, f.onActivated...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(build, exe)
	}
}

func (f *fakeWatcher) setWaiting(build string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting = build
}

func (f *fakeWatcher) counts() (checks, activations, waitingReads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.activations, f.waitingReads
}

// fakeSurface records prompts and lets tests answer them.
type fakeSurface struct {
	mu       sync.Mutex
	shown    []prompt.Notification
	respond  func(prompt.Outcome)
	hides    int
	statuses []string
}

func (s *fakeSurface) Show(n prompt.Notification, respond func(prompt.Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, n)
	s.respond = respond
}

func (s *fakeSurface) Hide() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hides++
}

func (s *fakeSurface) Status(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, text)
}

func (s *fakeSurface) shows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shown)
}

func (s *fakeSurface) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// answer resolves the most recent prompt as the user would.
func (s *fakeSurface) answer(t *testing.T, o prompt.Outcome) {
	t.Helper()
	s.mu.Lock()
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		t.Fatal("no prompt to answer")
	}
	respond(o)
}

// reloadCounter is a Reloader that counts calls.
type reloadCounter struct {
	mu    sync.Mutex
	calls []string
}

func (r *reloadCounter) reload(build, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, build)
	return nil
}

func (r *reloadCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
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

// flush waits until everything queued on the run loop so far has run.
func flush(t *testing.T, c *Coordinator) {
	t.Helper()
	done := make(chan struct{})
	c.post(func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not drain")
	}
}

// checkAndSettle forces a check and waits for its follow-up decision.
func checkAndSettle(t *testing.T, c *Coordinator, w *fakeWatcher) {
	t.Helper()
	_, _, before := w.counts()
	c.CheckNow()
	waitFor(t, func() bool {
		_, _, reads := w.counts()
		return reads > before
	}, 2*time.Second)
	flush(t, c)
}
