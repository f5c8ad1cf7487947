package notify

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"hotswap/pkg/prompt"
)

// Line renders notifications as plain text lines and reads one-letter
// answers ("u" or "l") from an input stream. It is used when no terminal is
// attached.
type Line struct {
	out   io.Writer
	lines chan string

	mu     sync.Mutex
	cancel chan struct{}
}

// NewLine returns a Line surface. A nil in means answers never arrive and
// every notification ends by auto-hide.
func NewLine(in io.Reader, out io.Writer) *Line {
	l := &Line{out: out, lines: make(chan string)}
	if in != nil {
		go l.readLoop(in)
	}
	return l
}

func (l *Line) readLoop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()
		if cancel == nil {
			continue // nothing is asking
		}
		select {
		case l.lines <- answer:
		case <-cancel:
			// Withdrawn before the answer was taken; it must not leak into
			// the next notification.
		}
	}
}

// Show implements prompt.Surface.
func (l *Line) Show(n prompt.Notification, respond func(prompt.Outcome)) {
	cancel := make(chan struct{})
	l.mu.Lock()
	if l.cancel != nil {
		close(l.cancel)
	}
	l.cancel = cancel
	l.mu.Unlock()

	_, _ = fmt.Fprintf(l.out, "%s (build %s)  [u] %s  [l] %s\n", n.Message, n.Build, n.AcceptLabel, n.DeferLabel)

	go func() {
		var timeout <-chan time.Time
		if n.AutoHide > 0 {
			timer := time.NewTimer(n.AutoHide)
			defer timer.Stop()
			timeout = timer.C
		}
		for {
			select {
			case <-cancel:
				return
			case <-timeout:
				if l.release(cancel) {
					respond(prompt.OutcomeDismiss)
				}
				return
			case answer := <-l.lines:
				outcome, ok := parseAnswer(answer)
				if !ok {
					continue
				}
				if l.release(cancel) {
					respond(outcome)
				}
				return
			}
		}
	}()
}

// release closes cancel and clears it as the active notification. It reports
// false if the notification was already withdrawn.
func (l *Line) release(cancel chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != cancel {
		return false
	}
	close(cancel)
	l.cancel = nil
	return true
}

// Hide implements prompt.Surface.
func (l *Line) Hide() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		close(l.cancel)
		l.cancel = nil
	}
}

// Status prints a transient indicator line.
func (l *Line) Status(text string) {
	_, _ = fmt.Fprintf(l.out, "* %s\n", text)
}

func parseAnswer(s string) (prompt.Outcome, bool) {
	switch s {
	case "u", "update", "y", "yes":
		return prompt.OutcomeAccept, true
	case "l", "later":
		return prompt.OutcomeDefer, true
	case "x", "dismiss":
		return prompt.OutcomeDismiss, true
	default:
		return 0, false
	}
}
