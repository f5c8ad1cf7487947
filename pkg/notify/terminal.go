// Package notify renders update notifications for an instance: an
// interactive toast on a terminal, or plain lines when no terminal is
// attached.
package notify

import (
	"fmt"
	"io"
	"sync"

	"hotswap/pkg/prompt"

	tea "github.com/charmbracelet/bubbletea"
)

// Terminal renders notifications as a bubbletea toast.
type Terminal struct {
	in    io.Reader
	out   io.Writer
	theme Theme

	mu        sync.Mutex
	prog      *tea.Program
	withdrawn bool
	done      chan struct{}
}

// NewTerminal returns a Terminal reading keys from in and drawing on out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, theme: DefaultTheme()}
}

// Show implements prompt.Surface. The toast runs until answered, auto-hidden
// or withdrawn with Hide.
func (t *Terminal) Show(n prompt.Notification, respond func(prompt.Outcome)) {
	t.mu.Lock()
	prev := t.prog
	t.mu.Unlock()
	if prev != nil {
		t.Hide()
	}

	prog := tea.NewProgram(newToastModel(n, t.theme),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
		tea.WithoutSignalHandler(),
	)
	done := make(chan struct{})

	t.mu.Lock()
	t.prog = prog
	t.withdrawn = false
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		final, err := prog.Run()

		t.mu.Lock()
		withdrawn := t.withdrawn
		if t.prog == prog {
			t.prog = nil
		}
		t.mu.Unlock()

		if withdrawn {
			return
		}
		outcome := prompt.OutcomeDismiss
		if m, ok := final.(toastModel); ok && err == nil && m.outcome != 0 {
			outcome = m.outcome
		}
		respond(outcome)
	}()
}

// Hide implements prompt.Surface.
func (t *Terminal) Hide() {
	t.mu.Lock()
	prog := t.prog
	done := t.done
	if prog != nil {
		t.withdrawn = true
		t.prog = nil
	}
	t.mu.Unlock()

	if prog == nil {
		return
	}
	prog.Quit()
	if done != nil {
		<-done
	}
}

// Status prints a transient indicator line, such as "updating".
func (t *Terminal) Status(text string) {
	_, _ = fmt.Fprintln(t.out, t.theme.status().Render("● "+text))
}
