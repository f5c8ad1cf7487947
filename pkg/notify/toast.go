package notify

import (
	"fmt"
	"strings"
	"time"

	"hotswap/pkg/prompt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// keyMap binds the toast actions.
type keyMap struct {
	Accept  key.Binding
	Defer   key.Binding
	Dismiss key.Binding
}

func newKeyMap(n prompt.Notification) keyMap {
	return keyMap{
		Accept:  key.NewBinding(key.WithKeys("u", "enter"), key.WithHelp("u", strings.ToLower(n.AcceptLabel))),
		Defer:   key.NewBinding(key.WithKeys("l"), key.WithHelp("l", strings.ToLower(n.DeferLabel))),
		Dismiss: key.NewBinding(key.WithKeys("esc", "x", "ctrl+c"), key.WithHelp("esc", "dismiss")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Accept, k.Defer, k.Dismiss}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// autoHideMsg fires when the toast has been visible for its AutoHide duration.
type autoHideMsg struct{}

// toastModel is the bubbletea model of one update notification.
type toastModel struct {
	n       prompt.Notification
	keys    keyMap
	help    help.Model
	theme   Theme
	outcome prompt.Outcome
}

func newToastModel(n prompt.Notification, theme Theme) toastModel {
	return toastModel{
		n:     n,
		keys:  newKeyMap(n),
		help:  help.New(),
		theme: theme,
	}
}

// Init implements tea.Model.
func (m toastModel) Init() tea.Cmd {
	if m.n.AutoHide <= 0 {
		return nil
	}
	return tea.Tick(m.n.AutoHide, func(time.Time) tea.Msg { return autoHideMsg{} })
}

// Update implements tea.Model.
func (m toastModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Accept):
			m.outcome = prompt.OutcomeAccept
		case key.Matches(msg, m.keys.Defer):
			m.outcome = prompt.OutcomeDefer
		case key.Matches(msg, m.keys.Dismiss):
			m.outcome = prompt.OutcomeDismiss
		default:
			return m, nil
		}
		return m, tea.Quit
	case autoHideMsg:
		m.outcome = prompt.OutcomeDismiss
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m toastModel) View() string {
	if m.outcome != 0 {
		return ""
	}
	body := fmt.Sprintf("%s\n%s\n\n%s",
		m.theme.title().Render(m.n.Message),
		m.theme.muted().Render("build "+m.n.Build),
		m.help.View(m.keys))
	return m.theme.box().Render(body) + "\n"
}
