package statusbar

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/ui/theme"
)

// Model represents the status bar component
type Model struct {
	width     int
	account   string
	state     session.State
	remaining int
	lastError string
	show      string
	styles    *theme.Styles
}

// New creates a new status bar model
func New(styles *theme.Styles) Model {
	return Model{
		styles: styles,
		state:  session.StateDisconnected,
	}
}

// SetWidth sets the status bar width
func (m Model) SetWidth(width int) Model {
	m.width = width
	return m
}

// SetAccount sets the current account
func (m Model) SetAccount(account string) Model {
	m.account = account
	return m
}

// SetState sets the session state. Leaving Reconnecting clears the countdown.
func (m Model) SetState(state session.State) Model {
	m.state = state
	if state != session.StateReconnecting {
		m.remaining = 0
	}
	if state == session.StateConnected {
		m.lastError = ""
	}
	return m
}

// SetCountdown sets the seconds left before the next reconnect attempt
func (m Model) SetCountdown(remaining int) Model {
	m.remaining = remaining
	return m
}

// SetError sets the last connection error
func (m Model) SetError(err string) Model {
	m.lastError = err
	return m
}

// SetShow sets the advertised own availability
func (m Model) SetShow(show string) Model {
	m.show = show
	return m
}

// State returns the displayed session state
func (m Model) State() session.State {
	return m.state
}

// View renders the status bar
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}

	label := m.state.String()
	if m.state == session.StateReconnecting && m.remaining > 0 {
		label = fmt.Sprintf("%s in %ds", label, m.remaining)
	}
	stateText := m.styles.StatusState.Render(label)

	var indicator string
	switch m.state {
	case session.StateConnected:
		indicator = m.styles.PresenceOnline.Render("●")
	case session.StateConnecting, session.StateReconnecting:
		indicator = m.styles.PresenceAway.Render("◐")
	case session.StateSuspended:
		indicator = m.styles.PresenceXA.Render("◑")
	default:
		indicator = m.styles.PresenceOffline.Render("○")
	}

	account := ""
	if m.account != "" {
		account = " " + indicator + " " + m.styles.StatusAccount.Render(m.account)
		if m.show != "" && m.state == session.StateConnected {
			account += m.styles.StatusAccount.Render(" (" + m.show + ")")
		}
	}

	errText := ""
	if m.lastError != "" {
		errText = m.styles.StatusError.Render(" " + m.lastError)
	}

	left := stateText + account + errText
	gap := m.width - lipgloss.Width(left)
	if gap < 0 {
		gap = 0
	}
	return m.styles.StatusBar.Width(m.width).Render(left + m.styles.StatusBar.Render(fmt.Sprintf("%*s", gap, "")))
}
