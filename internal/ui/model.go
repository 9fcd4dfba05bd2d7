// Package ui is the terminal view over the engine. It renders engine events
// and turns key presses into engine calls.
package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/roster/internal/engine"
	"github.com/meszmate/roster/internal/session"
	mucview "github.com/meszmate/roster/internal/ui/components/muc"
	"github.com/meszmate/roster/internal/ui/components/roster"
	"github.com/meszmate/roster/internal/ui/components/statusbar"
	"github.com/meszmate/roster/internal/ui/theme"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

const maxLogLines = 200

// Controller is the part of the engine the view drives.
type Controller interface {
	Connect(creds session.Credentials) error
	Disconnect() error
	RetryNow() error
	CancelReconnect() error
	SetPresence(own presence.Own) error
	AnswerSubscription(from address.Address, approve bool) error
	Room(room address.Address) (engine.RoomView, bool)
}

// resultMsg reports the outcome of a controller call.
type resultMsg struct {
	op  string
	err error
}

// roomMsg carries a fresh room snapshot; ok is false once the room is gone.
type roomMsg struct {
	room address.Address
	view engine.RoomView
	ok   bool
}

var showCycle = []presence.Show{presence.ShowNone, presence.ShowAway, presence.ShowDND, presence.ShowXA}

// Model is the root bubbletea model.
type Model struct {
	ctl    Controller
	creds  session.Credentials
	styles *theme.Styles

	status statusbar.Model
	roster roster.Model
	rooms  mucview.Model

	own     presence.Own
	pending []address.Address
	log     []string

	width  int
	height int
}

// NewModel creates the root model for one account.
func NewModel(ctl Controller, creds session.Credentials, own presence.Own, styles *theme.Styles) Model {
	return Model{
		ctl:    ctl,
		creds:  creds,
		styles: styles,
		own:    own,
		status: statusbar.New(styles).SetAccount(creds.Address.String()).SetShow(showLabel(own.Show)),
		roster: roster.New(styles),
		rooms:  mucview.New(styles),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.status = m.status.SetWidth(msg.Width)
		m.roster = m.roster.SetSize(m.rosterWidth(), msg.Height-1)
		m.rooms = m.rooms.SetSize(m.rosterWidth(), msg.Height-1)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case engine.EventMsg:
		return m.handleEvent(msg)

	case roomMsg:
		if msg.ok {
			m.rooms = m.rooms.SetRoom(msg.view)
		} else {
			m.rooms = m.rooms.RemoveRoom(msg.room)
		}
		return m, nil

	case resultMsg:
		if msg.err != nil {
			m = m.addLog(fmt.Sprintf("%s: %v", msg.op, msg.err))
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "c":
		creds := m.creds
		return m, m.run("connect", func() error { return m.ctl.Connect(creds) })
	case "d":
		return m, m.run("disconnect", m.ctl.Disconnect)
	case "r":
		return m, m.run("retry", m.ctl.RetryNow)
	case "x":
		return m, m.run("cancel", m.ctl.CancelReconnect)
	case "a":
		m.own.Show = nextShow(m.own.Show)
		m.status = m.status.SetShow(showLabel(m.own.Show))
		own := m.own
		return m, m.run("presence", func() error { return m.ctl.SetPresence(own) })
	case "y", "n":
		if len(m.pending) == 0 {
			return m, nil
		}
		from := m.pending[0]
		m.pending = m.pending[1:]
		approve := msg.String() == "y"
		return m, m.run("subscription", func() error { return m.ctl.AnswerSubscription(from, approve) })
	case "tab":
		m.rooms = m.rooms.NextRoom()
	case "j", "down":
		m.roster = m.roster.MoveDown()
	case "k", "up":
		m.roster = m.roster.MoveUp()
	}
	return m, nil
}

func (m Model) run(op string, f func() error) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{op: op, err: f()}
	}
}

func (m Model) refreshRoom(room address.Address) tea.Cmd {
	return func() tea.Msg {
		view, ok := m.ctl.Room(room)
		return roomMsg{room: room, view: view, ok: ok}
	}
}

func (m Model) handleEvent(ev engine.EventMsg) (Model, tea.Cmd) {
	switch data := ev.Data.(type) {
	case engine.SessionStateChanged:
		m.status = m.status.SetState(data.To)
	case engine.ReconnectTick:
		m.status = m.status.SetCountdown(data.Remaining)
	case engine.ConnectFailed:
		m.status = m.status.SetError(data.Err.Error())
		if !data.WillRetry {
			m = m.addLog(fmt.Sprintf("Connection failed: %v", data.Err))
		}
	case engine.PresenceChanged:
		m.roster = m.roster.UpdatePresence(data.Address, data.Presence)
	case engine.RosterLoaded:
		m.roster = m.roster.SetEntries(data.Entries, data.Cached)
	case engine.RosterItemChanged:
		m.roster = m.roster.ApplyItem(data.Entry)
	case engine.AuthorizationRequest:
		if data.Kind == presence.KindSubscribe {
			m.pending = append(m.pending, data.From)
			m = m.addLog(fmt.Sprintf("%s wants to subscribe (y/n)", data.From))
		} else {
			m = m.addLog(fmt.Sprintf("%s: %s", data.From, data.Kind))
		}
	case engine.RoomPasswordRequired:
		m = m.addLog(fmt.Sprintf("%s requires a password", data.Room))
	case muc.Event:
		if line := roomLine(data); line != "" {
			m = m.addLog(line)
		}
		return m, m.refreshRoom(data.Room)
	}
	return m, nil
}

func roomLine(ev muc.Event) string {
	room := ev.Room.String()
	switch ev.Kind {
	case muc.EventJoined:
		return fmt.Sprintf("[%s] %s joined", room, ev.Nickname)
	case muc.EventLeft:
		return fmt.Sprintf("[%s] %s left", room, ev.Nickname)
	case muc.EventRemoved:
		line := fmt.Sprintf("[%s] %s was %s", room, ev.Nickname, ev.Removal)
		if ev.Actor != "" {
			line += " by " + ev.Actor
		}
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		return line
	case muc.EventRenamed:
		return fmt.Sprintf("[%s] %s is now %s", room, ev.Nickname, ev.NewNickname)
	case muc.EventRoomJoined:
		return fmt.Sprintf("[%s] joined as %s", room, ev.Nickname)
	case muc.EventRoomLeft:
		return fmt.Sprintf("[%s] left room", room)
	case muc.EventJoinFailed:
		return fmt.Sprintf("[%s] join failed: %s", room, ev.Error)
	default:
		return ""
	}
}

func (m Model) addLog(line string) Model {
	log := append(m.log, line)
	if len(log) > maxLogLines {
		log = log[len(log)-maxLogLines:]
	}
	m.log = log
	return m
}

// Log returns the system log lines.
func (m Model) Log() []string {
	return m.log
}

// Pending returns subscription requests waiting for an answer.
func (m Model) Pending() []address.Address {
	return m.pending
}

func (m Model) rosterWidth() int {
	return min(max(m.width/3, 20), 40)
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	bodyHeight := m.height - 1

	participants := m.rooms.ParticipantsView()
	logWidth := m.width - m.rosterWidth() - 1
	if participants != "" {
		logWidth -= m.rosterWidth() + 1
	}
	lines := m.log
	if len(lines) > bodyHeight {
		lines = lines[len(lines)-bodyHeight:]
	}
	logView := lipgloss.NewStyle().Width(logWidth).Height(bodyHeight).Render(m.styles.System.Render(strings.Join(lines, "\n")))

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.roster.View(), " ", logView)
	if participants != "" {
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, " ", participants)
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.status.View())
}

func nextShow(cur presence.Show) presence.Show {
	for i, s := range showCycle {
		if s == cur {
			return showCycle[(i+1)%len(showCycle)]
		}
	}
	return presence.ShowNone
}

func showLabel(s presence.Show) string {
	if s == presence.ShowNone {
		return "online"
	}
	return string(s)
}
