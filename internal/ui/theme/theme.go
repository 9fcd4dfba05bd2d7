package theme

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/roster/internal/xmpp/presence"
)

// Theme represents a complete UI theme
type Theme struct {
	Name      string          `toml:"name"`
	Colors    ColorsConfig    `toml:"colors"`
	Roster    RosterConfig    `toml:"roster"`
	StatusBar StatusBarConfig `toml:"statusbar"`
}

// ColorsConfig contains the base color palette
type ColorsConfig struct {
	Primary    string `toml:"primary"`
	Background string `toml:"background"`
	Foreground string `toml:"foreground"`
	Muted      string `toml:"muted"`
	Border     string `toml:"border"`
	Error      string `toml:"error"`
	Warning    string `toml:"warning"`
	Online     string `toml:"online"`
	Away       string `toml:"away"`
	DND        string `toml:"dnd"`
	XA         string `toml:"xa"`
	Offline    string `toml:"offline"`
}

// RosterConfig contains roster-specific styles
type RosterConfig struct {
	HeaderFg  string `toml:"header_fg"`
	HeaderBg  string `toml:"header_bg"`
	ContactFg string `toml:"contact_fg"`
	GroupFg   string `toml:"group_fg"`
}

// StatusBarConfig contains status bar styles
type StatusBarConfig struct {
	Fg        string `toml:"fg"`
	Bg        string `toml:"bg"`
	StateFg   string `toml:"state_fg"`
	AccountFg string `toml:"account_fg"`
}

// Styles contains the compiled lipgloss styles for a theme
type Styles struct {
	Border lipgloss.Style

	RosterHeader  lipgloss.Style
	RosterContact lipgloss.Style
	RosterGroup   lipgloss.Style

	PresenceOnline  lipgloss.Style
	PresenceAway    lipgloss.Style
	PresenceDND     lipgloss.Style
	PresenceXA      lipgloss.Style
	PresenceOffline lipgloss.Style

	StatusBar     lipgloss.Style
	StatusState   lipgloss.Style
	StatusAccount lipgloss.Style
	StatusError   lipgloss.Style

	System lipgloss.Style
}

// Nord is the built-in theme.
func Nord() *Theme {
	return &Theme{
		Name: "nord",
		Colors: ColorsConfig{
			Primary:    "#88C0D0",
			Background: "#2E3440",
			Foreground: "#ECEFF4",
			Muted:      "#4C566A",
			Border:     "#434C5E",
			Error:      "#BF616A",
			Warning:    "#EBCB8B",
			Online:     "#A3BE8C",
			Away:       "#EBCB8B",
			DND:        "#BF616A",
			XA:         "#D08770",
			Offline:    "#4C566A",
		},
		Roster: RosterConfig{
			HeaderFg:  "#2E3440",
			HeaderBg:  "#88C0D0",
			ContactFg: "#ECEFF4",
			GroupFg:   "#81A1C1",
		},
		StatusBar: StatusBarConfig{
			Fg:        "#ECEFF4",
			Bg:        "#3B4252",
			StateFg:   "#88C0D0",
			AccountFg: "#81A1C1",
		},
	}
}

// Load reads a theme from a TOML file. Unset colors keep the built-in value.
func Load(path string) (*Theme, error) {
	t := Nord()
	if _, err := toml.DecodeFile(path, t); err != nil {
		return nil, fmt.Errorf("failed to parse theme file %s: %w", path, err)
	}
	return t, nil
}

// Compile turns a theme into lipgloss styles
func Compile(t *Theme) *Styles {
	s := &Styles{}

	s.Border = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(t.Colors.Border))

	s.RosterHeader = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Roster.HeaderFg)).
		Background(lipgloss.Color(t.Roster.HeaderBg)).
		Bold(true).
		Padding(0, 1)

	s.RosterContact = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Roster.ContactFg))

	s.RosterGroup = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Roster.GroupFg)).
		Bold(true)

	s.PresenceOnline = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Online))

	s.PresenceAway = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Away))

	s.PresenceDND = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.DND))

	s.PresenceXA = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.XA))

	s.PresenceOffline = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Offline))

	s.StatusBar = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.StatusBar.Fg)).
		Background(lipgloss.Color(t.StatusBar.Bg))

	s.StatusState = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Background)).
		Background(lipgloss.Color(t.StatusBar.StateFg)).
		Bold(true).
		Padding(0, 1)

	s.StatusAccount = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.StatusBar.AccountFg)).
		Background(lipgloss.Color(t.StatusBar.Bg))

	s.StatusError = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Error)).
		Background(lipgloss.Color(t.StatusBar.Bg))

	s.System = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Muted)).
		Italic(true)

	return s
}

// Presence returns the indicator style for an effective presence.
func (s *Styles) Presence(eff presence.Effective) lipgloss.Style {
	if !eff.Available() {
		return s.PresenceOffline
	}
	switch eff.Record.Show {
	case presence.ShowAway:
		return s.PresenceAway
	case presence.ShowXA:
		return s.PresenceXA
	case presence.ShowDND:
		return s.PresenceDND
	default:
		return s.PresenceOnline
	}
}
