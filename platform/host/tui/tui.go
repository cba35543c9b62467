// Package tui mirrors the device panel in a terminal and turns key strokes
// into keypad presses.
package tui

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"calx-go/platform/host"
	"calx-go/types"
)

// Panel is the published framebuffer.
type Panel interface {
	Size() (int16, int16)
	Pixel(x, y int16) bool
	Changed() <-chan struct{}
}

type Keys interface {
	Press(k types.Key, long bool) bool
}

// Key binding constants used in handleKey.
const (
	KeyQuit      = "ctrl+c"
	KeyQuitAlt   = "ctrl+q"
	KeyUp        = "up"
	KeyDown      = "down"
	KeyLeft      = "left"
	KeyRight     = "right"
	KeyEnter     = "enter"
	KeyBackspace = "backspace"
	KeyEsc       = "esc"
)

var namedKeys = map[string]types.Key{
	KeyUp:        types.KeyUp,
	KeyDown:      types.KeyDown,
	KeyLeft:      types.KeyLeft,
	KeyRight:     types.KeyRight,
	KeyEnter:     types.KeyOK,
	KeyBackspace: types.KeyDel,
	KeyEsc:       types.KeyAC,
}

var (
	colorCyan = lipgloss.Color("#00FFFF")
	colorGray = lipgloss.Color("#666666")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorGray)
	statusStyle = lipgloss.NewStyle().Foreground(colorGray)
)

const help = "0-9 + - * / = .  arrows  enter=OK  backspace=DEL  esc=AC  (shift = long press)  ctrl+c quit"

// frameMsg reports a new published frame.
type frameMsg struct{}

// statusTickMsg refreshes the status line.
type statusTickMsg struct{}

type Model struct {
	panel  Panel
	keys   Keys
	status func() string

	line     string
	lastKey  string
	quitting bool
}

// New builds the model. status may be nil.
func New(panel Panel, keys Keys, status func() string) Model {
	return Model{panel: panel, keys: keys, status: status}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitFrame(m.panel), statusTick())
}

func waitFrame(p Panel) tea.Cmd {
	return func() tea.Msg {
		<-p.Changed()
		return frameMsg{}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case frameMsg:
		return m, waitFrame(m.panel)
	case statusTickMsg:
		if m.status != nil {
			m.line = m.status()
		}
		return m, statusTick()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	s := msg.String()
	switch s {
	case KeyQuit, KeyQuitAlt:
		m.quitting = true
		return m, tea.Quit
	}
	if k, ok := namedKeys[s]; ok {
		m.keys.Press(k, false)
		m.lastKey = s
		return m, nil
	}
	if r := []rune(s); len(r) == 1 {
		if k, long, ok := host.KeyForRune(r[0]); ok {
			m.keys.Press(k, long)
			m.lastKey = s
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("CalX simulator"))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(Render(m.panel)))
	b.WriteString("\n")
	line := m.line
	if m.lastKey != "" {
		line += "  key=" + m.lastKey
	}
	b.WriteString(statusStyle.Render(line))
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(help))
	return b.String()
}

// Render draws the panel with half-block characters, two pixel rows per
// text line.
func Render(p Panel) string {
	w, h := p.Size()
	var b strings.Builder
	for y := int16(0); y < h; y += 2 {
		for x := int16(0); x < w; x++ {
			top, bot := p.Pixel(x, y), p.Pixel(x, y+1)
			switch {
			case top && bot:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bot:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		if y+2 < h {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
