package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
)

const maxEntries = 200

type (
	relayMsg     intercept.RelayMessage
	connectedMsg struct{}
	streamErrMsg struct{ err error }
)

type entry struct {
	at  time.Time
	msg intercept.RelayMessage
}

type model struct {
	target    string
	connected bool
	err       error

	entries  []entry
	counts   map[string]int
	selected int
	width    int
	height   int

	reconnect func() tea.Cmd
	now       func() time.Time
}

func newModel(target string, reconnect func() tea.Cmd) model {
	return model{
		target:    target,
		counts:    make(map[string]int),
		reconnect: reconnect,
		now:       time.Now,
	}
}

func (m model) Init() tea.Cmd {
	if m.reconnect == nil {
		return nil
	}
	return m.reconnect()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.entries)-1 {
				m.selected++
			}
		case "c":
			m.entries = nil
			m.counts = make(map[string]int)
			m.selected = 0
		case "r":
			if !m.connected && m.reconnect != nil {
				m.err = nil
				return m, m.reconnect()
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case connectedMsg:
		m.connected = true
		m.err = nil

	case streamErrMsg:
		m.connected = false
		m.err = msg.err

	case relayMsg:
		// Newest first; the selection follows the entry it pointed at.
		m.entries = append([]entry{{at: m.now(), msg: intercept.RelayMessage(msg)}}, m.entries...)
		if len(m.entries) > maxEntries {
			m.entries = m.entries[:maxEntries]
		}
		if len(m.entries) > 1 && m.selected < len(m.entries)-1 {
			m.selected++
		}
		m.counts[msg.CaptchaType]++
	}
	return m, nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	payloadStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("relaywatch"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(m.target))
	b.WriteString("\n")

	switch {
	case m.connected:
		b.WriteString(okStyle.Render("● connected"))
	case m.err != nil:
		b.WriteString(errStyle.Render("● " + m.err.Error() + " (r to reconnect)"))
	default:
		b.WriteString(dimStyle.Render("● connecting..."))
	}
	b.WriteString("  ")
	b.WriteString(m.summary())
	b.WriteString("\n\n")

	rows := m.visibleRows()
	for i, e := range m.entries {
		if i >= rows {
			break
		}
		line := fmt.Sprintf("%s  %-5s  %-8s  %s",
			e.at.Format("15:04:05"), e.msg.Type, e.msg.CaptchaType, truncate(e.msg.URL, m.lineWidth(30)))
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.entries) == 0 {
		b.WriteString(dimStyle.Render("waiting for relayed payloads..."))
		b.WriteString("\n")
	}

	if m.selected < len(m.entries) {
		data := m.entries[m.selected].msg.Data
		b.WriteString("\n")
		b.WriteString(payloadStyle.Render(truncate(data, 600)))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("↑/↓ select • c clear • r reconnect • q quit"))
	return b.String()
}

// summary renders per-provider counts in name order.
func (m model) summary() string {
	if len(m.counts) == 0 {
		return dimStyle.Render("no messages")
	}
	names := make([]string, 0, len(m.counts))
	for name := range m.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, m.counts[name])
	}
	return strings.Join(parts, " ")
}

func (m model) visibleRows() int {
	if m.height <= 0 {
		return 15
	}
	// Header, payload box and help line.
	rows := m.height - 16
	if rows < 3 {
		rows = 3
	}
	return rows
}

func (m model) lineWidth(reserved int) int {
	if m.width <= reserved {
		return 80
	}
	return m.width - reserved
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
