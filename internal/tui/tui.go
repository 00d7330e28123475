// Package tui renders the optional live request feed for the client.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxFeedItems = 200

// RequestItem is one forwarded request/response pair shown in the feed.
type RequestItem struct {
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	Timestamp  time.Time
	ReqHeaders map[string]string
	ReqBody    []byte
	RespBody   []byte
	Error      string
}

// ConnectionInfo describes the current tunnel connection.
type ConnectionInfo struct {
	TunnelID  string
	PublicURL string
	Local     string
	Server    string
	Connected bool
}

// Model is the bubbletea model for the request feed.
type Model struct {
	items    []RequestItem
	selected int
	keys     KeyMap

	width  int
	height int

	detail      bool
	viewport    viewport.Model
	vpReady     bool
	connection  ConnectionInfo
	quitting    bool

	requestCh chan RequestItem
	connCh    chan ConnectionInfo
}

// NewModel creates an empty feed model.
func NewModel() Model {
	return Model{
		keys:      DefaultKeyMap,
		requestCh: make(chan RequestItem, 100),
		connCh:    make(chan ConnectionInfo, 1),
	}
}

// RequestChannel is where the client pushes completed requests.
func (m *Model) RequestChannel() chan<- RequestItem {
	return m.requestCh
}

// ConnectionChannel is where the client pushes connection updates.
func (m *Model) ConnectionChannel() chan<- ConnectionInfo {
	return m.connCh
}

type requestMsg RequestItem
type connectionMsg ConnectionInfo

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForRequest(), m.waitForConnection())
}

func (m Model) waitForRequest() tea.Cmd {
	return func() tea.Msg { return requestMsg(<-m.requestCh) }
}

func (m Model) waitForConnection() tea.Cmd {
	return func() tea.Msg { return connectionMsg(<-m.connCh) }
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
			if m.detail {
				m.fillViewport()
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.items)-1 {
				m.selected++
			}
			if m.detail {
				m.fillViewport()
			}
		case key.Matches(msg, m.keys.Enter):
			if len(m.items) > 0 {
				m.detail = true
				m.fillViewport()
			}
		case key.Matches(msg, m.keys.Back):
			m.detail = false
		default:
			if m.detail {
				var cmd tea.Cmd
				m.viewport, cmd = m.viewport.Update(msg)
				return m, cmd
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(msg.Width-2, msg.Height-6)
		m.vpReady = true
		if m.detail {
			m.fillViewport()
		}

	case requestMsg:
		m.items = append([]RequestItem{RequestItem(msg)}, m.items...)
		if len(m.items) > maxFeedItems {
			m.items = m.items[:maxFeedItems]
		}
		if m.selected > 0 {
			m.selected++ // keep the cursor on the same entry
		}
		if m.selected >= len(m.items) {
			m.selected = len(m.items) - 1
		}
		return m, m.waitForRequest()

	case connectionMsg:
		m.connection = ConnectionInfo(msg)
		return m, m.waitForConnection()
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")

	if m.detail && m.vpReady {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.feedView())
	}

	b.WriteString(helpStyle.Render(renderHelp(m.keys)))
	return b.String()
}

func (m Model) headerView() string {
	status := subtleStyle.Render("○ disconnected")
	if m.connection.Connected {
		status = lipgloss.NewStyle().Foreground(colorGreen).Render("● " + m.connection.PublicURL)
	}
	title := titleStyle.Render("pgrok")
	line := fmt.Sprintf("%s  %s  %s", title, status, subtleStyle.Render("→ "+m.connection.Local))
	return headerStyle.Width(max(m.width, len(line))).Render(line)
}

func (m Model) feedView() string {
	if len(m.items) == 0 {
		return subtleStyle.Render("\n  Waiting for requests...\n")
	}

	rows := m.height - 6
	if rows < 1 {
		rows = len(m.items)
	}

	var b strings.Builder
	for i, item := range m.items {
		if i >= rows {
			break
		}
		line := m.feedLine(item)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) feedLine(item RequestItem) string {
	methodColor, ok := methodStyleColors[item.Method]
	if !ok {
		methodColor = colorText
	}
	method := lipgloss.NewStyle().Foreground(methodColor).Render(fmt.Sprintf("%-7s", item.Method))

	status := subtleStyle.Render("  -")
	if item.StatusCode > 0 {
		status = lipgloss.NewStyle().Foreground(statusStyleColor(item.StatusCode)).Render(fmt.Sprintf("%3d", item.StatusCode))
	}

	return fmt.Sprintf(" %s %s %s %s %s",
		subtleStyle.Render(item.Timestamp.Format("15:04:05")),
		method,
		status,
		truncate(item.URL, 60),
		subtleStyle.Render(item.Duration.Round(time.Millisecond).String()),
	)
}

func (m *Model) fillViewport() {
	if !m.vpReady || m.selected >= len(m.items) {
		return
	}
	item := m.items[m.selected]

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(item.Method), item.URL)
	fmt.Fprintf(&b, "%s %s\n\n", subtleStyle.Render("id"), item.RequestID)
	if item.Error != "" {
		fmt.Fprintf(&b, "%s %s\n\n", lipgloss.NewStyle().Foreground(colorRed).Render("error"), item.Error)
	}

	b.WriteString(titleStyle.Render("Request headers"))
	b.WriteString("\n")
	names := make([]string, 0, len(item.ReqHeaders))
	for k := range item.ReqHeaders {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "  %s: %s\n", subtleStyle.Render(k), item.ReqHeaders[k])
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Request body"))
	b.WriteString("\n")
	b.WriteString(renderBody(item.ReqBody))
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Response body"))
	b.WriteString("\n")
	b.WriteString(renderBody(item.RespBody))

	m.viewport.SetContent(b.String())
	m.viewport.GotoTop()
}

func renderBody(body []byte) string {
	if len(body) == 0 {
		return subtleStyle.Render("  (empty)\n")
	}
	if !utf8.Valid(body) {
		return subtleStyle.Render(fmt.Sprintf("  [binary, %d bytes]\n", len(body)))
	}
	s := string(body)
	if len(s) > 4096 {
		s = s[:4096] + "…"
	}
	return "  " + strings.ReplaceAll(s, "\n", "\n  ") + "\n"
}

func renderHelp(k KeyMap) string {
	parts := make([]string, 0, 5)
	for _, b := range k.ShortHelp() {
		parts = append(parts, fmt.Sprintf("%s %s", b.Help().Key, b.Help().Desc))
	}
	return strings.Join(parts, "  ·  ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
