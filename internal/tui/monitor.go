package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xupit3r/tonemapper/internal/simulate"
	"github.com/xupit3r/tonemapper/internal/tonemap"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4FF"))

	acquiredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7FFF00"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500"))
)

// tableHeight is the number of lines reserved above the event log
const tableHeight = 12

// MonitorModel steps a simulator on a timer and shows the live sessions
type MonitorModel struct {
	sim      *simulate.Simulator
	viewport viewport.Model
	interval time.Duration

	events   []string
	sessions []tonemap.SessionInfo
	last     simulate.FrameStats
	frames   int
	failed   int

	paused   bool
	stepping bool
	done     bool
	err      error
	width    int
	height   int
	ready    bool
}

type tickMsg time.Time

type frameMsg struct {
	stats    simulate.FrameStats
	sessions []tonemap.SessionInfo
	err      error
}

// NewMonitorModel creates a monitor that runs one frame per interval.
func NewMonitorModel(sim *simulate.Simulator, interval time.Duration) MonitorModel {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	vp := viewport.New(80, 10)
	vp.SetContent(helpStyle.Render("Waiting for the first frame..."))

	return MonitorModel{
		sim:      sim,
		viewport: vp,
		interval: interval,
		last:     simulate.FrameStats{FrameBuffer: -1},
	}
}

func (m MonitorModel) Init() tea.Cmd {
	return m.tick()
}

func (m MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// step runs one frame off the UI goroutine. Only one step is in flight at a
// time, so the simulator is never used concurrently.
func (m MonitorModel) step() tea.Cmd {
	sim := m.sim
	return func() tea.Msg {
		stats, err := sim.Step()
		return frameMsg{stats: stats, sessions: sim.Manager().Snapshot(), err: err}
	}
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		logHeight := max(msg.Height-tableHeight-4, 3)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = logHeight
		}
		m.updateViewport()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case " ":
			m.paused = !m.paused
			if !m.paused && !m.stepping && !m.done {
				return m, m.tick()
			}
			return m, nil

		case "n":
			if m.paused && !m.stepping && !m.done {
				m.stepping = true
				return m, m.step()
			}
			return m, nil

		case "c":
			m.events = nil
			m.updateViewport()
			return m, nil
		}

	case tickMsg:
		if m.paused || m.stepping || m.done {
			return m, nil
		}
		m.stepping = true
		return m, m.step()

	case frameMsg:
		m.stepping = false
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			m.events = append(m.events, errorStyle.Render(fmt.Sprintf("simulator stopped: %v", msg.err)))
			m.updateViewport()
			return m, nil
		}

		m.record(msg.stats, msg.sessions)
		if m.sim.Done() {
			m.done = true
			m.events = append(m.events, statusStyle.Render("simulation complete"))
			m.updateViewport()
			return m, nil
		}
		if m.paused {
			return m, nil
		}
		return m, m.tick()
	}

	return m, vpCmd
}

func (m *MonitorModel) record(stats simulate.FrameStats, sessions []tonemap.SessionInfo) {
	m.last = stats
	m.sessions = sessions
	m.frames++
	if stats.Failed {
		m.failed++
	}
	m.events = append(m.events, formatEvent(stats))
	m.updateViewport()
}

// formatEvent renders one line of the event log
func formatEvent(f simulate.FrameStats) string {
	line := fmt.Sprintf("frame %4d  %dx%d  layers=%d sessions=%d +%d -%d reuse=%d fb=%d blits=%d  %s",
		f.Frame, f.Width, f.Height, f.ToneMapped, f.Sessions, f.Created, f.Destroyed,
		f.Reuses, f.FBReuses, f.Blits, f.Duration.Round(time.Microsecond))
	switch {
	case f.Failed:
		return errorStyle.Render(line + "  FAILED: " + f.Err.Error())
	case f.Idle:
		return idleStyle.Render(line + "  idle")
	default:
		return line
	}
}

func (m MonitorModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Tone-map session monitor"))
	sb.WriteString("\n")

	state := "running"
	switch {
	case m.err != nil:
		state = "stopped"
	case m.done:
		state = "complete"
	case m.paused:
		state = "paused"
	}
	sb.WriteString(statusStyle.Render(fmt.Sprintf("%s | frames %d | failed %d | sessions %d | fb session %d",
		state, m.frames, m.failed, len(m.sessions), m.last.FrameBuffer)))
	sb.WriteString("\n\n")

	sb.WriteString(renderSessions(m.sessions))
	sb.WriteString("\n")

	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")

	sb.WriteString(helpStyle.Render("q: Exit | Space: Pause | n: Step | c: Clear log"))

	return sb.String()
}

// renderSessions draws the session table, one row per live session
func renderSessions(sessions []tonemap.SessionInfo) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-4s %-5s %-40s %-11s %-6s %-8s %-5s",
		"IDX", "ID", "CONFIG", "GEOMETRY", "SLOT", "STATE", "LAYER")))
	sb.WriteString("\n")

	if len(sessions) == 0 {
		sb.WriteString(idleStyle.Render("no live sessions"))
		sb.WriteString("\n")
		return sb.String()
	}

	for _, s := range sessions {
		state := "idle"
		style := idleStyle
		if s.Acquired {
			state = "acquired"
			style = acquiredStyle
		}
		cfg := s.Config.String()
		if s.FrameBuffer {
			cfg += " [fb]"
		}
		row := fmt.Sprintf("%-4d %-5d %-40s %-11s %-6d %-8s %-5d",
			s.Index, s.ID, cfg, fmt.Sprintf("%dx%d", s.Width, s.Height), s.Cursor, state, s.LayerIndex)
		sb.WriteString(style.Render(row))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m *MonitorModel) updateViewport() {
	m.viewport.SetContent(strings.Join(m.events, "\n"))
	m.viewport.GotoBottom()
}
