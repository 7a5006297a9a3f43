// Package tui is a live terminal monitor for a single run.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/productteam/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneNodes PaneID = iota
	PaneProgress
	paneCount
)

// busClosedMsg is delivered once the subscription channel is closed.
type busClosedMsg struct{}

// Model is the root Bubble Tea model of the monitor.
type Model struct {
	nodes       NodePaneModel
	progress    ProgressPaneModel
	focusedPane PaneID
	sub         <-chan events.Event
	runID       string
	finished    bool
	width       int
	height      int
	quitting    bool
}

// New creates a monitor for runID fed by sub. An empty runID follows the
// first run seen on the subscription.
func New(sub <-chan events.Event, runID string) Model {
	m := Model{
		nodes:    NewNodePaneModel(),
		progress: NewProgressPaneModel(),
		sub:      sub,
		runID:    runID,
	}
	m.updateFocusStates()
	return m
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.sub)
}

// waitForEvent returns a command that waits for the next event on sub.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return ev
	}
}

// Finished reports whether the followed run has finished.
func (m Model) Finished() bool { return m.finished }

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case KeyPane1:
			m.focusedPane = PaneNodes
			m.updateFocusStates()
		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()
		default:
			if m.focusedPane == PaneNodes {
				var cmd tea.Cmd
				m.nodes, cmd = m.nodes.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		if m.runID == "" {
			m.runID = msg.RunID()
		}
		if msg.RunID() == m.runID {
			var cmd tea.Cmd
			m.nodes, cmd = m.nodes.Update(msg)
			cmds = append(cmds, cmd)
			m.progress, cmd = m.progress.Update(msg)
			cmds = append(cmds, cmd)
			if _, ok := msg.(events.RunFinishedEvent); ok {
				m.finished = true
			}
		}
		cmds = append(cmds, waitForEvent(m.sub))

	case busClosedMsg:
		m.finished = true
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.nodes.View(), m.progress.View())
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView(m.finished))
}

// computeLayout splits the screen: nodes on top, progress below.
func (m *Model) computeLayout() {
	available := m.height - 1 // help bar
	progressHeight := min(10, available/3)
	m.nodes.SetSize(m.width, available-progressHeight)
	m.progress.SetSize(m.width, progressHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.nodes.SetFocused(m.focusedPane == PaneNodes)
	m.progress.SetFocused(m.focusedPane == PaneProgress)
}
