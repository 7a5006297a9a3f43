package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/productteam/internal/events"
)

// ProgressPaneModel summarizes node counts of the run.
type ProgressPaneModel struct {
	counts   events.RunProgressEvent
	query    string
	status   string
	duration time.Duration
	bar      progress.Model
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar:    progress.New(progress.WithDefaultGradient()),
		status: "running",
	}
}

// Update handles run events.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.query = msg.Query
		m.counts.Total = len(msg.Nodes)
		m.counts.Pending = len(msg.Nodes)
	case events.RunProgressEvent:
		m.counts = msg
	case events.RunFinishedEvent:
		m.status = msg.Status
		m.duration = msg.Duration
	}
	return m, nil
}

// Settled is the number of nodes in a terminal state.
func (m ProgressPaneModel) Settled() int {
	c := m.counts
	return c.Succeeded + c.Failed + c.Skipped + c.Cancelled
}

// Percent is the share of settled nodes.
func (m ProgressPaneModel) Percent() float64 {
	if m.counts.Total == 0 {
		return 0
	}
	return float64(m.Settled()) / float64(m.counts.Total)
}

// View renders the counts and a progress bar.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Run " + m.status)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
	if m.query != "" {
		b.WriteString(StyleLabel.Render(m.query))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	c := m.counts
	fmt.Fprintf(&b, "Succeeded: %s  Running: %s  Pending: %s\n",
		StyleSucceeded.Render(fmt.Sprint(c.Succeeded)),
		StyleRunning.Render(fmt.Sprint(c.Running)),
		StyleInactive.Render(fmt.Sprint(c.Pending)))
	fmt.Fprintf(&b, "Failed: %s  Skipped: %s  Cancelled: %s\n\n",
		StyleFailed.Render(fmt.Sprint(c.Failed)),
		StyleInactive.Render(fmt.Sprint(c.Skipped)),
		StyleInactive.Render(fmt.Sprint(c.Cancelled)))

	bar := m.bar
	bar.Width = min(m.width-6, 48)
	fmt.Fprintf(&b, "%s  %d/%d", bar.ViewAs(m.Percent()), m.Settled(), c.Total)
	if m.duration > 0 {
		fmt.Fprintf(&b, "  in %s", m.duration.Round(time.Millisecond))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
