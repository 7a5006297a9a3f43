package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/scheduler"
)

const listWidth = 28

// NodeView is what the monitor knows about one node.
type NodeView struct {
	ID       string
	Role     string
	State    scheduler.NodeState
	Attempt  int
	Reason   string
	Err      string
	Output   map[string]string
	Duration time.Duration
	History  []string // One line per transition
}

// NodePaneModel lists the run's nodes and shows the selected node in a
// scrollable viewport.
type NodePaneModel struct {
	nodes    map[string]*NodeView
	order    []string
	selected int
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewNodePaneModel creates an empty node pane.
func NewNodePaneModel() NodePaneModel {
	return NodePaneModel{
		nodes:    make(map[string]*NodeView),
		viewport: viewport.New(0, 0),
	}
}

func (m *NodePaneModel) node(id, role string) *NodeView {
	n, ok := m.nodes[id]
	if !ok {
		n = &NodeView{ID: id, Role: role}
		m.nodes[id] = n
		m.order = append(m.order, id)
	}
	if n.Role == "" {
		n.Role = role
	}
	return n
}

// Update handles keys and run events.
func (m NodePaneModel) Update(msg tea.Msg) (NodePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selected < len(m.order)-1 {
				m.selected++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selected > 0 {
				m.selected--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunStartedEvent:
		for _, id := range msg.Nodes {
			m.node(id, "")
		}
		m.refresh()

	case events.NodeStateChangedEvent:
		n := m.node(msg.Node, msg.Role)
		n.State = msg.To
		n.Attempt = msg.Attempt
		if msg.Reason != "" {
			n.Reason = msg.Reason
		}
		if msg.Err != "" {
			n.Err = msg.Err
		}
		line := fmt.Sprintf("%s  %s -> %s", msg.Timestamp.Format("15:04:05.000"), msg.From, msg.To)
		if msg.Err != "" {
			line += "  (" + msg.Err + ")"
		}
		n.History = append(n.History, line)
		m.refreshIfSelected(msg.Node)

	case events.NodeResultEvent:
		n := m.node(msg.Node, msg.Role)
		n.Output = msg.Output
		n.Duration = msg.Duration
		m.refreshIfSelected(msg.Node)
	}

	return m, cmd
}

// Selected returns the selected node, if any.
func (m NodePaneModel) Selected() (*NodeView, bool) {
	if m.selected < 0 || m.selected >= len(m.order) {
		return nil, false
	}
	return m.nodes[m.order[m.selected]], true
}

func (m *NodePaneModel) refreshIfSelected(id string) {
	if n, ok := m.Selected(); ok && n.ID == id {
		m.refresh()
	}
}

func (m *NodePaneModel) refresh() {
	n, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for the plan...")
		return
	}
	m.viewport.SetContent(renderDetail(n))
}

func renderDetail(n *NodeView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render("node:   "), n.ID)
	fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render("role:   "), n.Role)
	fmt.Fprintf(&b, "%s %s %s\n", StyleLabel.Render("state:  "), StateIcon(n.State), n.State)
	fmt.Fprintf(&b, "%s %d\n", StyleLabel.Render("attempt:"), n.Attempt)
	if n.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render("reason: "), n.Reason)
	}
	if n.Err != "" {
		fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render("error:  "), StyleFailed.Render(n.Err))
	}
	if n.Duration > 0 {
		fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render("took:   "), n.Duration.Round(time.Millisecond))
	}

	if len(n.Output) > 0 {
		fields := make([]string, 0, len(n.Output))
		for f := range n.Output {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		b.WriteString("\n")
		for _, f := range fields {
			b.WriteString(StyleTitle.Render(f))
			b.WriteString("\n")
			b.WriteString(n.Output[f])
			b.WriteString("\n\n")
		}
	}

	if len(n.History) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleLabel.Render("transitions"))
		b.WriteString("\n")
		b.WriteString(strings.Join(n.History, "\n"))
	}
	return b.String()
}

// View renders the node list and the detail viewport.
func (m NodePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().Width(detailWidth).Height(m.height-2).Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(content)
}

func (m NodePaneModel) renderList() string {
	var b strings.Builder
	title := StyleTitle.Render("Nodes")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleInactive.Render("Waiting..."))
	}
	for i, id := range m.order {
		n := m.nodes[id]
		name := id
		if r := []rune(name); len(r) > listWidth-6 {
			name = string(r[:listWidth-9]) + "..."
		}
		line := fmt.Sprintf("%s %s", StateIcon(n.State), name)
		if n.Attempt > 1 {
			line += fmt.Sprintf(" #%d", n.Attempt)
		}
		if i == m.selected {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().Width(listWidth).Height(m.height - 2).Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *NodePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-listWidth-4, 10)
	m.viewport.Height = max(h-4, 5)
	m.refresh()
}

// SetFocused updates the focus state.
func (m *NodePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
