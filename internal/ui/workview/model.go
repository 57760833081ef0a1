// Package workview provides a Bubble Tea view of the interactions
// coordinator: what is in flight, what waits, and what recently changed.
// Toggle with 'w'.
package workview

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/relayfeed/internal/work"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#58a6ff"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#30363d"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3fb950"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	completeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#58a6ff"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f85149"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#484f58"))
)

// Source is the coordinator state the view reads.
type Source interface {
	Stats() work.Stats
	Queued() []string
	InFlight() []string
}

// Snapshot is a point-in-time copy of the coordinator.
type Snapshot struct {
	Stats    work.Stats
	InFlight []string
	Queued   []string
}

type historyEntry struct {
	event work.Event
	at    time.Time
}

// Model is the Bubble Tea model for the interactions queue view.
type Model struct {
	src      Source
	snapshot Snapshot
	history  []historyEntry
	spinner  spinner.Model

	width  int
	height int

	maxPending int
	maxHistory int
	now        func() time.Time
}

// New creates a new queue view model.
func New(src Source) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#3fb950"))

	return Model{
		src:        src,
		spinner:    s,
		maxPending: 5,
		maxHistory: 20,
		now:        time.Now,
	}
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// Refresh updates the snapshot from the coordinator.
func (m *Model) Refresh() {
	if m.src == nil {
		return
	}
	m.snapshot = Snapshot{
		Stats:    m.src.Stats(),
		InFlight: m.src.InFlight(),
		Queued:   m.src.Queued(),
	}
}

// Record adds a coordinator event to the recent history, newest first.
func (m *Model) Record(ev work.Event) {
	m.history = append([]historyEntry{{event: ev, at: m.now()}}, m.history...)
	if len(m.history) > m.maxHistory {
		m.history = m.history[:m.maxHistory]
	}
}

// Snapshot returns the last refreshed state.
func (m Model) Snapshot() Snapshot {
	return m.snapshot
}

// Spinner returns the spinner for tick forwarding.
func (m *Model) Spinner() spinner.Model {
	return m.spinner
}

// SetSpinner updates the spinner state.
func (m *Model) SetSpinner(s spinner.Model) {
	m.spinner = s
}

// ClearHistory forgets recorded events.
func (m *Model) ClearHistory() {
	m.history = nil
}

// View renders the queue.
func (m Model) View() string {
	if m.src == nil {
		return "Interactions coordinator not initialized"
	}

	var b strings.Builder

	header := fmt.Sprintf("INTERACTIONS %s", m.spinner.View())
	b.WriteString(titleStyle.Render(header))
	b.WriteString("  ")
	b.WriteString(statsStyle.Render(m.snapshot.Stats.String()))
	b.WriteString("\n\n")

	for _, id := range m.snapshot.InFlight {
		b.WriteString(activeStyle.Render("[⟳]") + " " + shortID(id))
		b.WriteString("\n")
	}

	for i, id := range m.snapshot.Queued {
		if i >= m.maxPending {
			remaining := len(m.snapshot.Queued) - i
			b.WriteString(dimStyle.Render(fmt.Sprintf("  ... and %d more queued\n", remaining)))
			break
		}
		b.WriteString(pendingStyle.Render("[…]") + " " + shortID(id))
		b.WriteString("\n")
	}

	if len(m.snapshot.InFlight) > 0 || len(m.snapshot.Queued) > 0 {
		divider := strings.Repeat("─", max(min(m.width-4, 60), 1))
		b.WriteString(dividerStyle.Render(divider))
		b.WriteString("\n")
	}

	now := m.now()
	for _, h := range m.history {
		b.WriteString(m.renderEvent(h, now))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("x:clear history  esc:close"))

	return b.String()
}

// renderEvent renders a single history line.
func (m Model) renderEvent(h historyEntry, now time.Time) string {
	ev := h.event
	parts := []string{changeLabel(ev.Change), shortID(ev.NoteID), dimStyle.Render(fmt.Sprintf("p%d", ev.Priority))}

	switch ev.Change {
	case work.ChangeStarted:
		parts = append(parts, dimStyle.Render("waited "+formatDuration(ev.Waited)))
	case work.ChangeCompleted, work.ChangeCanceled:
		if ev.Ran > 0 {
			parts = append(parts, dimStyle.Render("ran "+formatDuration(ev.Ran)))
		}
	}
	parts = append(parts, dimStyle.Render(formatAge(now.Sub(h.at))))
	return strings.Join(parts, " ")
}

func changeLabel(c work.Change) string {
	label := fmt.Sprintf("%-9s", c)
	switch c {
	case work.ChangeStarted:
		return activeStyle.Render(label)
	case work.ChangeQueued:
		return pendingStyle.Render(label)
	case work.ChangeCompleted:
		return completeStyle.Render(label)
	default:
		return failedStyle.Render(label)
	}
}

// Helper functions

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
