package ui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/work"
)

// Mark is the interactions state shown next to a note.
type Mark int

const (
	MarkNone Mark = iota
	MarkQueuedState
	MarkFetchingState
	MarkDoneState
)

func (m Mark) render() string {
	switch m {
	case MarkQueuedState:
		return MarkQueued.Render("…")
	case MarkFetchingState:
		return MarkFetching.Render("⟳")
	case MarkDoneState:
		return MarkDone.Render("✓")
	}
	return " "
}

// RenderStream renders the prioritized note list, scrolled so the cursor
// stays visible.
func RenderStream(notes []feeds.Note, cursor, width, height int, marks map[string]Mark, counts map[string]store.Counts, now time.Time) string {
	if len(notes) == 0 {
		return HelpStyle.Render("No notes yet. Press 'r' to reload.")
	}
	if height < 1 {
		height = 1
	}

	offset := calcScrollOffset(cursor, len(notes), height)
	var b strings.Builder
	for i := offset; i < len(notes) && i < offset+height; i++ {
		n := notes[i]
		c, hasCounts := counts[n.ID]
		b.WriteString(renderNoteLine(n, i == cursor, width, marks[n.ID], c, hasCounts, now))
		b.WriteString("\n")
	}
	return b.String()
}

// calcScrollOffset returns the first visible index that keeps cursor on screen.
func calcScrollOffset(cursor, total, height int) int {
	if total == 0 || cursor < 0 {
		return 0
	}
	if cursor >= total {
		cursor = total - 1
	}
	if cursor >= height {
		return cursor - height + 1
	}
	return 0
}

func renderNoteLine(n feeds.Note, selected bool, width int, mark Mark, c store.Counts, hasCounts bool, now time.Time) string {
	var parts []string
	parts = append(parts, mark.render())
	if n.PowBits > 0 {
		parts = append(parts, PowStyle.Render(fmt.Sprintf("⛏%d", n.PowBits)))
	}
	parts = append(parts, AuthorBadge.Render(shortKey(n.Author)))

	tail := AgeStyle.Render(humanize.RelTime(n.CreatedAt, now, "ago", "from now"))
	if hasCounts {
		tail += AgeStyle.Render(fmt.Sprintf("  ♥%d ↩%d ⟲%d", c.Reactions, c.Replies, c.Reposts))
		if c.Score.Total != 0 {
			tail += PowStyle.Render(fmt.Sprintf("  Σ%.1f", c.Score.Total))
		}
		if c.Score.Delegated {
			tail += AgeStyle.Render(" delegated")
		}
	}

	used := lipgloss.Width(strings.Join(parts, " ")) + lipgloss.Width(tail) + 4
	content := truncate(firstLine(n.Event.Content), max(width-used, 10))
	parts = append(parts, content, tail)

	line := strings.Join(parts, " ")
	if selected {
		return SelectedItem.Render(line)
	}
	return NormalItem.Render(line)
}

// RenderProgress renders the acquisition line: the live step while a run
// is loading, its outcome once it completes.
func RenderProgress(p fetch.Progress, done *fetch.Complete, loading bool, spin string, now time.Time) string {
	switch {
	case loading && p.Step == 0:
		return ProgressLine.Render(spin + " starting")
	case loading:
		return ProgressLine.Render(fmt.Sprintf("%s step %d  limit %d  horizon %s  since %s  %s notes",
			spin, p.Step, p.ResultLimit, p.Horizon,
			humanize.RelTime(p.Since, now, "ago", "from now"),
			humanize.Comma(int64(p.Total))))
	case done != nil && done.Exhausted:
		return ProgressLine.Render(fmt.Sprintf("exhausted: %s notes in %d steps",
			humanize.Comma(int64(done.Total)), done.Steps))
	case done != nil:
		return ProgressLine.Render(fmt.Sprintf("complete: %s notes in %d steps",
			humanize.Comma(int64(done.Total)), done.Steps))
	}
	return ProgressLine.Render("idle")
}

// RenderStatusBar renders the coordinator footer with key hints.
func RenderStatusBar(stats work.Stats, cursor, total, width int) string {
	pos := "0/0"
	if total > 0 {
		pos = fmt.Sprintf("%d/%d", cursor+1, total)
	}

	keys := []string{
		StatusBarKey.Render("j/k") + StatusBarText.Render(" move"),
		StatusBarKey.Render("c") + StatusBarText.Render(" cancel"),
		StatusBarKey.Render("w") + StatusBarText.Render(" queue"),
		StatusBarKey.Render("r") + StatusBarText.Render(" reload"),
		StatusBarKey.Render("q") + StatusBarText.Render(" quit"),
	}

	left := StatusBarText.Render(pos + "  " + stats.String())
	right := strings.Join(keys, "  ")

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return StatusBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func shortKey(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
