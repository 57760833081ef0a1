package ui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/ui/workview"
	"github.com/abelbrown/relayfeed/internal/work"
)

// Feed is the part of the feed the App reads and drives.
type Feed interface {
	Notes() []feeds.Note
	EnrichNote(noteID string) bool
	Leave(noteID string)
}

// Options wires the App to a running feed.
type Options struct {
	Feed  Feed
	Queue workview.Source // interactions coordinator

	RunEvents  <-chan fetch.Event
	WorkEvents <-chan work.Event

	// Reload starts a new load; its command returns LoadDone.
	Reload func() tea.Cmd
	// Counts reads stored interaction counts for a note. Optional.
	Counts func(noteID string) tea.Cmd
}

// App is the root Bubble Tea model.
// IMPORTANT: App does NOT own the feed's goroutines. It learns about
// progress through RunEvent and WorkEvent messages.
type App struct {
	opts Options

	notes    []feeds.Note
	cursor   int
	focused  string // note eligible for enrichment
	marks    map[string]Mark
	counts   map[string]store.Counts
	progress fetch.Progress
	complete *fetch.Complete

	spinner   spinner.Model
	queue     workview.Model
	showQueue bool

	err     error
	width   int
	height  int
	ready   bool
	loading bool
	now     func() time.Time
}

// NewApp creates a new App.
func NewApp(opts Options) App {
	s := spinner.New()
	s.Spinner = spinner.Dot

	q := workview.New(opts.Queue)
	q.Refresh()

	return App{
		opts:    opts,
		marks:   make(map[string]Mark),
		counts:  make(map[string]store.Counts),
		spinner: s,
		queue:   q,
		loading: opts.Reload != nil,
		now:     time.Now,
	}
}

// Init starts listening and kicks off the first load.
func (a App) Init() tea.Cmd {
	cmds := []tea.Cmd{
		a.spinner.Tick,
		listenRun(a.opts.RunEvents),
		listenWork(a.opts.WorkEvents),
	}
	if a.opts.Reload != nil {
		cmds = append(cmds, a.opts.Reload())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.queue.SetSize(msg.Width, msg.Height-2)
		a.ready = true
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		a.queue.SetSpinner(a.spinner)
		return a, cmd

	case RunEvent:
		switch e := msg.Event.(type) {
		case fetch.Progress:
			a.loading = true
			a.progress = e
			a.complete = nil
		case fetch.Complete:
			a.loading = false
			c := e
			a.complete = &c
		}
		a.setNotes(a.opts.Feed.Notes())
		return a, listenRun(a.opts.RunEvents)

	case WorkEvent:
		cmd := a.applyWork(msg.Event)
		return a, tea.Batch(cmd, listenWork(a.opts.WorkEvents))

	case CountsLoaded:
		if msg.Err == nil {
			a.counts[msg.NoteID] = msg.Counts
		}
		return a, nil

	case LoadDone:
		// A superseded load ends canceled while its successor runs
		if msg.Err != nil && !errors.Is(msg.Err, context.Canceled) {
			a.err = msg.Err
			a.loading = false
		}
		return a, nil

	case feedClosed:
		return a, nil
	}

	return a, nil
}

// setNotes replaces the list, keeping the cursor in bounds.
func (a *App) setNotes(notes []feeds.Note) {
	a.notes = notes
	if a.cursor >= len(a.notes) {
		a.cursor = max(len(a.notes)-1, 0)
	}
	a.focus()
}

// focus makes the note under the cursor the one eligible for enrichment.
// The note it replaces loses its queued request.
func (a *App) focus() {
	id := ""
	if a.cursor < len(a.notes) {
		id = a.notes[a.cursor].ID
	}
	if id == a.focused {
		return
	}
	if a.focused != "" {
		a.opts.Feed.Leave(a.focused)
	}
	a.focused = id
	if id != "" && a.marks[id] != MarkDoneState {
		a.opts.Feed.EnrichNote(id)
	}
}

func (a *App) applyWork(ev work.Event) tea.Cmd {
	a.queue.Record(ev)
	a.queue.Refresh()

	switch ev.Change {
	case work.ChangeQueued:
		a.marks[ev.NoteID] = MarkQueuedState
	case work.ChangeStarted:
		a.marks[ev.NoteID] = MarkFetchingState
	case work.ChangeCompleted:
		a.marks[ev.NoteID] = MarkDoneState
		if a.opts.Counts != nil {
			return a.opts.Counts(ev.NoteID)
		}
	default:
		delete(a.marks, ev.NoteID)
	}
	return nil
}

// handleKeyMsg processes keyboard input.
func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Clear any existing error on key press
	if a.err != nil {
		a.err = nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.cursor < len(a.notes)-1 {
			a.cursor++
			a.focus()
		}
		return a, nil

	case "k", "up":
		if a.cursor > 0 {
			a.cursor--
			a.focus()
		}
		return a, nil

	case "g", "home":
		a.cursor = 0
		a.focus()
		return a, nil

	case "G", "end":
		if len(a.notes) > 0 {
			a.cursor = len(a.notes) - 1
			a.focus()
		}
		return a, nil

	case "c":
		if a.focused != "" {
			a.opts.Feed.Leave(a.focused)
		}
		return a, nil

	case "w":
		a.showQueue = !a.showQueue
		a.queue.Refresh()
		return a, nil

	case "esc":
		a.showQueue = false
		return a, nil

	case "x":
		if a.showQueue {
			a.queue.ClearHistory()
		}
		return a, nil

	case "r":
		if a.opts.Reload != nil {
			a.loading = true
			a.complete = nil
			a.progress = fetch.Progress{}
			return a, a.opts.Reload()
		}
		return a, nil
	}

	return a, nil
}

// View renders the UI.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}

	now := a.now()

	// Progress line and status bar take one line each
	contentHeight := a.height - 2
	if a.err != nil {
		contentHeight--
	}

	progress := RenderProgress(a.progress, a.complete, a.loading, a.spinner.View(), now) + "\n"

	var content string
	if a.showQueue {
		content = a.queue.View() + "\n"
	} else {
		content = RenderStream(a.notes, a.cursor, a.width, contentHeight, a.marks, a.counts, now)
	}

	errorBar := ""
	if a.err != nil {
		errorBar = ErrorStyle.Width(a.width).Render("Error: "+a.err.Error()+" (press any key to dismiss)") + "\n"
	}

	statusBar := RenderStatusBar(a.queue.Snapshot().Stats, a.cursor, len(a.notes), a.width)

	return progress + content + errorBar + statusBar
}

// Cursor returns the current cursor position (for testing).
func (a App) Cursor() int {
	return a.cursor
}

// Notes returns the displayed notes (for testing).
func (a App) Notes() []feeds.Note {
	return a.notes
}

// Focused returns the note eligible for enrichment (for testing).
func (a App) Focused() string {
	return a.focused
}

// MarkOf returns a note's interactions state (for testing).
func (a App) MarkOf(noteID string) Mark {
	return a.marks[noteID]
}

// Loading reports whether a run is in progress (for testing).
func (a App) Loading() bool {
	return a.loading
}

func listenRun(ch <-chan fetch.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return feedClosed{}
		}
		return RunEvent{Event: ev}
	}
}

func listenWork(ch <-chan work.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return feedClosed{}
		}
		return WorkEvent{Event: ev}
	}
}
