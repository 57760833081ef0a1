package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/nostr"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/work"
)

// fakeFeed records enrichment calls.
type fakeFeed struct {
	notes    []feeds.Note
	enriched []string
	left     []string
}

func (f *fakeFeed) Notes() []feeds.Note { return f.notes }

func (f *fakeFeed) EnrichNote(id string) bool {
	f.enriched = append(f.enriched, id)
	return true
}

func (f *fakeFeed) Leave(id string) { f.left = append(f.left, id) }

type fakeQueue struct {
	stats work.Stats
}

func (q fakeQueue) Stats() work.Stats  { return q.stats }
func (q fakeQueue) Queued() []string   { return nil }
func (q fakeQueue) InFlight() []string { return nil }

func testNotes(ids ...string) []feeds.Note {
	notes := make([]feeds.Note, len(ids))
	for i, id := range ids {
		notes[i] = feeds.Note{
			ID:        id,
			Author:    "author-" + id,
			CreatedAt: time.Now().Add(-time.Duration(i+1) * time.Hour),
			Event:     nostr.Event{ID: id, Content: "note " + id},
		}
	}
	return notes
}

func update(t *testing.T, a App, msg tea.Msg) (App, tea.Cmd) {
	t.Helper()
	m, cmd := a.Update(msg)
	return m.(App), cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// messages runs cmd and flattens batches.
func messages(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, messages(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func loadedApp(t *testing.T, f *fakeFeed, opts Options) App {
	t.Helper()
	opts.Feed = f
	if opts.Queue == nil {
		opts.Queue = fakeQueue{}
	}
	app := NewApp(opts)
	app, _ = update(t, app, tea.WindowSizeMsg{Width: 200, Height: 20})
	app, _ = update(t, app, RunEvent{Event: fetch.Batch{RunID: "r1", Step: 1, Notes: f.notes}})
	return app
}

func TestAppInit(t *testing.T) {
	reloads := 0
	app := NewApp(Options{
		Feed:  &fakeFeed{},
		Queue: fakeQueue{},
		Reload: func() tea.Cmd {
			reloads++
			return nil
		},
	})
	if !app.Loading() {
		t.Error("app with a reload func should start loading")
	}
	if app.Init() == nil {
		t.Fatal("Init should return a command")
	}
	if reloads != 1 {
		t.Errorf("Init called reload %d times, want 1", reloads)
	}
}

func TestAppBatchFocusesFirstNote(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a", "b", "c")}
	app := loadedApp(t, f, Options{})

	if len(app.Notes()) != 3 {
		t.Fatalf("got %d notes, want 3", len(app.Notes()))
	}
	if app.Focused() != "a" {
		t.Errorf("focused %q, want a", app.Focused())
	}
	if !equal(f.enriched, []string{"a"}) {
		t.Errorf("enriched %v, want [a]", f.enriched)
	}
}

func TestAppCursorMovesEnrichment(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a", "b", "c")}
	app := loadedApp(t, f, Options{})

	app, _ = update(t, app, key("j"))
	if app.Cursor() != 1 || app.Focused() != "b" {
		t.Fatalf("cursor %d focused %q, want 1 b", app.Cursor(), app.Focused())
	}
	if !equal(f.left, []string{"a"}) || !equal(f.enriched, []string{"a", "b"}) {
		t.Errorf("left %v enriched %v", f.left, f.enriched)
	}

	app, _ = update(t, app, key("G"))
	if app.Cursor() != 2 {
		t.Errorf("G moved cursor to %d, want 2", app.Cursor())
	}
	app, _ = update(t, app, key("j"))
	if app.Cursor() != 2 {
		t.Errorf("cursor moved past the end: %d", app.Cursor())
	}

	app, _ = update(t, app, key("g"))
	app, _ = update(t, app, key("k"))
	if app.Cursor() != 0 {
		t.Errorf("cursor moved above the top: %d", app.Cursor())
	}
	if !equal(f.left, []string{"a", "b", "c"}) {
		t.Errorf("left %v, want [a b c]", f.left)
	}
}

func TestAppCancelQueuedKey(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a", "b")}
	app := loadedApp(t, f, Options{})

	app, _ = update(t, app, key("c"))
	if !equal(f.left, []string{"a"}) {
		t.Errorf("left %v, want [a]", f.left)
	}
	if app.Focused() != "a" {
		t.Error("cancel should keep the cursor on the note")
	}
}

func TestAppWorkEventsMarkNotes(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a", "b")}
	var counted []string
	app := loadedApp(t, f, Options{
		Counts: func(id string) tea.Cmd {
			counted = append(counted, id)
			return func() tea.Msg {
				return CountsLoaded{NoteID: id, Counts: store.Counts{Reactions: 4, Replies: 2}}
			}
		},
	})

	app, _ = update(t, app, WorkEvent{Event: work.Event{NoteID: "b", Change: work.ChangeQueued}})
	if app.MarkOf("b") != MarkQueuedState {
		t.Errorf("mark = %v, want queued", app.MarkOf("b"))
	}
	app, _ = update(t, app, WorkEvent{Event: work.Event{NoteID: "a", Change: work.ChangeStarted}})
	if app.MarkOf("a") != MarkFetchingState {
		t.Errorf("mark = %v, want fetching", app.MarkOf("a"))
	}

	app, cmd := update(t, app, WorkEvent{Event: work.Event{NoteID: "a", Change: work.ChangeCompleted}})
	if app.MarkOf("a") != MarkDoneState {
		t.Errorf("mark = %v, want done", app.MarkOf("a"))
	}
	if !equal(counted, []string{"a"}) {
		t.Fatalf("counts requested for %v, want [a]", counted)
	}
	for _, msg := range messages(cmd) {
		if loaded, ok := msg.(CountsLoaded); ok {
			app, _ = update(t, app, loaded)
		}
	}
	if view := app.View(); !strings.Contains(view, "♥4 ↩2 ⟲0") {
		t.Errorf("view missing counts:\n%s", view)
	}

	app, _ = update(t, app, WorkEvent{Event: work.Event{NoteID: "b", Change: work.ChangeEvicted}})
	if app.MarkOf("b") != MarkNone {
		t.Errorf("evicted note still marked %v", app.MarkOf("b"))
	}

	// A finished note is not requested again when the cursor returns
	app, _ = update(t, app, key("j"))
	_, _ = update(t, app, key("k"))
	if !equal(f.enriched, []string{"a", "b"}) {
		t.Errorf("enriched %v, want [a b]", f.enriched)
	}
}

func TestAppProgressAndComplete(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a")}
	app := loadedApp(t, f, Options{})

	app, _ = update(t, app, RunEvent{Event: fetch.Progress{RunID: "r1", Step: 2, ResultLimit: 40, Horizon: time.Hour, Since: time.Now().Add(-time.Hour)}})
	if !app.Loading() {
		t.Error("progress should mark the app loading")
	}
	if view := app.View(); !strings.Contains(view, "step 2") || !strings.Contains(view, "limit 40") {
		t.Errorf("view missing progress line:\n%s", view)
	}

	app, _ = update(t, app, RunEvent{Event: fetch.Complete{RunID: "r1", Total: 3, Steps: 2}})
	if app.Loading() {
		t.Error("complete should end loading")
	}
	if view := app.View(); !strings.Contains(view, "complete: 3 notes in 2 steps") {
		t.Errorf("view missing completion:\n%s", view)
	}
}

func TestAppNotesShrinkClampsCursor(t *testing.T) {
	f := &fakeFeed{notes: testNotes("a", "b", "c")}
	app := loadedApp(t, f, Options{})
	app, _ = update(t, app, key("G"))

	f.notes = testNotes("x")
	app, _ = update(t, app, RunEvent{Event: fetch.Progress{RunID: "r2", Step: 1}})
	if app.Cursor() != 0 || app.Focused() != "x" {
		t.Errorf("cursor %d focused %q, want 0 x", app.Cursor(), app.Focused())
	}

	f.notes = nil
	app, _ = update(t, app, RunEvent{Event: fetch.Progress{RunID: "r3", Step: 1}})
	if app.Focused() != "" {
		t.Errorf("focused %q on an empty feed", app.Focused())
	}
}

func TestAppLoadDone(t *testing.T) {
	app := loadedApp(t, &fakeFeed{}, Options{})

	app, _ = update(t, app, LoadDone{Err: context.Canceled})
	if strings.Contains(app.View(), "Error") {
		t.Error("superseded load should not show an error")
	}

	app, _ = update(t, app, LoadDone{Err: errors.New("no relays")})
	if !strings.Contains(app.View(), "no relays") {
		t.Error("failed load should show its error")
	}

	app, _ = update(t, app, key("j"))
	if strings.Contains(app.View(), "no relays") {
		t.Error("key press should dismiss the error")
	}
}

func TestAppReloadKey(t *testing.T) {
	reloads := 0
	app := loadedApp(t, &fakeFeed{}, Options{
		Reload: func() tea.Cmd {
			reloads++
			return func() tea.Msg { return LoadDone{} }
		},
	})

	app, cmd := update(t, app, key("r"))
	if cmd == nil || reloads != 1 {
		t.Fatalf("reload called %d times", reloads)
	}
	if !app.Loading() {
		t.Error("reload should mark the app loading")
	}
}

func TestAppQueueView(t *testing.T) {
	app := loadedApp(t, &fakeFeed{notes: testNotes("a")}, Options{
		Queue: fakeQueue{stats: work.Stats{InFlight: 1, MaxConcurrent: 3}},
	})

	app, _ = update(t, app, key("w"))
	if !strings.Contains(app.View(), "INTERACTIONS") {
		t.Error("w should show the interactions queue")
	}
	app, _ = update(t, app, tea.KeyMsg{Type: tea.KeyEsc})
	if strings.Contains(app.View(), "INTERACTIONS") {
		t.Error("esc should close the queue view")
	}
	if !strings.Contains(app.View(), "In flight: 1/3") {
		t.Error("status bar should show coordinator stats")
	}
}

func TestAppQuit(t *testing.T) {
	app := loadedApp(t, &fakeFeed{}, Options{})
	_, cmd := update(t, app, key("q"))
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestAppViewBeforeReady(t *testing.T) {
	app := NewApp(Options{Feed: &fakeFeed{}, Queue: fakeQueue{}})
	if app.View() != "Loading..." {
		t.Errorf("View() = %q before window size", app.View())
	}
}

func TestListenStopsOnClose(t *testing.T) {
	ch := make(chan fetch.Event, 1)
	ch <- fetch.Complete{RunID: "r"}
	close(ch)

	cmd := listenRun(ch)
	if _, ok := cmd().(RunEvent); !ok {
		t.Error("first message should be the queued event")
	}
	if _, ok := cmd().(feedClosed); !ok {
		t.Error("closed channel should end listening")
	}
	if listenRun(nil) != nil {
		t.Error("nil channel should not listen")
	}
}
