// Package ui provides the Bubble Tea TUI for relayfeed.
package ui

import (
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/work"
)

// RunEvent wraps an acquisition event from the feed.
type RunEvent struct {
	Event fetch.Event
}

// WorkEvent wraps an interactions coordinator event.
type WorkEvent struct {
	Event work.Event
}

// LoadDone is sent when a load started with 'r' returns.
type LoadDone struct {
	Err error
}

// CountsLoaded is sent when stored interaction counts are read for a note.
type CountsLoaded struct {
	NoteID string
	Counts store.Counts
	Err    error
}

// feedClosed is sent when a subscription channel closes.
type feedClosed struct{}
