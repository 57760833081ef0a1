// Package work coordinates interaction (enrichment) fetches for notes.
// A Coordinator runs at most N fetches at once, queues the rest by
// priority, evicts the weakest queued request when full, and lets callers
// cancel work that has not started (or, explicitly, work that has).
//
// Logging: every state change is logged via internal/logging.
package work

import (
	"fmt"
	"time"

	"github.com/abelbrown/relayfeed/internal/logging"
)

// Handle is a started fetch. Done is closed when the fetch ends for any
// reason; Cancel asks it to stop and must be safe to call more than once.
type Handle interface {
	Cancel()
	Done() <-chan struct{}
}

// Request asks for interactions of one note.
type Request struct {
	NoteID   string
	Fetch    func() Handle // starts the fetch; called at most once
	Priority int           // higher = more urgent (default 0)
}

// Change names a state transition of a request.
type Change string

const (
	ChangeQueued    Change = "queued"
	ChangeStarted   Change = "started"
	ChangeCompleted Change = "completed"
	ChangeCanceled  Change = "canceled"
	ChangeEvicted   Change = "evicted"  // removed from a full queue for a stronger request
	ChangeRejected  Change = "rejected" // not admitted, queue full
)

// Event is sent to subscribers when a request changes state.
type Event struct {
	NoteID   string
	Change   Change
	Priority int
	Waited   time.Duration // time spent queued (started)
	Ran      time.Duration // time spent in flight (completed, canceled)
}

// Stats tracks coordinator metrics.
type Stats struct {
	QueueSize      int
	InFlight       int
	MaxConcurrent  int
	MaxQueueSize   int
	TotalRequested int64
	TotalCompleted int64
	TotalCanceled  int64
	TotalDropped   int64 // evicted + rejected
}

// String returns a summary string for stats.
func (s Stats) String() string {
	return fmt.Sprintf("In flight: %d/%d  Queued: %d/%d  Done: %d  Canceled: %d  Dropped: %d",
		s.InFlight, s.MaxConcurrent, s.QueueSize, s.MaxQueueSize,
		s.TotalCompleted, s.TotalCanceled, s.TotalDropped)
}

// LogEvent logs a coordinator event for debugging.
func LogEvent(event Event) {
	switch event.Change {
	case ChangeQueued:
		logging.Debug("Interactions queued",
			"note", shortID(event.NoteID),
			"priority", event.Priority)
	case ChangeStarted:
		logging.Debug("Interactions started",
			"note", shortID(event.NoteID),
			"waited", event.Waited)
	case ChangeCompleted:
		logging.Debug("Interactions completed",
			"note", shortID(event.NoteID),
			"duration", event.Ran)
	case ChangeCanceled:
		logging.Debug("Interactions canceled",
			"note", shortID(event.NoteID),
			"duration", event.Ran)
	case ChangeEvicted:
		logging.Info("Interactions evicted from full queue",
			"note", shortID(event.NoteID),
			"priority", event.Priority)
	case ChangeRejected:
		logging.Info("Interactions rejected, queue full",
			"note", shortID(event.NoteID),
			"priority", event.Priority)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
