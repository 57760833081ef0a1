// Package coord wires acquisition, intake ranking and enrichment into one
// feed that the UI and API read from.
package coord

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/ranking"
	"github.com/abelbrown/relayfeed/internal/work"
)

// EnrichFunc builds the interactions fetcher for a note.
type EnrichFunc func(noteID string) func() work.Handle

// Options shapes the visible feed.
type Options struct {
	Params    fetch.Params
	PerAuthor int // notes kept per author, 0 = unlimited
	TrimSize  int // notes kept overall
}

// Status summarizes the latest run.
type Status struct {
	RunID    string
	Running  bool
	Progress fetch.Progress
	Complete *fetch.Complete
	Notes    int
	Err      error
}

// Feed owns one scheduler, one prioritizer and one coordinator.
// Uses context cancellation as the ONLY stop mechanism.
type Feed struct {
	sched  *fetch.Scheduler
	prio   *ranking.Prioritizer
	coord  *work.Coordinator
	enrich EnrichFunc
	now    func() time.Time
	wg     sync.WaitGroup

	// loadMu makes starting a run and recording it one step.
	loadMu  sync.Mutex
	onStart func(*fetch.Run)

	mu     sync.RWMutex
	opts   Options
	notes  []feeds.Note
	status Status

	subsMu sync.RWMutex
	subs   []chan fetch.Event
}

// NewFeed creates a Feed. The coordinator is injected so its limits can
// be reconfigured by the caller; enrich may be nil to disable enrichment.
func NewFeed(sched *fetch.Scheduler, prio *ranking.Prioritizer, coord *work.Coordinator, enrich EnrichFunc, opts Options) *Feed {
	return &Feed{
		sched:  sched,
		prio:   prio,
		coord:  coord,
		enrich: enrich,
		now:    time.Now,
		opts:   opts,
	}
}

// SetOptions replaces the feed options. They take effect on the next Load.
func (f *Feed) SetOptions(opts Options) {
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
}

// Load runs one acquisition for authors and blocks until it ends.
// The previous notes are replaced as batches arrive. Starting another
// Load supersedes this one, which then returns context.Canceled.
func (f *Feed) Load(ctx context.Context, authors []string) error {
	f.mu.RLock()
	opts := f.opts
	f.mu.RUnlock()

	f.loadMu.Lock()
	run, err := f.sched.Start(ctx, authors, opts.Params)
	if err != nil {
		f.loadMu.Unlock()
		return err
	}
	if f.onStart != nil {
		f.onStart(run)
	}
	f.mu.Lock()
	f.notes = nil
	f.status = Status{RunID: run.ID, Running: true}
	f.mu.Unlock()
	f.loadMu.Unlock()

	for ev := range run.Events() {
		switch e := ev.(type) {
		case fetch.Progress:
			f.mu.Lock()
			if f.status.RunID == e.RunID {
				f.status.Progress = e
			}
			f.mu.Unlock()
		case fetch.Batch:
			f.intake(e, opts)
		case fetch.Complete:
			f.mu.Lock()
			if f.status.RunID == e.RunID {
				c := e
				f.status.Complete = &c
			}
			f.mu.Unlock()
		}
		f.publish(ev)
	}

	err = run.Err()
	f.mu.Lock()
	if f.status.RunID == run.ID {
		f.status.Running = false
		f.status.Err = err
	}
	f.mu.Unlock()
	return err
}

// intake merges a batch into the feed: prioritize, cap per author, trim.
func (f *Feed) intake(b fetch.Batch, opts Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.RunID != b.RunID {
		return
	}

	merged := make([]feeds.Note, 0, len(f.notes)+len(b.Notes))
	merged = append(merged, f.notes...)
	merged = append(merged, b.Notes...)

	notes := f.prio.Prioritize(merged, f.now())
	if opts.PerAuthor > 0 {
		notes = ranking.LimitPerAuthor(notes, opts.PerAuthor)
	}
	if opts.TrimSize > 0 {
		notes = ranking.Trim(notes, opts.TrimSize)
	}
	f.notes = notes
	f.status.Notes = len(notes)

	logging.Debug("Feed intake",
		"run", b.RunID,
		"batch", len(b.Notes),
		"kept", len(notes))
}

// Start loads immediately, then again every interval until ctx ends.
// A zero interval loads once.
func (f *Feed) Start(ctx context.Context, authors []string, interval time.Duration) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		f.loadLogged(ctx, authors)
		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.loadLogged(ctx, authors)
			}
		}
	}()
}

func (f *Feed) loadLogged(ctx context.Context, authors []string) {
	// A superseded load ends with context.Canceled
	if err := f.Load(ctx, authors); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		logging.Warn("Feed load ended early", "error", err)
	}
}

// Wait blocks until the background goroutine exits.
// Call after canceling the context passed to Start.
func (f *Feed) Wait() {
	f.wg.Wait()
}

// Notes returns the prioritized notes, highest priority first.
func (f *Feed) Notes() []feeds.Note {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]feeds.Note, len(f.notes))
	copy(out, f.notes)
	return out
}

// Note returns the note with id, if the feed holds it.
func (f *Feed) Note(id string) (feeds.Note, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.notes {
		if n.ID == id {
			return n, true
		}
	}
	return feeds.Note{}, false
}

// Status returns the state of the latest run.
func (f *Feed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// Coordinator returns the feed's interactions coordinator.
func (f *Feed) Coordinator() *work.Coordinator {
	return f.coord
}

// Enrich requests a note's interactions at priority. It reports whether
// the request is started, queued or already tracked.
func (f *Feed) Enrich(noteID string, priority int) bool {
	if f.enrich == nil {
		return false
	}
	return f.coord.Request(work.Request{
		NoteID:   noteID,
		Priority: priority,
		Fetch:    f.enrich(noteID),
	})
}

// EnrichNote requests a held note's interactions using its intake score
// as the request priority.
func (f *Feed) EnrichNote(noteID string) bool {
	n, ok := f.Note(noteID)
	if !ok {
		return false
	}
	return f.Enrich(noteID, PriorityOf(n))
}

// Leave drops a note's queued enrichment when it is no longer eligible.
// A running fetch is kept.
func (f *Feed) Leave(noteID string) {
	f.coord.CancelQueued(noteID)
}

// PriorityOf maps a note's score to a request priority.
func PriorityOf(n feeds.Note) int {
	return int(math.Round(n.Priority * 1000))
}

// Subscribe returns a channel that receives run events.
// The channel should be drained to avoid losing events.
func (f *Feed) Subscribe() <-chan fetch.Event {
	ch := make(chan fetch.Event, 100)
	f.subsMu.Lock()
	f.subs = append(f.subs, ch)
	f.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (f *Feed) Unsubscribe(ch <-chan fetch.Event) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for i, sub := range f.subs {
		if sub == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (f *Feed) publish(ev fetch.Event) {
	f.subsMu.RLock()
	defer f.subsMu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber not keeping up, drop event
		}
	}
}
