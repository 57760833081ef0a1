package work

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abelbrown/relayfeed/internal/logging"
)

// Default limits.
const (
	DefaultMaxConcurrent = 3
	DefaultMaxQueueSize  = 24
)

// flight is a started request.
type flight struct {
	noteID    string
	priority  int
	handle    Handle
	startedAt time.Time
}

// Coordinator bounds concurrent interaction fetches.
//
// Per note id the lifecycle is absent -> queued -> in flight -> absent.
// A note id is never queued and in flight at the same time, and the number
// of fetches in flight never exceeds the configured maximum. Leaving the
// viewport should call CancelQueued: partially received interactions are
// still useful, so only Cancel tears down a running fetch.
//
// Each feed owns its own Coordinator; instances share nothing.
type Coordinator struct {
	mu            sync.Mutex
	maxConcurrent int
	maxQueueSize  int

	queue    priorityQueue
	queued   map[string]*entry  // note id -> queued entry
	inFlight map[string]*flight // note id -> running fetch
	seq      uint64

	// Stats
	totalRequested int64
	totalCompleted int64
	totalCanceled  int64
	totalDropped   int64

	// Event subscribers (for UI updates)
	subscribers   []chan Event
	subscribersMu sync.RWMutex

	now func() time.Time
}

// NewCoordinator creates a coordinator. maxConcurrent below 1 becomes 1;
// a negative maxQueueSize becomes 0.
func NewCoordinator(maxConcurrent, maxQueueSize int) *Coordinator {
	c := &Coordinator{
		queued:   make(map[string]*entry),
		inFlight: make(map[string]*flight),
		now:      time.Now,
	}
	c.maxConcurrent, c.maxQueueSize = clampLimits(maxConcurrent, maxQueueSize)
	return c
}

func clampLimits(maxConcurrent, maxQueueSize int) (int, int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxQueueSize < 0 {
		maxQueueSize = 0
	}
	return maxConcurrent, maxQueueSize
}

// Configure changes the limits. Newly opened slots are filled first;
// then, if the queue no longer fits, the weakest entries are evicted.
func (c *Coordinator) Configure(maxConcurrent, maxQueueSize int) {
	c.mu.Lock()
	c.maxConcurrent, c.maxQueueSize = clampLimits(maxConcurrent, maxQueueSize)
	maxConcurrent, maxQueueSize = c.maxConcurrent, c.maxQueueSize

	events := c.dispatchLocked(nil)
	for c.queue.Len() > c.maxQueueSize {
		low := c.queue.lowest()
		c.removeQueuedLocked(low)
		c.totalDropped++
		events = append(events, Event{NoteID: low.req.NoteID, Change: ChangeEvicted, Priority: low.req.Priority})
	}
	c.mu.Unlock()

	logging.Info("Interactions coordinator configured",
		"max_concurrent", maxConcurrent,
		"max_queue", maxQueueSize)
	c.publish(events)
}

// Request asks for a note's interactions. It returns true when the request
// was started, queued, or is already tracked (repeat calls are harmless).
// It returns false when the queue is full and the request is not stronger
// than the weakest queued one; that outcome is counted as dropped.
func (c *Coordinator) Request(req Request) bool {
	if req.Fetch == nil {
		logging.Warn("Interactions request without fetcher", "note", shortID(req.NoteID))
		return false
	}

	c.mu.Lock()
	c.totalRequested++

	if _, ok := c.inFlight[req.NoteID]; ok {
		c.mu.Unlock()
		logging.Debug("Skipping duplicate in-flight request", "note", shortID(req.NoteID))
		return true
	}
	if _, ok := c.queued[req.NoteID]; ok {
		c.mu.Unlock()
		logging.Debug("Skipping duplicate queued request", "note", shortID(req.NoteID))
		return true
	}

	var events []Event

	// Capacity only matters when the request would have to wait.
	startsNow := c.queue.Len() == 0 && len(c.inFlight) < c.maxConcurrent
	if !startsNow && c.queue.Len() >= c.maxQueueSize {
		low := c.queue.lowest()
		if low == nil || req.Priority <= low.req.Priority {
			c.totalDropped++
			c.mu.Unlock()
			c.publish([]Event{{NoteID: req.NoteID, Change: ChangeRejected, Priority: req.Priority}})
			return false
		}
		c.removeQueuedLocked(low)
		c.totalDropped++
		events = append(events, Event{NoteID: low.req.NoteID, Change: ChangeEvicted, Priority: low.req.Priority})
	}

	c.seq++
	e := &entry{req: req, seq: c.seq, queuedAt: c.now()}
	heap.Push(&c.queue, e)
	c.queued[req.NoteID] = e
	events = append(events, Event{NoteID: req.NoteID, Change: ChangeQueued, Priority: req.Priority})

	events = c.dispatchLocked(events)
	c.mu.Unlock()

	c.publish(events)
	return true
}

// CancelQueued removes a note's request if it has not started.
// A running fetch is left alone.
func (c *Coordinator) CancelQueued(noteID string) {
	c.mu.Lock()
	var events []Event
	if e, ok := c.queued[noteID]; ok {
		c.removeQueuedLocked(e)
		c.totalCanceled++
		events = append(events, Event{NoteID: noteID, Change: ChangeCanceled, Priority: e.req.Priority})
	}
	c.mu.Unlock()
	c.publish(events)
}

// Cancel stops a note's fetch whether queued or running.
// Canceling an unknown or finished note is a no-op.
func (c *Coordinator) Cancel(noteID string) {
	c.mu.Lock()
	f, ok := c.inFlight[noteID]
	if !ok {
		c.mu.Unlock()
		c.CancelQueued(noteID)
		return
	}

	delete(c.inFlight, noteID)
	c.totalCanceled++
	events := []Event{{NoteID: noteID, Change: ChangeCanceled, Priority: f.priority, Ran: c.now().Sub(f.startedAt)}}
	events = c.dispatchLocked(events)
	c.mu.Unlock()

	f.handle.Cancel()
	c.publish(events)
}

// Clear cancels every running fetch and empties the queue.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	now := c.now()
	flights := make([]*flight, 0, len(c.inFlight))
	events := make([]Event, 0, len(c.inFlight)+c.queue.Len())
	for id, f := range c.inFlight {
		flights = append(flights, f)
		events = append(events, Event{NoteID: id, Change: ChangeCanceled, Priority: f.priority, Ran: now.Sub(f.startedAt)})
	}
	for _, e := range c.queue {
		events = append(events, Event{NoteID: e.req.NoteID, Change: ChangeCanceled, Priority: e.req.Priority})
	}
	c.totalCanceled += int64(len(events))
	c.inFlight = make(map[string]*flight)
	c.queued = make(map[string]*entry)
	c.queue = nil
	c.mu.Unlock()

	for _, f := range flights {
		f.handle.Cancel()
	}
	c.publish(events)
	logging.Info("Interactions cleared", "canceled_in_flight", len(flights))
}

// dispatchLocked starts queued requests while slots are free.
// Caller must hold c.mu. Fetch functions run under the lock and must not
// call back into the Coordinator.
func (c *Coordinator) dispatchLocked(events []Event) []Event {
	for len(c.inFlight) < c.maxConcurrent && c.queue.Len() > 0 {
		e := heap.Pop(&c.queue).(*entry)
		delete(c.queued, e.req.NoteID)

		now := c.now()
		h := start(e.req)
		if h == nil {
			c.totalCompleted++
			events = append(events, Event{NoteID: e.req.NoteID, Change: ChangeCompleted, Priority: e.req.Priority})
			continue
		}

		f := &flight{noteID: e.req.NoteID, priority: e.req.Priority, handle: h, startedAt: now}
		c.inFlight[f.noteID] = f
		go c.await(f)

		events = append(events, Event{
			NoteID:   e.req.NoteID,
			Change:   ChangeStarted,
			Priority: e.req.Priority,
			Waited:   now.Sub(e.queuedAt),
		})
	}
	return events
}

// start invokes the fetcher, turning a panic into an immediate completion.
func start(req Request) (h Handle) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Interactions fetcher panicked",
				"note", shortID(req.NoteID),
				"panic", fmt.Sprint(r))
			h = nil
		}
	}()
	return req.Fetch()
}

// await waits for a running fetch to end, then frees its slot.
func (c *Coordinator) await(f *flight) {
	<-f.handle.Done()

	c.mu.Lock()
	if c.inFlight[f.noteID] != f {
		// Canceled (and possibly re-requested) while running
		c.mu.Unlock()
		return
	}
	delete(c.inFlight, f.noteID)
	c.totalCompleted++
	events := []Event{{NoteID: f.noteID, Change: ChangeCompleted, Priority: f.priority, Ran: c.now().Sub(f.startedAt)}}
	events = c.dispatchLocked(events)
	c.mu.Unlock()

	c.publish(events)
}

// removeQueuedLocked drops e from the queue. Caller must hold c.mu.
func (c *Coordinator) removeQueuedLocked(e *entry) {
	heap.Remove(&c.queue, e.heapIndex)
	delete(c.queued, e.req.NoteID)
}

// Stats returns current statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		QueueSize:      c.queue.Len(),
		InFlight:       len(c.inFlight),
		MaxConcurrent:  c.maxConcurrent,
		MaxQueueSize:   c.maxQueueSize,
		TotalRequested: c.totalRequested,
		TotalCompleted: c.totalCompleted,
		TotalCanceled:  c.totalCanceled,
		TotalDropped:   c.totalDropped,
	}
}

// ResetStats zeroes the cumulative counters.
func (c *Coordinator) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequested = 0
	c.totalCompleted = 0
	c.totalCanceled = 0
	c.totalDropped = 0
}

// Queued returns queued note ids in dispatch order.
func (c *Coordinator) Queued() []string {
	c.mu.Lock()
	entries := make([]*entry, len(c.queue))
	copy(entries, c.queue)
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return priorityQueue(entries).Less(i, j)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.req.NoteID
	}
	return ids
}

// InFlight returns the note ids currently being fetched, sorted.
func (c *Coordinator) InFlight() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.inFlight))
	for id := range c.inFlight {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel that receives coordinator events.
// The channel should be drained to avoid losing events.
func (c *Coordinator) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	c.subscribersMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subscribersMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()

	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// publish logs events and fans them out without blocking.
func (c *Coordinator) publish(events []Event) {
	if len(events) == 0 {
		return
	}

	c.subscribersMu.RLock()
	defer c.subscribersMu.RUnlock()

	for _, ev := range events {
		LogEvent(ev)
		for _, ch := range c.subscribers {
			select {
			case ch <- ev:
			default:
				// Subscriber not keeping up, drop event
			}
		}
	}
}
