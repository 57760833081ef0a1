// Package fetch acquires a follow-based feed by querying progressively
// wider time windows until enough root notes have been seen.
package fetch

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
)

// Defaults for scheduler options.
const (
	DefaultStepTimeout = 3 * time.Second
	DefaultStepDelay   = 100 * time.Millisecond
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStepTimeout bounds how long one step waits for end of stream.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stepTimeout = d
		}
	}
}

// WithStepDelay sets the minimum spacing between step starts.
// Zero or negative disables pacing.
func WithStepDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.stepDelay = d }
}

// WithSecondaryFilter sets the predicate that excludes received events.
// The default drops replies. Nil keeps everything.
func WithSecondaryFilter(exclude func(nostr.Event) bool) Option {
	return func(s *Scheduler) { s.exclude = exclude }
}

// WithKinds sets the event kinds queried. Defaults to text notes.
func WithKinds(kinds ...int) Option {
	return func(s *Scheduler) {
		if len(kinds) > 0 {
			s.kinds = append([]int(nil), kinds...)
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs adaptive fetches against a Source. At most one run is
// live per Scheduler: starting a new run tears down the previous one.
type Scheduler struct {
	src         Source
	stepTimeout time.Duration
	stepDelay   time.Duration
	exclude     func(nostr.Event) bool
	kinds       []int
	now         func() time.Time

	mu      sync.Mutex
	current *Run
}

// NewScheduler creates a scheduler reading from src.
func NewScheduler(src Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:         src,
		stepTimeout: DefaultStepTimeout,
		stepDelay:   DefaultStepDelay,
		exclude:     nostr.IsReply,
		kinds:       []int{nostr.KindTextNote},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins a run for authors. Events arrive on the returned Run's
// Events channel until it closes. A previous run on this scheduler is
// canceled before Start returns.
func (s *Scheduler) Start(ctx context.Context, authors []string, p Params) (*Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:      uuid.NewString(),
		sched:   s,
		authors: dedupeAuthors(authors),
		params:  p,
		events:  make(chan Event),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.current
	s.current = r
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		logging.Debug("Superseded fetch run", "run", prev.ID, "by", r.ID)
	}

	logging.Info("Fetch run started",
		"run", r.ID,
		"authors", len(r.authors),
		"desired", p.DesiredCount)
	go r.loop()
	return r, nil
}

// Current returns the live run, or nil.
func (s *Scheduler) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) isCurrent(r *Run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == r
}

func (s *Scheduler) release(r *Run) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
}

// Run is one fetch session.
type Run struct {
	ID string

	sched   *Scheduler
	authors []string
	params  Params

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stale  atomic.Bool
	err    error // set before done closes
}

// Events returns the run's event stream. It is closed when the run ends.
// Events are unbuffered: a consumer that stops reading stalls the run.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel stops the run and waits for it to exit. Nothing is delivered on
// Events after Cancel returns. Safe to call more than once.
func (r *Run) Cancel() {
	r.stale.Store(true)
	r.cancel()
	<-r.done
}

// Wait blocks until the run ends.
func (r *Run) Wait() { <-r.done }

// Done is closed when the run ends.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err reports why the run ended: nil after Complete, the context error
// after cancellation.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Run) loop() {
	defer close(r.done)
	defer close(r.events)
	defer r.sched.release(r)
	defer r.cancel()

	r.err = r.run()
	if r.err != nil && !errors.Is(r.err, context.Canceled) {
		logging.Warn("Fetch run ended", "run", r.ID, "error", r.err)
	}
}

// window is the adaptive state carried between steps.
type window struct {
	step    int
	limit   float64
	horizon time.Duration
	until   int64
}

func (r *Run) run() error {
	p := r.params
	s := r.sched

	if len(r.authors) == 0 {
		r.emit(Complete{RunID: r.ID, Exhausted: true})
		return r.ctx.Err()
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if s.stepDelay > 0 {
		pace = rate.NewLimiter(rate.Every(s.stepDelay), 1)
	}

	w := window{
		limit:   float64(p.InitialLimit),
		horizon: p.InitialHorizon,
		until:   s.now().Unix(),
	}
	seen := make(map[string]struct{})

	for {
		if err := pace.Wait(r.ctx); err != nil {
			return err
		}
		w.step++

		resultLimit := int(math.Ceil(w.limit))
		queryLimit := min(int(math.Ceil(w.limit*p.Overfetch)), p.MaxLimit)
		since := w.until - int64((w.horizon+p.ClockSkewMargin)/time.Second)

		if !r.emit(Progress{
			RunID:       r.ID,
			Step:        w.step,
			Limit:       queryLimit,
			ResultLimit: resultLimit,
			Horizon:     w.horizon,
			Since:       time.Unix(since, 0),
			Until:       time.Unix(w.until, 0),
			Total:       len(seen),
		}) {
			return r.stopErr()
		}

		received := r.query(nostr.Filter{
			Authors: r.authors,
			Kinds:   s.kinds,
			Since:   nostr.Timestamp(since),
			Until:   nostr.Timestamp(w.until),
			Limit:   queryLimit,
		})
		if r.stale.Load() {
			return r.stopErr()
		}

		var fresh []feeds.Note
		for _, ev := range received {
			if ev.ID == "" {
				continue
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			if s.exclude != nil && s.exclude(ev) {
				continue
			}
			seen[ev.ID] = struct{}{}
			fresh = append(fresh, feeds.FromEvent(ev))
		}

		if len(fresh) > 0 {
			if !r.emit(Batch{RunID: r.ID, Step: w.step, Notes: fresh}) {
				return r.stopErr()
			}
		}

		limitFull := w.limit >= float64(p.MaxLimit)
		horizonFull := w.horizon >= p.MaxHorizon
		if len(seen) >= p.DesiredCount || (len(fresh) == 0 && limitFull && horizonFull) {
			exhausted := len(seen) < p.DesiredCount
			logging.Info("Fetch run complete",
				"run", r.ID,
				"total", len(seen),
				"steps", w.step,
				"exhausted", exhausted)
			r.emit(Complete{RunID: r.ID, Total: len(seen), Steps: w.step, Exhausted: exhausted})
			return nil
		}

		if len(fresh) == 0 {
			// Nothing new: widen fast. Once the horizon is saturated the limit
			// takes over so both caps are eventually reached.
			if horizonFull {
				w.limit = math.Min(w.limit*p.GrowthFast, float64(p.MaxLimit))
			}
			w.horizon = growHorizon(w.horizon, p.GrowthFast, p.MaxHorizon)
			logging.Debug("Empty step, widening", "run", r.ID, "step", w.step, "horizon", w.horizon)
		} else {
			w.limit = math.Min(w.limit*p.GrowthSlow, float64(p.MaxLimit))
			w.horizon = growHorizon(w.horizon, p.GrowthSlow, p.MaxHorizon)
			logging.Debug("Partial step", "run", r.ID, "step", w.step, "new", len(fresh), "total", len(seen))
		}

		w.until -= int64(float64(w.horizon/time.Second) * (1 - p.OverlapRatio))
		if now := s.now().Unix(); w.until > now {
			w.until = now
		}
	}
}

// query collects one step's events. The step ends at end of stream or
// when the step timeout fires; either way the events received so far count.
func (r *Run) query(f nostr.Filter) []nostr.Event {
	ctx, cancel := context.WithTimeout(r.ctx, r.sched.stepTimeout)
	defer cancel()

	ch, err := r.sched.src.Query(ctx, f)
	if err != nil {
		logging.Warn("Fetch step query failed", "run", r.ID, "error", err)
		return nil
	}

	var out []nostr.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			if r.stale.Load() || !r.sched.isCurrent(r) {
				continue
			}
			out = append(out, ev)
		case <-ctx.Done():
			if r.ctx.Err() == nil {
				logging.Debug("Fetch step timed out", "run", r.ID, "received", len(out))
			}
			return out
		}
	}
}

// emit delivers ev unless the run has been torn down.
func (r *Run) emit(ev Event) bool {
	if r.stale.Load() || r.ctx.Err() != nil {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Run) stopErr() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func growHorizon(h time.Duration, factor float64, ceiling time.Duration) time.Duration {
	grown := time.Duration(float64(h) * factor)
	if grown > ceiling || grown < h {
		return ceiling
	}
	return grown
}

func dedupeAuthors(authors []string) []string {
	seen := make(map[string]struct{}, len(authors))
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
