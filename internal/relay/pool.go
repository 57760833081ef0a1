package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
)

// ErrNoRelays is returned when a query has nowhere to go.
var ErrNoRelays = errors.New("relay: no relays for query")

// Sink receives every event the pool sees, e.g. a local cache.
type Sink interface {
	SaveEvents(ctx context.Context, events []nostr.Event) (int, error)
}

// RelayMap maps an author pubkey to the relays they publish to.
type RelayMap map[string][]string

const (
	defaultDialTimeout = 5 * time.Second
	defaultReqRate     = rate.Limit(5)
	defaultReqBurst    = 5
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRelayMap sets the author relay map.
func WithRelayMap(m RelayMap) PoolOption {
	return func(p *Pool) { p.relayMap = copyRelayMap(m) }
}

// WithSink stores every received event.
func WithSink(s Sink) PoolOption {
	return func(p *Pool) { p.sink = s }
}

// WithRateLimit caps REQs per second to each relay.
func WithRateLimit(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) {
		p.reqRate, p.reqBurst = r, burst
	}
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Pool keeps one connection per relay and fans queries out over them.
// It implements fetch.Source.
type Pool struct {
	defaults    []string
	relayMap    RelayMap
	sink        Sink
	dialTimeout time.Duration
	reqRate     rate.Limit
	reqBurst    int

	mu       sync.Mutex
	conns    map[string]*Conn
	limiters map[string]*rate.Limiter
	closed   bool

	dials singleflight.Group
}

// NewPool creates a pool that falls back to defaults when no author in a
// query has known relays.
func NewPool(defaults []string, opts ...PoolOption) *Pool {
	p := &Pool{
		defaults:    append([]string(nil), defaults...),
		relayMap:    make(RelayMap),
		dialTimeout: defaultDialTimeout,
		reqRate:     defaultReqRate,
		reqBurst:    defaultReqBurst,
		conns:       make(map[string]*Conn),
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetRelayMap replaces the author relay map.
func (p *Pool) SetRelayMap(m RelayMap) {
	p.mu.Lock()
	p.relayMap = copyRelayMap(m)
	p.mu.Unlock()
}

// RelaysFor returns the union of the authors' relays, or the defaults when
// none are known. The result is sorted.
func (p *Pool) RelaysFor(authors []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := make(map[string]struct{})
	for _, a := range authors {
		for _, url := range p.relayMap[a] {
			set[url] = struct{}{}
		}
	}
	if len(set) == 0 {
		for _, url := range p.defaults {
			set[url] = struct{}{}
		}
	}
	urls := make([]string, 0, len(set))
	for url := range set {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Query implements fetch.Source. Each relay is subscribed in parallel and
// the stream ends when every relay has reached end of stored events.
// Events are deduplicated by id within the query. A relay that cannot be
// reached is logged and skipped.
func (p *Pool) Query(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	urls := p.RelaysFor(f.Authors)
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	out := make(chan nostr.Event)
	var (
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
		got    []nostr.Event
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		g.Go(func() error {
			events, err := p.subscribe(gctx, url, f)
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn("Relay query failed", "relay", url, "error", err)
				}
				return nil
			}
			for ev := range events {
				seenMu.Lock()
				_, dup := seen[ev.ID]
				if !dup {
					seen[ev.ID] = struct{}{}
					got = append(got, ev)
				}
				seenMu.Unlock()
				if dup {
					continue
				}
				select {
				case out <- ev:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		// Stored before the stream ends so readers of the sink see them
		p.save(got)
		close(out)
	}()
	return out, nil
}

func (p *Pool) subscribe(ctx context.Context, url string, f nostr.Filter) (<-chan nostr.Event, error) {
	c, err := p.conn(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := p.limiter(url).Wait(ctx); err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, f)
}

// conn returns a live connection to url, dialing at most once at a time.
func (p *Pool) conn(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := p.conns[url]; ok {
		if c.Err() == nil {
			p.mu.Unlock()
			return c, nil
		}
		delete(p.conns, url)
	}
	p.mu.Unlock()

	v, err, _ := p.dials.Do(url, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
		defer cancel()
		c, err := Dial(dctx, url)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			c.Close()
			return nil, ErrClosed
		}
		p.conns[url] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

func (p *Pool) limiter(url string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[url]
	if !ok {
		l = rate.NewLimiter(p.reqRate, p.reqBurst)
		p.limiters[url] = l
	}
	return l
}

func (p *Pool) save(events []nostr.Event) {
	if p.sink == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := p.sink.SaveEvents(ctx, events)
	if err != nil {
		logging.Warn("Failed to store events", "count", len(events), "error", err)
		return
	}
	logging.Debug("Stored events", "received", len(events), "new", n)
}

// Connected returns the urls with a live connection, sorted.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.conns))
	for url, c := range p.conns {
		if c.Err() == nil {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// Close closes every connection. Queries after Close fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	var errs []error
	for url, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func copyRelayMap(m RelayMap) RelayMap {
	out := make(RelayMap, len(m))
	for author, urls := range m {
		out[author] = append([]string(nil), urls...)
	}
	return out
}
