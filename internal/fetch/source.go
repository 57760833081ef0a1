package fetch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
)

// Source queries some set of relays (or a cache) for events.
//
// The returned channel carries matching events and is closed at end of
// stream. Canceling ctx releases the subscription; the channel must then
// be closed promptly.
type Source interface {
	Query(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error)

// Query implements Source.
func (fn SourceFunc) Query(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
	return fn(ctx, f)
}

// multiSource merges several sources into one stream.
type multiSource struct {
	sources []Source
}

// Multi queries every source and merges their streams. The merged stream
// ends when all inner streams end. A failing source is logged and skipped;
// Query fails only if every source fails.
func Multi(sources ...Source) Source {
	return &multiSource{sources: sources}
}

// Query implements Source.
func (m *multiSource) Query(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
	streams := make([]<-chan nostr.Event, 0, len(m.sources))
	var errs []error
	for i, src := range m.sources {
		ch, err := src.Query(ctx, f)
		if err != nil {
			logging.Warn("Source query failed", "source", i, "error", err)
			errs = append(errs, err)
			continue
		}
		streams = append(streams, ch)
	}
	if len(streams) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all sources failed: %w", errors.Join(errs...))
	}

	out := make(chan nostr.Event)
	var g errgroup.Group
	for _, ch := range streams {
		g.Go(func() error {
			forward(ctx, ch, out)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out, nil
}

// forward copies in to out until in closes or ctx ends.
func forward(ctx context.Context, in <-chan nostr.Event, out chan<- nostr.Event) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
