package relay

import (
	"context"
	"time"

	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
	"github.com/abelbrown/relayfeed/internal/work"
)

// Interaction fetch bounds.
const (
	InteractionsLimit   = 500
	InteractionsTimeout = 10 * time.Second
)

// InteractionsFilter selects reactions, replies and reposts of a note.
func InteractionsFilter(noteID string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindReaction, nostr.KindTextNote, nostr.KindRepost},
		Tags:  map[string][]string{"e": {noteID}},
		Limit: InteractionsLimit,
	}
}

// Interactions returns a fetcher for work.Request that pulls a note's
// interactions from src into sink. The handle completes at end of stream,
// on timeout, or on Cancel. A nil sink discards the events, which is right
// when src already stores what it sees.
func Interactions(src fetch.Source, noteID string, sink Sink) func() work.Handle {
	return func() work.Handle {
		return work.Go(context.Background(), func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, InteractionsTimeout)
			defer cancel()

			events, err := src.Query(ctx, InteractionsFilter(noteID))
			if err != nil {
				return err
			}
			var got []nostr.Event
			for ev := range events {
				got = append(got, ev)
			}
			logging.Debug("Interactions fetched", "note", shortID(noteID), "count", len(got))

			if sink == nil || len(got) == 0 {
				return nil
			}
			// Keep what arrived even if the fetch was canceled.
			_, err = sink.SaveEvents(context.WithoutCancel(ctx), got)
			return err
		})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
