package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/abelbrown/relayfeed/internal/coord"
	"github.com/abelbrown/relayfeed/internal/feeds"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/nostr"
)

func runFetch() {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configPath, offline := commonFlags(fs)
	limit := fs.Int("n", 20, "Notes to print")
	desired := fs.Int("desired", 0, "Override feed.desired_count")
	authorList := fs.String("authors", "", "Comma separated authors, overrides config")
	interactions := fs.Bool("interactions", false, "Fetch interactions for the printed notes (needs store.path)")
	verbose := fs.Bool("v", false, "Log to stderr at debug level")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*configPath)
	if *desired > 0 {
		cfg.Feed.DesiredCount = *desired
	}
	if *authorList != "" {
		cfg.Authors = splitAuthors(*authorList)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	cfg.Log.Dir = ""
	setupLogging(cfg, os.Stderr)

	e := newEnv(cfg, *offline)
	defer e.close()
	authors := e.authors()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	events := e.feed.Subscribe()
	done := make(chan error, 1)
	go func() { done <- e.feed.Load(ctx, authors) }()

	var err error
wait:
	for {
		select {
		case ev := <-events:
			printRunEvent(ev)
		case err = <-done:
			break wait
		}
	}
	for len(events) > 0 {
		printRunEvent(<-events)
	}
	e.feed.Unsubscribe(events)
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}

	notes := e.feed.Notes()
	if len(notes) > *limit {
		notes = notes[:*limit]
	}

	if *interactions {
		if e.store == nil {
			log.Fatal("-interactions needs store.path")
		}
		enrichAll(ctx, e, notes)
	}

	fmt.Println()
	printNotes(ctx, e, notes, *interactions)
}

func printRunEvent(ev fetch.Event) {
	switch e := ev.(type) {
	case fetch.Progress:
		fmt.Printf("step %-3d limit %-4d horizon %-10s since %-16s held %d\n",
			e.Step, e.ResultLimit, e.Horizon, humanize.Time(e.Since), e.Total)
	case fetch.Batch:
		fmt.Printf("         +%d new\n", len(e.Notes))
	case fetch.Complete:
		state := "complete"
		if e.Exhausted {
			state = "exhausted"
		}
		fmt.Printf("%s: %d notes in %d steps\n", state, e.Total, e.Steps)
	}
}

// enrichAll requests interactions for notes and waits for the coordinator
// to drain.
func enrichAll(ctx context.Context, e *env, notes []feeds.Note) {
	wc := e.feed.Coordinator()
	for _, n := range notes {
		if !e.feed.EnrichNote(n.ID) {
			fmt.Fprintf(os.Stderr, "interactions for %s dropped, queue full\n", shortKey(n.ID))
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := wc.Stats()
		if st.InFlight == 0 && st.QueueSize == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printNotes(ctx context.Context, e *env, notes []feeds.Note, withCounts bool) {
	for i, n := range notes {
		pow := ""
		if n.PowBits > 0 {
			pow = fmt.Sprintf("pow %d", n.PowBits)
		}
		fmt.Printf("%3d. %5d  %-8s  %-7s  %-16s  %s\n",
			i+1, coord.PriorityOf(n), shortKey(n.Author), pow,
			humanize.Time(n.CreatedAt),
			truncate(strings.ReplaceAll(n.Event.Content, "\n", " "), 60))

		if !withCounts {
			continue
		}
		counts, err := e.store.CountInteractions(ctx, n.ID)
		if err != nil {
			fmt.Printf("      interactions unavailable: %v\n", err)
			continue
		}
		fmt.Printf("      %d reactions, %d replies, %d reposts, pow score %.1f%s\n",
			counts.Reactions, counts.Replies, counts.Reposts, counts.Score.Total, delegatedMark(counts.Score))
	}
}

func delegatedMark(s nostr.PowScore) string {
	if s.Delegated {
		return " (delegated)"
	}
	return ""
}

func splitAuthors(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
