package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/abelbrown/relayfeed/internal/config"
	"github.com/abelbrown/relayfeed/internal/coord"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/ranking"
	"github.com/abelbrown/relayfeed/internal/relay"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/work"
)

// env holds everything a command needs, built from one config.
type env struct {
	cfg   *config.Config
	store *store.Store // nil when the cache is disabled
	pool  *relay.Pool
	feed  *coord.Feed
}

// commonFlags registers the flags every feed command shares.
func commonFlags(fs *flag.FlagSet) (configPath *string, offline *bool) {
	configPath = fs.String("config", config.Path(), "Config file")
	offline = fs.Bool("offline", false, "Read only from the local event cache")
	return configPath, offline
}

// loadConfig reads the config file, applies the environment and validates.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	return cfg
}

// setupLogging logs to the configured directory, or to w when it is empty.
func setupLogging(cfg *config.Config, w io.Writer) {
	if cfg.Log.Dir == "" {
		logging.InitWriter(w, cfg.Log.Level)
		return
	}
	if err := logging.Init(cfg.Log.Dir, cfg.Log.Level); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
}

// openStore opens the event cache, or returns nil when none is configured.
func openStore(cfg *config.Config) *store.Store {
	if cfg.Store.Path == "" {
		return nil
	}
	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			log.Fatalf("failed to create data directory: %v", err)
		}
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("failed to open event cache: %v", err)
	}
	st.SetPowWeights(cfg.Scoring)
	return st
}

// feedOptions maps config onto the feed.
func feedOptions(cfg *config.Config) coord.Options {
	return coord.Options{
		Params:    cfg.Feed.Params,
		PerAuthor: cfg.Interactions.PerAuthor,
		TrimSize:  cfg.Interactions.TrimSize,
	}
}

// newEnv wires store, relays, scheduler, prioritizer and coordinator into
// a feed. Offline mode reads from the cache alone.
func newEnv(cfg *config.Config, offline bool) *env {
	e := &env{cfg: cfg, store: openStore(cfg)}

	var poolOpts []relay.PoolOption
	poolOpts = append(poolOpts, relay.WithRelayMap(relay.RelayMap(cfg.AuthorRelays)))
	if e.store != nil {
		poolOpts = append(poolOpts, relay.WithSink(e.store))
	}
	e.pool = relay.NewPool(cfg.Relays, poolOpts...)

	var src fetch.Source = e.pool
	switch {
	case offline && e.store == nil:
		log.Fatal("offline mode needs store.path")
	case offline:
		src = e.store
	case e.store != nil:
		// Cached events arrive at once, relays fill in the rest
		src = fetch.Multi(e.store, e.pool)
	}

	sched := fetch.NewScheduler(src,
		fetch.WithStepTimeout(cfg.Feed.StepTimeout),
		fetch.WithStepDelay(cfg.Feed.StepDelay))
	prio := ranking.NewPrioritizer(cfg.Priority)
	wc := work.NewCoordinator(cfg.Interactions.MaxConcurrent, cfg.Interactions.MaxQueue)

	// The pool already stores what it sees
	enrich := func(noteID string) func() work.Handle {
		return relay.Interactions(src, noteID, nil)
	}

	e.feed = coord.NewFeed(sched, prio, wc, enrich, feedOptions(cfg))
	return e
}

// authors returns the followed authors or exits with a hint.
func (e *env) authors() []string {
	if len(e.cfg.Authors) == 0 {
		fmt.Fprintln(os.Stderr, "error: no authors to follow")
		fmt.Fprintln(os.Stderr, "  set authors in the config file or RELAYFEED_AUTHORS")
		os.Exit(1)
	}
	return e.cfg.Authors
}

// close stops enrichment and releases connections.
func (e *env) close() {
	e.feed.Coordinator().Clear()
	if err := e.pool.Close(); err != nil && !errors.Is(err, relay.ErrClosed) {
		logging.Warn("Failed to close relay pool", "error", err)
	}
	if e.store != nil {
		e.store.Close()
	}
	logging.Close()
}

func shortKey(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
