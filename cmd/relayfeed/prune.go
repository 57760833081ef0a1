package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/abelbrown/relayfeed/internal/logging"
)

func runPrune() {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath, _ := commonFlags(fs)
	older := fs.Duration("older", 30*24*time.Hour, "Remove events created before now minus this")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*configPath)
	cfg.Log.Dir = ""
	setupLogging(cfg, os.Stderr)
	defer logging.Close()

	if cfg.Store.Path == "" || cfg.Store.Path == ":memory:" {
		log.Fatal("prune needs a file store.path")
	}
	st := openStore(cfg)
	defer st.Close()

	ctx := context.Background()
	cutoff := time.Now().Add(-*older)
	removed, err := st.Prune(ctx, cutoff)
	if err != nil {
		log.Fatalf("prune failed: %v", err)
	}
	left, err := st.CountEvents(ctx)
	if err != nil {
		log.Fatalf("count failed: %v", err)
	}
	fmt.Printf("Removed %s events older than %s, %s left\n",
		humanize.Comma(removed), humanize.Time(cutoff), humanize.Comma(int64(left)))
}
