package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abelbrown/relayfeed/internal/api"
	"github.com/abelbrown/relayfeed/internal/config"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/relay"
)

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath, offline := commonFlags(fs)
	addr := fs.String("addr", "", "Listen address, overrides api.addr")
	interval := fs.Duration("interval", 10*time.Minute, "Reload interval, 0 loads once")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	setupLogging(cfg, os.Stderr)
	gin.SetMode(gin.ReleaseMode)

	e := newEnv(cfg, *offline)
	defer e.close()
	authors := e.authors()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.feed.Start(ctx, authors, *interval)

	// Limits and relays apply live; authors and fetch params on the next load
	go func() {
		err := config.Watch(ctx, *configPath, func(c *config.Config) {
			e.feed.Coordinator().Configure(c.Interactions.MaxConcurrent, c.Interactions.MaxQueue)
			e.feed.SetOptions(feedOptions(c))
			e.pool.SetRelayMap(relay.RelayMap(c.AuthorRelays))
			if e.store != nil {
				e.store.SetPowWeights(c.Scoring)
			}
			logging.Info("Config reloaded",
				"max_concurrent", c.Interactions.MaxConcurrent,
				"max_queue", c.Interactions.MaxQueue)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("Config watch stopped", "error", err)
		}
	}()

	reload := func() {
		go func() {
			if err := e.feed.Load(ctx, authors); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logging.Warn("Reload failed", "error", err)
			}
		}()
	}

	var counts api.Counter
	if e.store != nil {
		counts = e.store
	}
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewRouter(e.feed, counts, reload),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("API listening", "addr", cfg.API.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown", "error", err)
	}
	stop()
	e.feed.Wait()
}
