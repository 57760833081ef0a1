package work

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/abelbrown/relayfeed/internal/logging"
)

// funcHandle runs a blocking fetch in its own goroutine.
type funcHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts fn in a goroutine and returns a Handle for it. Cancel cancels
// the context passed to fn; Done closes when fn returns. Errors are the
// fetch's own concern: they are logged and available from Err, but the
// coordinator only needs the completion signal.
func Go(ctx context.Context, fn func(ctx context.Context) error) Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &funcHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.setErr(fmt.Errorf("panic: %v", r))
				logging.Error("Interactions fetch panicked", "panic", fmt.Sprint(r))
			}
		}()

		if err := fn(ctx); err != nil {
			h.setErr(err)
			if !errors.Is(err, context.Canceled) {
				logging.Debug("Interactions fetch failed", "error", err)
			}
		}
	}()
	return h
}

// Cancel implements Handle.
func (h *funcHandle) Cancel() { h.cancel() }

// Done implements Handle.
func (h *funcHandle) Done() <-chan struct{} { return h.done }

// Err returns the error fn returned, once Done is closed.
func (h *funcHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *funcHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}
