// Package relay speaks the nostr relay protocol over websockets and pools
// connections into a fetch.Source.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/nostr"
)

// ErrClosed is returned when using a closed Conn or Pool.
var ErrClosed = errors.New("relay: closed")

const origin = "http://localhost/"

// Conn is one websocket to one relay. Subscriptions are multiplexed over
// it by subscription id.
type Conn struct {
	URL string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription

	done      chan struct{}
	closeOnce sync.Once
	err       error // set before done closes
}

type subscription struct {
	id   string
	in   chan nostr.Event // fed by the read loop, never closed
	eose chan struct{}    // closed on EOSE or CLOSED
	stop chan struct{}    // closed when the subscriber goes away

	eoseOnce      sync.Once
	closedByRelay atomic.Bool
}

// Dial opens a connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("relay config %s: %w", url, err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		URL:  url,
		ws:   ws,
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
	go c.readLoop()
	logging.Debug("Relay connected", "relay", url)
	return c, nil
}

// Subscribe sends a REQ and streams matching events. The channel closes at
// end of stored events, when the relay closes the subscription, when ctx
// ends, or when the connection drops. A CLOSE is sent unless the relay
// closed the subscription itself.
func (c *Conn) Subscribe(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	sub := &subscription{
		id:   uuid.NewString(),
		in:   make(chan nostr.Event),
		eose: make(chan struct{}),
		stop: make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.send([]any{"REQ", sub.id, f}); err != nil {
		c.forget(sub.id)
		return nil, err
	}

	out := make(chan nostr.Event)
	go c.forward(ctx, sub, out)
	return out, nil
}

// forward relays a subscription's events to out until it ends.
func (c *Conn) forward(ctx context.Context, sub *subscription, out chan<- nostr.Event) {
	defer close(out)
	defer func() {
		close(sub.stop)
		c.forget(sub.id)
		if sub.closedByRelay.Load() {
			return
		}
		select {
		case <-c.done:
		default:
			if err := c.send([]any{"CLOSE", sub.id}); err != nil {
				logging.Debug("Relay CLOSE failed", "relay", c.URL, "sub", sub.id, "error", err)
			}
		}
	}()

	for {
		select {
		case ev := <-sub.in:
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-sub.eose:
			return
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Conn) lookup(id string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Conn) send(msg []any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.JSON.Send(c.ws, msg); err != nil {
		return fmt.Errorf("send to %s: %w", c.URL, err)
	}
	return nil
}

// readLoop demultiplexes relay messages until the socket fails.
func (c *Conn) readLoop() {
	for {
		var data []byte
		if err := websocket.Message.Receive(c.ws, &data); err != nil {
			c.shutdown(err)
			return
		}

		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			logging.Debug("Relay sent malformed message", "relay", c.URL)
			continue
		}
		var label, arg string
		if err := json.Unmarshal(msg[0], &label); err != nil {
			continue
		}
		_ = json.Unmarshal(msg[1], &arg)

		switch label {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			sub := c.lookup(arg)
			if sub == nil {
				continue
			}
			var ev nostr.Event
			if err := json.Unmarshal(msg[2], &ev); err != nil {
				continue
			}
			if !ev.CheckID() {
				logging.Debug("Dropping event with bad id", "relay", c.URL, "id", ev.ID)
				continue
			}
			select {
			case sub.in <- ev:
			case <-sub.stop:
			}

		case "EOSE":
			if sub := c.lookup(arg); sub != nil {
				sub.eoseOnce.Do(func() { close(sub.eose) })
			}

		case "CLOSED":
			if sub := c.lookup(arg); sub != nil {
				var reason string
				if len(msg) > 2 {
					_ = json.Unmarshal(msg[2], &reason)
				}
				logging.Debug("Relay closed subscription", "relay", c.URL, "sub", arg, "reason", reason)
				sub.closedByRelay.Store(true)
				sub.eoseOnce.Do(func() { close(sub.eose) })
			}

		case "NOTICE":
			logging.Info("Relay notice", "relay", c.URL, "message", arg)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close ends the connection and every subscription on it.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}
