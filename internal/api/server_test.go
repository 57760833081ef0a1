package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/relayfeed/internal/coord"
	"github.com/abelbrown/relayfeed/internal/fetch"
	"github.com/abelbrown/relayfeed/internal/nostr"
	"github.com/abelbrown/relayfeed/internal/ranking"
	"github.com/abelbrown/relayfeed/internal/store"
	"github.com/abelbrown/relayfeed/internal/work"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubHandle struct{ done chan struct{} }

func (h *stubHandle) Cancel() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
func (h *stubHandle) Done() <-chan struct{} { return h.done }

type stubCounter struct {
	counts store.Counts
	err    error
}

func (s stubCounter) CountInteractions(context.Context, string) (store.Counts, error) {
	return s.counts, s.err
}

// newTestFeed loads n notes into a feed whose coordinator has one slot
// and room for one queued request.
func newTestFeed(t *testing.T, n int) *coord.Feed {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)

	var events []nostr.Event
	for i := 0; i < n; i++ {
		events = append(events, nostr.Event{
			ID:        fmt.Sprintf("f%063x", i),
			PubKey:    fmt.Sprintf("author%d", i),
			CreatedAt: now.Add(-time.Duration(i) * time.Minute).Unix(),
			Kind:      nostr.KindTextNote,
			Content:   fmt.Sprintf("note %d", i),
		})
	}
	src := fetch.SourceFunc(func(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
		ch := make(chan nostr.Event, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	})

	sched := fetch.NewScheduler(src,
		fetch.WithStepDelay(0),
		fetch.WithClock(func() time.Time { return now }))
	enrich := func(string) func() work.Handle {
		return func() work.Handle { return &stubHandle{done: make(chan struct{})} }
	}
	params := fetch.DefaultParams()
	params.DesiredCount = max(n, 1)
	f := coord.NewFeed(sched, ranking.NewPrioritizer(ranking.DefaultConfig()), work.NewCoordinator(1, 1), enrich,
		coord.Options{Params: params, TrimSize: 100})
	require.NoError(t, f.Load(context.Background(), []string{"anyone"}))
	return f
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthz(t *testing.T) {
	r := NewRouter(newTestFeed(t, 0), nil, nil)
	w := do(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListNotes(t *testing.T) {
	r := NewRouter(newTestFeed(t, 5), nil, nil)

	w := do(r, http.MethodGet, "/notes")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Notes []NoteResp `json:"notes"`
	}
	decode(t, w, &body)
	require.Len(t, body.Notes, 5)
	assert.Equal(t, "note 0", body.Notes[0].Content, "freshest note first")
	for i := 1; i < len(body.Notes); i++ {
		assert.GreaterOrEqual(t, body.Notes[i-1].Priority, body.Notes[i].Priority)
	}

	w = do(r, http.MethodGet, "/notes?limit=2")
	decode(t, w, &body)
	assert.Len(t, body.Notes, 2)

	w = do(r, http.MethodGet, "/notes?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	r := NewRouter(newTestFeed(t, 3), nil, nil)

	w := do(r, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var body StatsResp
	decode(t, w, &body)

	assert.True(t, body.Run.Complete)
	assert.False(t, body.Run.Running)
	assert.Equal(t, 3, body.Run.Total)
	assert.Equal(t, 3, body.Run.Notes)
	assert.Equal(t, 1, body.Interactions.MaxConcurrent)
	assert.Equal(t, 1, body.Interactions.MaxQueueSize)
}

func TestRequestAndCancelInteractions(t *testing.T) {
	f := newTestFeed(t, 3)
	r := NewRouter(f, nil, nil)
	notes := f.Notes()

	w := do(r, http.MethodPost, "/interactions/"+notes[0].ID)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(r, http.MethodPost, "/interactions/"+notes[1].ID)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Queue holds one and the third note is no stronger than the queued one
	w = do(r, http.MethodPost, "/interactions/"+notes[2].ID)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, []string{notes[0].ID}, f.Coordinator().InFlight())
	assert.Equal(t, []string{notes[1].ID}, f.Coordinator().Queued())

	// Queued-only cancel leaves the running fetch
	w = do(r, http.MethodDelete, "/interactions/"+notes[0].ID+"?queued=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{notes[0].ID}, f.Coordinator().InFlight())

	// Full cancel stops it and the queued request starts
	w = do(r, http.MethodDelete, "/interactions/"+notes[0].ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{notes[1].ID}, f.Coordinator().InFlight())

	st := f.Coordinator().Stats()
	assert.Equal(t, int64(1), st.TotalCanceled)
	assert.Equal(t, int64(1), st.TotalDropped)
}

func TestRequestInteractionsExplicitPriority(t *testing.T) {
	f := newTestFeed(t, 0)
	r := NewRouter(f, nil, nil)

	w := do(r, http.MethodPost, "/interactions/abc?priority=5")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"abc"}, f.Coordinator().InFlight())

	w = do(r, http.MethodPost, "/interactions/abc?priority=high")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/interactions/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCountInteractions(t *testing.T) {
	f := newTestFeed(t, 0)

	counts := store.Counts{
		Reactions: 2,
		Replies:   1,
		Score:     nostr.PowScore{Root: 4, Reactions: 2, Replies: 1.4, Total: 7.4, HasPow: true},
	}
	r := NewRouter(f, stubCounter{counts: counts}, nil)
	w := do(r, http.MethodGet, "/notes/abc/interactions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"reactions": 2, "replies": 1, "reposts": 0, "total": 3,
		"pow": {"root": 4, "reactions": 2, "replies": 1.4, "profile": 0, "total": 7.4, "has_pow": true, "delegated": false}
	}`, w.Body.String())

	r = NewRouter(f, stubCounter{err: errors.New("disk")}, nil)
	w = do(r, http.MethodGet, "/notes/abc/interactions")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	r = NewRouter(f, nil, nil)
	w = do(r, http.MethodGet, "/notes/abc/interactions")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReload(t *testing.T) {
	f := newTestFeed(t, 0)

	w := do(NewRouter(f, nil, nil), http.MethodPost, "/reload")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var calls atomic.Int32
	w = do(NewRouter(f, nil, func() { calls.Add(1) }), http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(1), calls.Load())
}
