// Package api exposes the feed over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abelbrown/relayfeed/internal/coord"
	"github.com/abelbrown/relayfeed/internal/logging"
	"github.com/abelbrown/relayfeed/internal/store"
)

const defaultNotesLimit = 50

// Counter reports stored interactions for a note.
type Counter interface {
	CountInteractions(ctx context.Context, noteID string) (store.Counts, error)
}

// Server holds what the handlers need.
type Server struct {
	feed   *coord.Feed
	counts Counter
	reload func()
}

// NoteResp is one note in a listing.
type NoteResp struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	PowBits   int       `json:"pow_bits"`
	Priority  float64   `json:"priority"`
	Content   string    `json:"content"`
}

// RunResp describes the latest fetch run.
type RunResp struct {
	ID        string `json:"id"`
	Running   bool   `json:"running"`
	Step      int    `json:"step"`
	Limit     int    `json:"limit"`
	Horizon   string `json:"horizon"`
	Total     int    `json:"total"`
	Notes     int    `json:"notes"`
	Complete  bool   `json:"complete"`
	Exhausted bool   `json:"exhausted"`
	Error     string `json:"error,omitempty"`
}

// InteractionsResp mirrors the coordinator's statistics.
type InteractionsResp struct {
	Queued         []string `json:"queued"`
	InFlight       []string `json:"in_flight"`
	MaxConcurrent  int      `json:"max_concurrent"`
	MaxQueueSize   int      `json:"max_queue_size"`
	TotalRequested int64    `json:"total_requested"`
	TotalCompleted int64    `json:"total_completed"`
	TotalCanceled  int64    `json:"total_canceled"`
	TotalDropped   int64    `json:"total_dropped"`
}

// StatsResp is the /stats body.
type StatsResp struct {
	Run          RunResp          `json:"run"`
	Interactions InteractionsResp `json:"interactions"`
}

// NewRouter builds the HTTP API. counts and reload may be nil.
func NewRouter(feed *coord.Feed, counts Counter, reload func()) *gin.Engine {
	s := &Server{feed: feed, counts: counts, reload: reload}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		JSONOK(c, gin.H{"status": "ok"})
	})
	r.GET("/stats", s.stats)
	r.GET("/notes", s.listNotes)
	r.GET("/notes/:id/interactions", s.countInteractions)
	r.POST("/interactions/:id", s.requestInteractions)
	r.DELETE("/interactions/:id", s.cancelInteractions)
	r.POST("/reload", s.triggerReload)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func (s *Server) stats(c *gin.Context) {
	st := s.feed.Status()
	run := RunResp{
		ID:      st.RunID,
		Running: st.Running,
		Step:    st.Progress.Step,
		Limit:   st.Progress.Limit,
		Horizon: st.Progress.Horizon.String(),
		Total:   st.Progress.Total,
		Notes:   st.Notes,
	}
	if st.Complete != nil {
		run.Complete = true
		run.Exhausted = st.Complete.Exhausted
		run.Total = st.Complete.Total
	}
	if st.Err != nil {
		run.Error = st.Err.Error()
	}

	wc := s.feed.Coordinator()
	ws := wc.Stats()
	JSONOK(c, StatsResp{
		Run: run,
		Interactions: InteractionsResp{
			Queued:         wc.Queued(),
			InFlight:       wc.InFlight(),
			MaxConcurrent:  ws.MaxConcurrent,
			MaxQueueSize:   ws.MaxQueueSize,
			TotalRequested: ws.TotalRequested,
			TotalCompleted: ws.TotalCompleted,
			TotalCanceled:  ws.TotalCanceled,
			TotalDropped:   ws.TotalDropped,
		},
	})
}

func (s *Server) listNotes(c *gin.Context) {
	limit := defaultNotesLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			JSONBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	notes := s.feed.Notes()
	if len(notes) > limit {
		notes = notes[:limit]
	}
	resp := make([]NoteResp, len(notes))
	for i, n := range notes {
		resp[i] = NoteResp{
			ID:        n.ID,
			Author:    n.Author,
			CreatedAt: n.CreatedAt.UTC(),
			PowBits:   n.PowBits,
			Priority:  n.Priority,
			Content:   n.Event.Content,
		}
	}
	JSONOK(c, gin.H{"notes": resp})
}

func (s *Server) countInteractions(c *gin.Context) {
	if s.counts == nil {
		JSONNotFound(c, "interaction counts unavailable without a store")
		return
	}
	counts, err := s.counts.CountInteractions(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.Warn("Count interactions failed", "note", c.Param("id"), "error", err)
		JSONServerErr(c, "count failed")
		return
	}
	JSONOK(c, gin.H{
		"reactions": counts.Reactions,
		"replies":   counts.Replies,
		"reposts":   counts.Reposts,
		"total":     counts.Total(),
		"pow":       counts.Score,
	})
}

// requestInteractions enqueues enrichment. Without ?priority the note
// must be in the feed and its intake score is used.
func (s *Server) requestInteractions(c *gin.Context) {
	id := c.Param("id")

	var accepted bool
	if v := c.Query("priority"); v != "" {
		priority, err := strconv.Atoi(v)
		if err != nil {
			JSONBadRequest(c, "priority must be an integer")
			return
		}
		accepted = s.feed.Enrich(id, priority)
	} else {
		if _, ok := s.feed.Note(id); !ok {
			JSONNotFound(c, "note not in feed")
			return
		}
		accepted = s.feed.EnrichNote(id)
	}

	if !accepted {
		JSONConflict(c, "interactions queue full")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"note": id, "accepted": true})
}

// cancelInteractions stops enrichment. With ?queued=1 a running fetch is kept.
func (s *Server) cancelInteractions(c *gin.Context) {
	id := c.Param("id")
	if queuedOnly, _ := strconv.ParseBool(c.Query("queued")); queuedOnly {
		s.feed.Leave(id)
	} else {
		s.feed.Coordinator().Cancel(id)
	}
	JSONOK(c, gin.H{"note": id, "canceled": true})
}

func (s *Server) triggerReload(c *gin.Context) {
	if s.reload == nil {
		JSONNotFound(c, "reload not available")
		return
	}
	s.reload()
	c.JSON(http.StatusAccepted, gin.H{"reloading": true})
}
