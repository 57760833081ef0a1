// Package store provides SQLite persistence for relay events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abelbrown/relayfeed/internal/nostr"
)

// Store caches events seen on relays. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex // Protects all database operations
	weights nostr.PowWeights
}

// Counts summarizes the interactions stored for a note.
type Counts struct {
	Reactions int
	Replies   int
	Reposts   int
	Score     nostr.PowScore
}

// Total returns the number of interactions of any kind.
func (c Counts) Total() int {
	return c.Reactions + c.Replies + c.Reposts
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, weights: nostr.DefaultPowWeights()}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required tables and indexes if they don't exist.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		tags TEXT NOT NULL,
		content TEXT NOT NULL,
		sig TEXT,
		pow INTEGER NOT NULL DEFAULT 0,
		fetched_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refs (
		event_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		PRIMARY KEY (event_id, note_id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_author ON events(pubkey, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_refs_note ON refs(note_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveEvents stores events, returning the count of new events inserted.
// Duplicates (by id) are silently ignored via INSERT OR IGNORE. Every "e"
// tag is recorded so interactions can be counted per note.
func (s *Store) SaveEvents(ctx context.Context, events []nostr.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	insertEvent, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events (
			id, pubkey, created_at, kind, tags, content, sig, pow, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer insertEvent.Close()

	insertRef, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO refs (event_id, note_id) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer insertRef.Close()

	now := time.Now()
	newCount := 0
	for _, ev := range events {
		tags := ev.Tags
		if tags == nil {
			tags = [][]string{}
		}
		tagJSON, err := json.Marshal(tags)
		if err != nil {
			return 0, fmt.Errorf("encode tags of %s: %w", ev.ID, err)
		}

		result, err := insertEvent.ExecContext(ctx,
			ev.ID,
			ev.PubKey,
			ev.CreatedAt,
			ev.Kind,
			string(tagJSON),
			ev.Content,
			ev.Sig,
			nostr.PowBits(ev.ID),
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", ev.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			continue
		}
		newCount++

		for _, ref := range ev.TagValues("e") {
			if _, err := insertRef.ExecContext(ctx, ev.ID, ref); err != nil {
				return 0, fmt.Errorf("insert ref %s: %w", ev.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newCount, nil
}

// QueryEvents returns stored events matching f, newest first.
func (s *Store) QueryEvents(ctx context.Context, f nostr.Filter) ([]nostr.Event, error) {
	query, args, exact := buildQuery(f)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []nostr.Event
	for rows.Next() {
		var ev nostr.Event
		var tagJSON string
		var sig sql.NullString
		if err := rows.Scan(&ev.ID, &ev.PubKey, &ev.CreatedAt, &ev.Kind, &tagJSON, &ev.Content, &sig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagJSON), &ev.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", ev.ID, err)
		}
		ev.Sig = sig.String

		if !exact && !f.Matches(ev) {
			continue
		}
		events = append(events, ev)
		if !exact && f.Limit > 0 && len(events) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// buildQuery translates f into SQL. exact is false when some tag
// constraint must still be checked in Go, in which case LIMIT is applied
// by the caller.
func buildQuery(f nostr.Filter) (string, []any, bool) {
	var (
		where []string
		args  []any
		exact = true
	)

	in := func(column string, n int) string {
		return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
	}

	if len(f.IDs) > 0 {
		where = append(where, in("id", len(f.IDs)))
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, in("pubkey", len(f.Authors)))
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, in("kind", len(f.Kinds)))
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.Until)
	}
	for name, values := range f.Tags {
		if name != "e" {
			exact = false
			continue
		}
		where = append(where, "id IN (SELECT event_id FROM refs WHERE "+in("note_id", len(values))+")")
		for _, v := range values {
			args = append(args, v)
		}
	}

	query := `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if exact && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args, exact
}

// Query streams stored events matching f, so the cache can stand in for
// relays. The channel closes after the last match.
func (s *Store) Query(ctx context.Context, f nostr.Filter) (<-chan nostr.Event, error) {
	events, err := s.QueryEvents(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make(chan nostr.Event)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// SetPowWeights sets the weights CountInteractions scores with.
func (s *Store) SetPowWeights(w nostr.PowWeights) {
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
}

// CountInteractions tallies stored reactions, replies and reposts of
// noteID and scores the note by the work they carry. A note missing from
// the store is scored from its id alone.
func (s *Store) CountInteractions(ctx context.Context, noteID string) (Counts, error) {
	related, err := s.QueryEvents(ctx, nostr.Filter{
		Kinds: []int{nostr.KindReaction, nostr.KindTextNote, nostr.KindRepost},
		Tags:  map[string][]string{"e": {noteID}},
	})
	if err != nil {
		return Counts{}, err
	}

	var c Counts
	var reactions, replies []nostr.Event
	for _, ev := range related {
		switch ev.Kind {
		case nostr.KindReaction:
			c.Reactions++
			reactions = append(reactions, ev)
		case nostr.KindTextNote:
			c.Replies++
			replies = append(replies, ev)
		case nostr.KindRepost:
			c.Reposts++
		}
	}

	note := nostr.Event{ID: noteID}
	found, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{noteID}, Limit: 1})
	if err != nil {
		return Counts{}, err
	}
	if len(found) > 0 {
		note = found[0]
	}

	s.mu.RLock()
	w := s.weights
	s.mu.RUnlock()
	c.Score = nostr.CalculatePowScore(note, reactions, replies, w)
	return c, nil
}

// Prune deletes events created before cutoff, returning how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM refs WHERE event_id NOT IN (SELECT id FROM events)"); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
