// Package feeds defines the note type that flows from the fetch scheduler
// through ranking to the presentation layer.
package feeds

import (
	"time"

	"github.com/abelbrown/relayfeed/internal/nostr"
)

// Note is a single acquired root note.
// Identity is the ID: two notes with the same ID are the same note.
type Note struct {
	ID        string
	Author    string // author pubkey
	CreatedAt time.Time
	PowBits   int // NIP-13 difficulty of the id
	Event     nostr.Event

	// Priority is the intake score assigned by ranking. Transient: it is
	// recomputed on every pass and never compared for identity.
	Priority float64
}

// FromEvent converts a relay event into a Note.
func FromEvent(ev nostr.Event) Note {
	return Note{
		ID:        ev.ID,
		Author:    ev.PubKey,
		CreatedAt: time.Unix(ev.CreatedAt, 0),
		PowBits:   nostr.PowBits(ev.ID),
		Event:     ev,
	}
}

// Age returns how old the note is relative to now.
// Negative for notes stamped in the future.
func (n Note) Age(now time.Time) time.Duration {
	return now.Sub(n.CreatedAt)
}

// IDs returns the ids of notes in order.
func IDs(notes []Note) []string {
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	return ids
}
