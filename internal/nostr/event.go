// Package nostr holds the wire types relayfeed exchanges with relays:
// events, subscription filters and the NIP-13 proof-of-work measure.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Event kinds used by the feed.
const (
	KindTextNote = 1
	KindRepost   = 6
	KindReaction = 7
)

// Event is a signed NIP-01 event as delivered by a relay.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form hashed to produce the event id:
// [0, pubkey, created_at, kind, tags, content] with no HTML escaping.
func (e Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	// Encoder appends a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeID hashes the canonical serialization.
func (e Event) ComputeID() (string, error) {
	data, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CheckID reports whether the event's id matches its content.
func (e Event) CheckID() bool {
	id, err := e.ComputeID()
	if err != nil {
		return false
	}
	return id == e.ID
}

// IsReply reports whether the event references another event through an
// "e" tag. The feed keeps root notes only.
func IsReply(e Event) bool {
	for _, tag := range e.Tags {
		if len(tag) > 0 && tag[0] == "e" {
			return true
		}
	}
	return false
}

// TagValues returns the first value of every tag with the given name.
func (e Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) > 1 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
