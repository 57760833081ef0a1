package nostr

import "strings"

// PowWeights scales each interaction class in a PowScore.
type PowWeights struct {
	Reaction float64 `yaml:"reaction" json:"reaction"`
	Reply    float64 `yaml:"reply" json:"reply"`
	Profile  float64 `yaml:"profile" json:"profile"`
}

// DefaultPowWeights returns the stock weights.
func DefaultPowWeights() PowWeights {
	return PowWeights{Reaction: 0.5, Reply: 0.7, Profile: 0.3}
}

// PowScore is a note's proof-of-work standing: its own difficulty plus
// weighted work spent by reactors, repliers and the author's key.
type PowScore struct {
	Root      int     `json:"root"`
	Reactions float64 `json:"reactions"`
	Replies   float64 `json:"replies"`
	Profile   float64 `json:"profile"`
	Total     float64 `json:"total"`
	HasPow    bool    `json:"has_pow"`
	// Delegated is set when the note carries no work of its own but its
	// interactions add positive work.
	Delegated bool `json:"delegated"`
}

// HasValidPow reports whether e commits to proof-of-work with a "nonce"
// tag and its id reaches minBits.
func HasValidPow(e Event, minBits int) bool {
	for _, tag := range e.Tags {
		if len(tag) > 0 && tag[0] == "nonce" {
			return PowBits(e.ID) >= minBits
		}
	}
	return false
}

// PubKeyPow counts the leading '0' hex digits of a public key.
func PubKeyPow(pubkey string) int {
	n := 0
	for n < len(pubkey) && pubkey[n] == '0' {
		n++
	}
	return n
}

// ReactionSign weights a reaction by its content: likes count fully,
// dislikes count against, anything else counts half.
func ReactionSign(content string) float64 {
	switch strings.TrimSpace(content) {
	case "+", "👍", "❤️":
		return 1
	case "-", "👎":
		return -1
	}
	return 0.5
}

// CalculatePowScore scores note from the reactions and replies that
// reference it.
func CalculatePowScore(note Event, reactions, replies []Event, w PowWeights) PowScore {
	var reactionPow, replyPow float64
	for _, r := range reactions {
		reactionPow += float64(PowBits(r.ID)) * ReactionSign(r.Content)
	}
	for _, r := range replies {
		replyPow += float64(PowBits(r.ID))
	}

	s := PowScore{
		Root:      PowBits(note.ID),
		Reactions: reactionPow * w.Reaction,
		Replies:   replyPow * w.Reply,
		Profile:   float64(PubKeyPow(note.PubKey)) * w.Profile,
		HasPow:    HasValidPow(note, 1),
	}
	s.Total = float64(s.Root) + s.Reactions + s.Replies + s.Profile
	s.Delegated = !s.HasPow && (s.Reactions > 0 || s.Replies > 0)
	return s
}
