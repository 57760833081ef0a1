// Package ranking orders freshly acquired notes for intake.
// Priority affects processing order only, not on-screen order.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/abelbrown/relayfeed/internal/feeds"
)

// Config weights the two score components.
type Config struct {
	PowCoefficient       float64       `yaml:"pow_coefficient"`
	FreshnessCoefficient float64       `yaml:"freshness_coefficient"`
	HalfLife             time.Duration `yaml:"half_life"` // recency decay constant
}

// DefaultConfig returns the standard weights: PoW dominates, freshness
// breaks ties between notes of similar strength.
func DefaultConfig() Config {
	return Config{
		PowCoefficient:       0.7,
		FreshnessCoefficient: 0.3,
		HalfLife:             36 * time.Hour,
	}
}

// Prioritizer scores notes by proof-of-work strength and recency.
// Stateless apart from its Config; safe for concurrent use.
type Prioritizer struct {
	cfg Config
}

// NewPrioritizer creates a Prioritizer. A non-positive HalfLife falls
// back to the default.
func NewPrioritizer(cfg Config) *Prioritizer {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultConfig().HalfLife
	}
	return &Prioritizer{cfg: cfg}
}

// Config returns the active configuration.
func (p *Prioritizer) Config() Config {
	return p.cfg
}

// powStrength compresses PoW logarithmically so one extreme value cannot
// dominate. Zero PoW is neutral.
func powStrength(powBits int) float64 {
	if powBits <= 0 {
		return 0
	}
	return math.Log2(1 + float64(powBits))
}

// recencyDecay is exp(-age/halfLife); future-dated notes are maximally fresh.
func (p *Prioritizer) recencyDecay(age time.Duration) float64 {
	if age < 0 {
		return 1
	}
	ageMs := float64(age) / float64(time.Millisecond)
	halfLifeMs := float64(p.cfg.HalfLife) / float64(time.Millisecond)
	return math.Exp(-ageMs / halfLifeMs)
}

// Estimate scores a hypothetical note with the given PoW and age.
func (p *Prioritizer) Estimate(powBits int, age time.Duration) float64 {
	return p.cfg.PowCoefficient*powStrength(powBits) +
		p.cfg.FreshnessCoefficient*p.recencyDecay(age)
}

// Score computes the intake priority of a note at time now.
// Higher = process sooner.
func (p *Prioritizer) Score(note feeds.Note, now time.Time) float64 {
	return p.Estimate(note.PowBits, note.Age(now))
}

// Prioritize returns a copy of notes with Priority assigned, sorted by
// score descending. Ties keep input order. The input is not modified.
func (p *Prioritizer) Prioritize(notes []feeds.Note, now time.Time) []feeds.Note {
	result := make([]feeds.Note, len(notes))
	copy(result, notes)
	for i := range result {
		result[i].Priority = p.Score(result[i], now)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result
}

// Trim keeps the first max notes. Notes must already be sorted.
func Trim(notes []feeds.Note, max int) []feeds.Note {
	if max < 0 {
		max = 0
	}
	if len(notes) <= max {
		return notes
	}
	return notes[:max]
}

// LimitPerAuthor caps how many notes each author contributes, keeping the
// first ones encountered so priority order is preserved. Single pass.
func LimitPerAuthor(notes []feeds.Note, maxPerAuthor int) []feeds.Note {
	if maxPerAuthor <= 0 {
		return []feeds.Note{}
	}

	counts := make(map[string]int)
	result := make([]feeds.Note, 0, len(notes))
	for _, note := range notes {
		if counts[note.Author] >= maxPerAuthor {
			continue
		}
		counts[note.Author]++
		result = append(result, note)
	}
	return result
}
