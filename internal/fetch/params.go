package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidParams is returned by Start when Params fail validation.
var ErrInvalidParams = errors.New("fetch: invalid params")

// Params drives the progressive widening of a run. All values come from
// the caller; the scheduler applies no defaults of its own.
type Params struct {
	DesiredCount    int           `yaml:"desired_count"`     // stop once this many unique notes are held
	InitialLimit    int           `yaml:"initial_limit"`     // first per-query result cap
	MaxLimit        int           `yaml:"max_limit"`         // hard per-query cap
	InitialHorizon  time.Duration `yaml:"initial_horizon"`   // first lookback span
	MaxHorizon      time.Duration `yaml:"max_horizon"`       // widest lookback span
	GrowthFast      float64       `yaml:"growth_fast"`       // widening after an empty step
	GrowthSlow      float64       `yaml:"growth_slow"`       // widening after a partial step
	OverlapRatio    float64       `yaml:"overlap_ratio"`     // share of a window re-covered by the next one
	Overfetch       float64       `yaml:"overfetch"`         // query multiplier leaving room for ranking
	ClockSkewMargin time.Duration `yaml:"clock_skew_margin"` // subtracted from since for relays with drifting clocks
}

// DefaultParams returns values tuned for a fast first screen of a
// follow-based feed. Callers decide whether to use them.
func DefaultParams() Params {
	return Params{
		DesiredCount:    20,
		InitialLimit:    20,
		MaxLimit:        500,
		InitialHorizon:  12 * time.Hour,
		MaxHorizon:      14 * 24 * time.Hour,
		GrowthFast:      3.0,
		GrowthSlow:      1.6,
		OverlapRatio:    0.15,
		Overfetch:       2.0,
		ClockSkewMargin: 15 * time.Minute,
	}
}

// Validate checks that a run with these params terminates.
func (p Params) Validate() error {
	switch {
	case p.DesiredCount <= 0:
		return fmt.Errorf("%w: desired count must be positive", ErrInvalidParams)
	case p.InitialLimit <= 0:
		return fmt.Errorf("%w: initial limit must be positive", ErrInvalidParams)
	case p.MaxLimit < p.InitialLimit:
		return fmt.Errorf("%w: max limit %d below initial limit %d", ErrInvalidParams, p.MaxLimit, p.InitialLimit)
	case p.InitialHorizon < time.Second:
		return fmt.Errorf("%w: initial horizon must be at least 1s", ErrInvalidParams)
	case p.MaxHorizon < p.InitialHorizon:
		return fmt.Errorf("%w: max horizon %v below initial horizon %v", ErrInvalidParams, p.MaxHorizon, p.InitialHorizon)
	case p.GrowthFast <= 1:
		return fmt.Errorf("%w: fast growth must exceed 1", ErrInvalidParams)
	case p.GrowthSlow < 1:
		return fmt.Errorf("%w: slow growth must be at least 1", ErrInvalidParams)
	case p.OverlapRatio < 0 || p.OverlapRatio >= 1:
		return fmt.Errorf("%w: overlap ratio must be in [0, 1)", ErrInvalidParams)
	case p.Overfetch < 1:
		return fmt.Errorf("%w: overfetch must be at least 1", ErrInvalidParams)
	case p.ClockSkewMargin < 0:
		return fmt.Errorf("%w: clock skew margin must not be negative", ErrInvalidParams)
	}
	return nil
}
