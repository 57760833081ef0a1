package fetch

import (
	"time"

	"github.com/abelbrown/relayfeed/internal/feeds"
)

// Event is something a Run reports. It is one of Progress, Batch or Complete.
type Event interface {
	runEvent()
}

// Progress is emitted when a step's query is issued.
type Progress struct {
	RunID       string
	Step        int           // 1-based
	Limit       int           // result cap actually sent, after overfetch
	ResultLimit int           // adaptive limit before overfetch
	Horizon     time.Duration // lookback span of this step
	Since       time.Time
	Until       time.Time
	Total       int // unique notes held before this step
}

// Batch carries notes new to the run. Notes never repeat across batches.
type Batch struct {
	RunID string
	Step  int
	Notes []feeds.Note
}

// Complete is the final event of a run that was not canceled.
type Complete struct {
	RunID     string
	Total     int
	Steps     int
	Exhausted bool // caps saturated before DesiredCount was met
}

func (Progress) runEvent() {}
func (Batch) runEvent()    {}
func (Complete) runEvent() {}
