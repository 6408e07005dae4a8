package recognition

import (
	"github.com/okian/rollcall/internal/domain/model"
)

// Outcome is the terminal state of one recognition cycle.
type Outcome int

const (
	OutcomeNoDetection Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	// OutcomeStorageFailed means the ledger accepted but the recorder failed.
	OutcomeStorageFailed
	// OutcomeSkipped means another cycle was already in flight.
	OutcomeSkipped

	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoDetection:
		return "no_detection"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStorageFailed:
		return "storage_failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Result describes one cycle.
type Result struct {
	Outcome   Outcome
	Detection model.Detection // zero unless something was detected
	RecordID  model.RecordID  // set when Accepted
	Err       error           // detection or storage error, if any
}

// Stats are cumulative per-outcome counters.
type Stats struct {
	Cycles        int64 `json:"cycles"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	NoDetection   int64 `json:"no_detection"`
	StorageFailed int64 `json:"storage_failed"`
	Skipped       int64 `json:"skipped"`
}
