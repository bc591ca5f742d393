package call

import (
	"time"
)

// Status represents the lifecycle state of a call.
type Status string

// Call lifecycle statuses. Transitions are monotonic: a call never moves
// back toward initiated once it has advanced, and the terminal statuses
// absorb all further transitions.
const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses for monotonicity checks.
func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record holds the state of one call. It is owned by the Registry and
// mutated only through the Registry's transition API; the bridge's I/O loops
// never write fields directly.
type Record struct {
	CallID      string
	ProviderRef string
	Status      Status
	Metadata    map[string]string
	Transcript  []string
	Artifact    string
	StartTime   time.Time
	EndTime     time.Time
	ErrorReason string

	// done is closed exactly once, on the transition to a terminal status.
	done chan struct{}
	// analysisDone is closed when the transcript analysis collaborator has
	// finished (successfully or not) after completion.
	analysisDone chan struct{}
}

// Info is a read-only snapshot of a call for the status query interface.
type Info struct {
	CallID          string        `json:"call_id"`
	ProviderRef     string        `json:"provider_ref,omitempty"`
	Status          Status        `json:"status"`
	Artifact        string        `json:"artifact,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Duration        time.Duration `json:"duration"`
	TranscriptLines int           `json:"transcript_lines"`
	ErrorReason     string        `json:"error_reason,omitempty"`
}

// info builds a snapshot. Callers must hold the record's lock via the
// Registry.
func (r *Record) info() Info {
	inf := Info{
		CallID:          r.CallID,
		ProviderRef:     r.ProviderRef,
		Status:          r.Status,
		Artifact:        r.Artifact,
		StartTime:       r.StartTime,
		TranscriptLines: len(r.Transcript),
		ErrorReason:     r.ErrorReason,
	}

	if !r.EndTime.IsZero() {
		end := r.EndTime
		inf.EndTime = &end
		inf.Duration = r.EndTime.Sub(r.StartTime)
	} else {
		inf.Duration = time.Since(r.StartTime)
	}

	return inf
}
