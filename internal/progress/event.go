package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobProgress Stage = "JOB_PROGRESS"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
)

// Event captures one observable change in a job's progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Kind labels the operation, e.g. "row_import" or "template_sync".
	Kind string
	// Percentage is the root-visible completion, 0-100.
	Percentage int
	// State is the label supplied with the increment that moved the percentage.
	State string
	// Dur captures the job runtime on completion events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageJobProgress:
		if e.Percentage < 0 || e.Percentage > 100 {
			return fmt.Errorf("percentage %d out of range", e.Percentage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
