package progress

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps for emitted events.
type Clock interface {
	Now() time.Time
}

// Relay returns a Callback that forwards every percentage change as a
// StageJobProgress event. Register it on the root of a job's tree.
func Relay(emitter Emitter, clock Clock, jobID uuid.UUID, kind string) Callback {
	id := UUIDToBytes(jobID)
	return func(percentage int, state string) {
		if emitter == nil {
			return
		}
		emitter.Emit(Event{
			JobID:      id,
			TS:         clock.Now().UTC(),
			Stage:      StageJobProgress,
			Kind:       kind,
			Percentage: percentage,
			State:      state,
		})
	}
}
