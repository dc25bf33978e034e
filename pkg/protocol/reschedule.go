package protocol

import (
	"fmt"
	"time"
)

// RescheduleError asks the runtime to put the job back to sleep until At
// without counting the attempt as a failure. Activities that wait for an
// instant (or poll an external condition) return it instead of blocking a
// worker slot.
type RescheduleError struct {
	At time.Time
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s", e.At.UTC().Format(time.RFC3339))
}

// RescheduleAt builds a RescheduleError for the given instant.
func RescheduleAt(at time.Time) error {
	return &RescheduleError{At: at}
}
