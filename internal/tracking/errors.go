package tracking

import (
	"fmt"

	"github.com/google/uuid"
)

// OutOfOrderError is returned when an observation carries a version older
// than the last applied version for that consequence. The caller must fetch
// the latest record and retry with a correct version; the engine never
// merges stale updates.
type OutOfOrderError struct {
	ConsequenceID uuid.UUID
	Applied       int64
	Got           int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order observation for consequence %s: version %d already applied, got %d",
		e.ConsequenceID, e.Applied, e.Got)
}

// UnknownConsequenceError is returned when an observation references a
// consequence the tracking record does not contain and the event does not
// declare an unexpected outcome.
type UnknownConsequenceError struct {
	ConsequenceID uuid.UUID
}

func (e *UnknownConsequenceError) Error() string {
	return fmt.Sprintf("unknown consequence %s", e.ConsequenceID)
}

// InvariantError signals internal aggregate corruption. It should never
// surface in correct operation; callers abort the operation rather than
// repairing state silently.
type InvariantError struct {
	TrackingID uuid.UUID
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("tracking invariant violated for %s: %s", e.TrackingID, e.Detail)
}
