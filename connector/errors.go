package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrUnmakableServer is returned when the coordinator cannot be reached or refuses to create an eval server.
	ErrUnmakableServer = errors.New("unmakable server")
	// ErrDeadServer is returned when the eval server cannot be reached over the active transport.
	ErrDeadServer = errors.New("dead server")
	// ErrInvalidCorrelation matches any *InvalidCorrelationError.
	ErrInvalidCorrelation = errors.New("invalid correlation id")
	// ErrRetriesExhausted is returned when a retry ceiling was configured and reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// InvalidCorrelationError is returned when the eval server answers with an id that doesn't match the request.
// It is terminal: the request is not retried.
type InvalidCorrelationError struct {
	Want *string
	Got  *string
}

func (e *InvalidCorrelationError) Error() string {
	return fmt.Sprintf("%s: want %s, got %s", ErrInvalidCorrelation, idString(e.Want), idString(e.Got))
}

func (e *InvalidCorrelationError) Is(target error) bool {
	return target == ErrInvalidCorrelation
}

func idString(id *string) string {
	if id == nil {
		return "null"
	}
	return fmt.Sprintf("%q", *id)
}
