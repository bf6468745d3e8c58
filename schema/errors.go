package schema

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateMessage = errors.New("schema: duplicate message id")
	ErrSignalOverlap    = errors.New("schema: overlapping signal bit ranges")
	ErrSignalBounds     = errors.New("schema: signal exceeds message length")
	ErrInvalidSignal    = errors.New("schema: invalid signal definition")
	ErrInvalidMessage   = errors.New("schema: invalid message definition")
	ErrUnknownFormat    = errors.New("schema: unknown schema format")
)

// SchemaError is returned for any definition that fails validation. The
// table being loaded is discarded.
type SchemaError struct {
	Message string
	Signal  string
	Err     error
}

func (e *SchemaError) Error() string {
	switch {
	case e.Message != "" && e.Signal != "":
		return fmt.Sprintf("message %s signal %s: %v", e.Message, e.Signal, e.Err)
	case e.Message != "":
		return fmt.Sprintf("message %s: %v", e.Message, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }
