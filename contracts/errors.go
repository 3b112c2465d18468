package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Protocol errors. These are raised as panics: they indicate a producer
	// that was built or driven incorrectly, not a runtime condition.
	ErrProtocolViolation = errors.New("tiebridge: protocol violation")
	ErrUnknownState      = errors.New("tiebridge: unknown connection state")
	ErrConcurrentPoll    = errors.New("tiebridge: poll invoked concurrently")

	// Lifecycle errors
	ErrNotTied        = errors.New("tiebridge: producer is not tied")
	ErrAlreadyTied    = errors.New("tiebridge: producer is already tied")
	ErrAlreadyStarted = errors.New("tiebridge: producer already started")
	ErrInvalidMessage = errors.New("tiebridge: invalid message")
)

// ProtocolError describes a broken tie invariant
type ProtocolError struct {
	Op        string          // Operation that detected the violation
	Tie       string          // Name of the producer
	State     ConnectionState // Tie state when the violation was seen
	MessageID string          // Offending message, if any
	Kind      Kind            // Kind of the offending message
	Err       error           // Sentinel error
	Timestamp time.Time       // When the violation was detected
}

func (e *ProtocolError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("tie %q: %s in state %s with %s message %s: %v",
			e.Tie, e.Op, e.State, e.Kind, e.MessageID, e.Err)
	}
	return fmt.Sprintf("tie %q: %s in state %s: %v", e.Tie, e.Op, e.State, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a ProtocolError stamped with the current time
func NewProtocolError(op, tie string, state ConnectionState, msg *Message, err error) *ProtocolError {
	pe := &ProtocolError{
		Op:        op,
		Tie:       tie,
		State:     state,
		Err:       err,
		Timestamp: time.Now(),
	}
	if msg != nil {
		pe.MessageID = msg.ID
		pe.Kind = msg.Kind
	}
	return pe
}
