package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the result type of a completed message
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "Error"
)

// Outcome is the completed result of an application message, kept
// under its correlation ID until a poll-based caller takes it.
type Outcome struct {
	MessageID   string          `json:"messageId"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// NewOutcome creates a successful outcome for msg with result encoded as JSON
func NewOutcome(msg *Message, result any) (Outcome, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal result of %s: %w", msg.Type, err)
	}
	return Outcome{
		MessageID:   msg.ID,
		Type:        msg.Type,
		Status:      StatusOK,
		Result:      data,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// NewErrorOutcome creates a failed outcome for msg
func NewErrorOutcome(msg *Message, err error) Outcome {
	return Outcome{
		MessageID:   msg.ID,
		Type:        msg.Type,
		Status:      StatusError,
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
	}
}

// IsSuccess returns whether the outcome indicates success
func (o Outcome) IsSuccess() bool {
	return o.Status == StatusOK
}

// Err returns the error carried by a failed outcome, nil otherwise
func (o Outcome) Err() error {
	if o.IsSuccess() {
		return nil
	}
	if o.Error == "" {
		return errors.New("unknown error")
	}
	return errors.New(o.Error)
}
