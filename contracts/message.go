package contracts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind selects how a message is handled on both sides of a tie.
type Kind uint8

const (
	// KindApplication messages are delivered to the application handler.
	KindApplication Kind = iota
	// KindHandshake is the first message of every tie and moves it to Connected.
	KindHandshake
	// KindControl messages are bridge bookkeeping and never reach the handler.
	KindControl
)

// HandshakeType is the Type carried by handshake messages
const HandshakeType = "Handshake"

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindHandshake:
		return "handshake"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the defined kinds
func (k Kind) Valid() bool {
	return k <= KindControl
}

// Directive tells the consumer what to do with a dequeued message.
type Directive uint8

const (
	Deliver Directive = iota
	Suppress
)

// String returns the name of the directive
func (d Directive) String() string {
	if d == Deliver {
		return "deliver"
	}
	return "suppress"
}

// Message is the unit of transfer between a producer and its consumer
type Message struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates an application message with a generated ID.
// The correlation ID defaults to the message ID.
func NewMessage(messageType string, payload json.RawMessage) *Message {
	id := uuid.New().String()
	return &Message{
		ID:            id,
		Kind:          KindApplication,
		Type:          messageType,
		CorrelationID: id,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// NewHandshake creates the handshake message a producer sends on start
func NewHandshake() *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindHandshake,
		Type:      HandshakeType,
		Timestamp: time.Now().UTC(),
	}
}

// NewControl creates a control message of the given type
func NewControl(controlType string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindControl,
		Type:      controlType,
		Timestamp: time.Now().UTC(),
	}
}

// GetCorrelationID returns the correlation ID, falling back to the message ID
func (m *Message) GetCorrelationID() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// SetCorrelationID sets the correlation ID
func (m *Message) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

// IsHandshake reports whether this is a handshake message
func (m *Message) IsHandshake() bool {
	return m.Kind == KindHandshake
}

// OnProducerSide is executed just before the message leaves the producer.
func (m *Message) OnProducerSide(logger *slog.Logger) {
	logger.Debug("message is being sent from producer side",
		"messageId", m.ID,
		"kind", m.Kind.String(),
		"type", m.Type)
}

// OnConsumerSide is executed when the message has reached the consumer,
// before any generic dispatch.
func (m *Message) OnConsumerSide(logger *slog.Logger) Directive {
	logger.Debug("message has been received on consumer side",
		"messageId", m.ID,
		"kind", m.Kind.String(),
		"type", m.Type)

	if m.Kind == KindApplication {
		return Deliver
	}
	return Suppress
}
