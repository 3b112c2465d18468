package contracts

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMessage(t *testing.T) {
	t.Run("NewMessage creates valid application message", func(t *testing.T) {
		msg := NewMessage("Echo", json.RawMessage(`{"a":1}`))

		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, KindApplication, msg.Kind)
		assert.Equal(t, "Echo", msg.Type)
		assert.Equal(t, msg.ID, msg.CorrelationID)
		assert.NotZero(t, msg.Timestamp)
		assert.JSONEq(t, `{"a":1}`, string(msg.Payload))

		_, err := uuid.Parse(msg.ID)
		assert.NoError(t, err)
	})

	t.Run("ids are never reused", func(t *testing.T) {
		seen := make(map[string]struct{})
		for i := 0; i < 1000; i++ {
			msg := NewMessage("Echo", nil)
			_, dup := seen[msg.ID]
			require.False(t, dup)
			seen[msg.ID] = struct{}{}
		}
	})

	t.Run("correlation id falls back to message id", func(t *testing.T) {
		msg := NewControl("Ping")
		assert.Empty(t, msg.CorrelationID)
		assert.Equal(t, msg.ID, msg.GetCorrelationID())

		msg.SetCorrelationID("req-1")
		assert.Equal(t, "req-1", msg.GetCorrelationID())
	})
}

func TestHandshake(t *testing.T) {
	msg := NewHandshake()

	assert.True(t, msg.IsHandshake())
	assert.Equal(t, KindHandshake, msg.Kind)
	assert.Equal(t, HandshakeType, msg.Type)
	assert.False(t, NewMessage("Echo", nil).IsHandshake())
}

func TestOnConsumerSide(t *testing.T) {
	logger := discardLogger()

	tests := []struct {
		name string
		msg  *Message
		want Directive
	}{
		{"application is delivered", NewMessage("Echo", nil), Deliver},
		{"handshake is suppressed", NewHandshake(), Suppress},
		{"control is suppressed", NewControl("Ping"), Suppress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.OnProducerSide(logger)
			assert.Equal(t, tt.want, tt.msg.OnConsumerSide(logger))
		})
	}
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "ConnectionState(7)", ConnectionState(7).String())
	assert.False(t, ConnectionState(7).Valid())
	assert.True(t, StateConnected.Valid())

	assert.Equal(t, "handshake", KindHandshake.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.False(t, Kind(9).Valid())

	assert.Equal(t, "deliver", Deliver.String())
	assert.Equal(t, "suppress", Suppress.String())
}

func TestOutcome(t *testing.T) {
	msg := NewMessage("Sum", nil)

	t.Run("NewOutcome encodes result", func(t *testing.T) {
		out, err := NewOutcome(msg, map[string]int{"sum": 3})
		require.NoError(t, err)

		assert.True(t, out.IsSuccess())
		assert.NoError(t, out.Err())
		assert.Equal(t, msg.ID, out.MessageID)
		assert.Equal(t, "Sum", out.Type)
		assert.JSONEq(t, `{"sum":3}`, string(out.Result))
	})

	t.Run("NewOutcome fails on unencodable result", func(t *testing.T) {
		_, err := NewOutcome(msg, make(chan int))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "Sum")
	})

	t.Run("NewErrorOutcome carries the error", func(t *testing.T) {
		out := NewErrorOutcome(msg, errors.New("boom"))

		assert.False(t, out.IsSuccess())
		assert.Equal(t, StatusError, out.Status)
		assert.EqualError(t, out.Err(), "boom")
	})
}

func TestProtocolError(t *testing.T) {
	msg := NewMessage("Echo", nil)
	err := NewProtocolError("poll", "worker-1", StateConnecting, msg, ErrProtocolViolation)

	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Contains(t, err.Error(), `tie "worker-1"`)
	assert.Contains(t, err.Error(), "connecting")
	assert.Contains(t, err.Error(), msg.ID)

	noMsg := NewProtocolError("send", "worker-2", StateDisconnected, nil, ErrNotTied)
	assert.NotContains(t, noMsg.Error(), "message")
	assert.True(t, errors.Is(noMsg, ErrNotTied))
}
