package tie

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/glimte/tiebridge/contracts"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Handler that keeps every accepted message
type recorder struct {
	mu   sync.Mutex
	msgs []*contracts.Message
}

func (r *recorder) MessageAccepted(msg *contracts.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		types = append(types, m.Type)
	}
	return types
}

// connected returns a consumer and a producer whose handshake has already
// been drained
func connected(t *testing.T, handler Handler, options ...ConsumerOption) (*Consumer, *Producer) {
	t.Helper()

	options = append([]ConsumerOption{WithConsumerLogger(testLogger())}, options...)
	c := NewConsumer(handler, options...)
	p := NewProducer("worker", WithProducerLogger(testLogger()))

	require.NoError(t, c.Tie(p))
	p.Start()
	c.Poll()
	require.Equal(t, contracts.StateConnected, p.State())

	return c, p
}

// recoverError runs f and returns the error it panicked with
func recoverError(t *testing.T, f func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		e, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		err = e
	}()
	f()
	return nil
}
