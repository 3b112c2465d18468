package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/tie"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	deliveries, _ := a.Get(0).(chan amqp.Delivery)
	return deliveries, a.Error(1)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Channel() (Channel, error) {
	a := m.Called()
	ch, _ := a.Get(0).(Channel)
	return ch, a.Error(1)
}

// acker records acknowledgements made through amqp.Delivery
type acker struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (a *acker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *acker) ackedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

// collector is a consumer handler that keeps application messages
type collector struct {
	mu   sync.Mutex
	msgs []*contracts.Message
}

func (c *collector) MessageAccepted(msg *contracts.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) all() []*contracts.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Message(nil), c.msgs...)
}

// outcomes is an in-memory ResultSource
type outcomes struct {
	mu sync.Mutex
	m  map[string]contracts.Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{m: make(map[string]contracts.Outcome)}
}

func (o *outcomes) Put(id string, outcome contracts.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[id] = outcome
}

func (o *outcomes) Take(id string) (contracts.Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	outcome, ok := o.m[id]
	delete(o.m, id)
	return outcome, ok
}

// tiedProducer returns a consumer collecting into sink and a tied producer
func tiedProducer(t *testing.T, sink *collector) (*tie.Consumer, *tie.Producer) {
	t.Helper()

	c := tie.NewConsumer(sink, tie.WithConsumerLogger(quietLogger()))
	p := tie.NewProducer("amqp", tie.WithProducerLogger(quietLogger()))
	require.NoError(t, c.Tie(p))
	return c, p
}
