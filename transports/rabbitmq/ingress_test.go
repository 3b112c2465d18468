package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/internal/reliability"
	"github.com/glimte/tiebridge/tie"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewIngress(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})

		in, err := NewIngress(&mockSource{}, p, newOutcomes())
		require.NoError(t, err)

		assert.Equal(t, DefaultQueue, in.queue)
		assert.Equal(t, DefaultPrefetch, in.prefetch)
		assert.Equal(t, DefaultReplyInterval, in.replyInterval)
		assert.Equal(t, DefaultReplyTimeout, in.replyTimeout)
		assert.Contains(t, in.consumerTag, "tiebridge-")
		assert.NotNil(t, in.breaker)
	})

	t.Run("applies options", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})

		in, err := NewIngress(&mockSource{}, p, nil,
			WithQueue("work"),
			WithPrefetchCount(3),
			WithConsumerTag("tag"),
			WithReplyInterval(time.Second),
			WithReplyTimeout(time.Minute),
		)
		require.NoError(t, err)

		assert.Equal(t, "work", in.queue)
		assert.Equal(t, 3, in.prefetch)
		assert.Equal(t, "tag", in.consumerTag)
		assert.Equal(t, time.Second, in.replyInterval)
		assert.Equal(t, time.Minute, in.replyTimeout)
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})

		_, err := NewIngress(nil, p, nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewIngress(&mockSource{}, tie.NewProducer("loose"), nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewIngress(&mockSource{}, p, nil, WithQueue(""))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestToMessage(t *testing.T) {
	tests := []struct {
		name        string
		delivery    amqp.Delivery
		wantErr     bool
		correlation string
	}{
		{
			name:     "empty body",
			delivery: amqp.Delivery{Type: "echo"},
			wantErr:  true,
		},
		{
			name:     "missing type",
			delivery: amqp.Delivery{Body: []byte(`{}`)},
			wantErr:  true,
		},
		{
			name:     "body is not JSON",
			delivery: amqp.Delivery{Type: "echo", Body: []byte(`not json`)},
			wantErr:  true,
		},
		{
			name:        "correlation id wins",
			delivery:    amqp.Delivery{Type: "echo", Body: []byte(`1`), CorrelationId: "corr", MessageId: "mid"},
			correlation: "corr",
		},
		{
			name:        "falls back to message id",
			delivery:    amqp.Delivery{Type: "echo", Body: []byte(`1`), MessageId: "mid"},
			correlation: "mid",
		},
		{
			name:     "generates an id",
			delivery: amqp.Delivery{Type: "echo", Body: []byte(`1`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := toMessage(tt.delivery)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDelivery)
				assert.Nil(t, msg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, contracts.KindApplication, msg.Kind)
			assert.Equal(t, "echo", msg.Type)
			assert.Equal(t, json.RawMessage(tt.delivery.Body), msg.Payload)
			if tt.correlation != "" {
				assert.Equal(t, tt.correlation, msg.GetCorrelationID())
			} else {
				assert.Equal(t, msg.ID, msg.GetCorrelationID())
			}
		})
	}
}

func TestIngressHandleDelivery(t *testing.T) {
	t.Run("valid delivery is sent and acked", func(t *testing.T) {
		sink := &collector{}
		c, p := tiedProducer(t, sink)
		in, err := NewIngress(&mockSource{}, p, newOutcomes(), WithIngressLogger(quietLogger()))
		require.NoError(t, err)
		in.startOnce.Do(p.Start)

		ack := &acker{}
		in.handleDelivery(amqp.Delivery{
			Acknowledger:  ack,
			DeliveryTag:   7,
			Type:          "sum",
			Body:          []byte(`[1,2]`),
			CorrelationId: "req-1",
			ReplyTo:       "replies",
		})
		c.Poll()

		msgs := sink.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, "sum", msgs[0].Type)
		assert.Equal(t, "req-1", msgs[0].GetCorrelationID())
		assert.Equal(t, []uint64{7}, ack.ackedTags())

		stats := in.Stats()
		assert.Equal(t, uint64(1), stats.Received)
		assert.Equal(t, 1, stats.Pending)
	})

	t.Run("invalid delivery is nacked without requeue", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})
		in, err := NewIngress(&mockSource{}, p, nil, WithIngressLogger(quietLogger()))
		require.NoError(t, err)
		in.startOnce.Do(p.Start)

		ack := &acker{}
		in.handleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Type: "echo"})

		assert.Equal(t, []uint64{3}, ack.nacked)
		assert.Equal(t, []bool{false}, ack.requeued)
		assert.Empty(t, ack.acked)
		assert.Equal(t, uint64(1), in.Stats().Rejected)
		assert.Equal(t, 1, p.Pending())
	})

	t.Run("delivery without reply queue is not tracked", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})
		in, err := NewIngress(&mockSource{}, p, newOutcomes(), WithIngressLogger(quietLogger()))
		require.NoError(t, err)
		in.startOnce.Do(p.Start)

		in.handleDelivery(amqp.Delivery{Acknowledger: &acker{}, Type: "echo", Body: []byte(`"x"`)})
		assert.Zero(t, in.Stats().Pending)
	})
}

func expectSubscribe(ch *mockChannel, deliveries chan amqp.Delivery) *mock.Call {
	ch.On("QueueDeclare", "work", true, false, false, false, mock.Anything).Return(amqp.Queue{Name: "work"}, nil)
	ch.On("Qos", 5, 0, false).Return(nil)
	return ch.On("Consume", "work", "tag", false, false, false, false, mock.Anything).Return(deliveries, nil)
}

func TestIngressRun(t *testing.T) {
	t.Run("consumes until cancelled", func(t *testing.T) {
		sink := &collector{}
		c, p := tiedProducer(t, sink)

		ch := &mockChannel{}
		deliveries := make(chan amqp.Delivery, 1)
		expectSubscribe(ch, deliveries)
		ch.On("Close").Return(nil)

		source := &mockSource{}
		source.On("Channel").Return(ch, nil)

		in, err := NewIngress(source, p, nil,
			WithQueue("work"),
			WithPrefetchCount(5),
			WithConsumerTag("tag"),
			WithIngressLogger(quietLogger()),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- in.Run(ctx) }()

		ack := &acker{}
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Type: "echo", Body: []byte(`"hello"`)}

		assert.Eventually(t, func() bool {
			c.Poll()
			return len(sink.all()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, contracts.StateConnected, p.State())

		assert.ErrorIs(t, in.Run(ctx), ErrIngressRunning)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}

		assert.Equal(t, []uint64{1}, ack.ackedTags())
		ch.AssertExpectations(t)
	})

	t.Run("resubscribes when the delivery channel closes", func(t *testing.T) {
		c, p := tiedProducer(t, &collector{})

		closed := make(chan amqp.Delivery)
		close(closed)
		open := make(chan amqp.Delivery)

		ch := &mockChannel{}
		ch.On("QueueDeclare", "work", true, false, false, false, mock.Anything).Return(amqp.Queue{Name: "work"}, nil)
		ch.On("Qos", 5, 0, false).Return(nil)
		var consumes atomic.Int32
		countConsume := func(mock.Arguments) { consumes.Add(1) }
		ch.On("Consume", "work", "tag", false, false, false, false, mock.Anything).Return(closed, nil).Run(countConsume).Once()
		ch.On("Consume", "work", "tag", false, false, false, false, mock.Anything).Return(open, nil).Run(countConsume)
		ch.On("Close").Return(nil)

		source := &mockSource{}
		source.On("Channel").Return(ch, nil)

		in, err := NewIngress(source, p, nil,
			WithQueue("work"),
			WithPrefetchCount(5),
			WithConsumerTag("tag"),
			WithResubscribePolicy(reliability.NewFixedDelay(time.Millisecond, -1)),
			WithIngressLogger(quietLogger()),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- in.Run(ctx) }()

		assert.Eventually(t, func() bool {
			return consumes.Load() == 2
		}, time.Second, 5*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		c.Poll()
	})

	t.Run("channel failures are retried", func(t *testing.T) {
		_, p := tiedProducer(t, &collector{})

		source := &mockSource{}
		source.On("Channel").Return(nil, ErrConnectionNotReady)

		in, err := NewIngress(source, p, nil,
			WithResubscribePolicy(reliability.NewFixedDelay(time.Millisecond, 2)),
			WithIngressLogger(quietLogger()),
		)
		require.NoError(t, err)

		err = in.Run(context.Background())
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.ErrorIs(t, err, reliability.ErrMaxRetriesExceeded)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "open channel", consumerErr.Op)
		source.AssertNumberOfCalls(t, "Channel", 3)
	})
}

func TestIngressReplies(t *testing.T) {
	newReplyingIngress := func(t *testing.T, source ChannelSource, results ResultSource) *Ingress {
		_, p := tiedProducer(t, &collector{})
		in, err := NewIngress(source, p, results,
			WithReplyTimeout(time.Second),
			WithIngressLogger(quietLogger()),
		)
		require.NoError(t, err)
		return in
	}

	t.Run("publishes available outcomes with the correlation id", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "replies", false, false,
			mock.MatchedBy(func(p amqp.Publishing) bool {
				var outcome contracts.Outcome
				return p.CorrelationId == "req-1" &&
					p.ContentType == "application/json" &&
					json.Unmarshal(p.Body, &outcome) == nil &&
					outcome.IsSuccess()
			})).Return(nil).Once()

		source := &mockSource{}
		source.On("Channel").Return(ch, nil).Once()

		results := newOutcomes()
		in := newReplyingIngress(t, source, results)
		in.pending["req-1"] = pendingReply{replyTo: "replies", since: time.Now()}
		in.pending["req-2"] = pendingReply{replyTo: "replies", since: time.Now()}

		msg := contracts.NewMessage("echo", json.RawMessage(`"hi"`))
		outcome, err := contracts.NewOutcome(msg, "hi")
		require.NoError(t, err)
		results.Put("req-1", outcome)

		in.flushReplies(context.Background())

		stats := in.Stats()
		assert.Equal(t, uint64(1), stats.Replied)
		assert.Equal(t, 1, stats.Pending)
		ch.AssertExpectations(t)
		source.AssertExpectations(t)
	})

	t.Run("drops waiters past the reply timeout", func(t *testing.T) {
		in := newReplyingIngress(t, &mockSource{}, newOutcomes())
		start := time.Now()
		in.pending["old"] = pendingReply{replyTo: "replies", since: start}
		in.now = func() time.Time { return start.Add(2 * time.Second) }

		in.flushReplies(context.Background())
		assert.Zero(t, in.Stats().Pending)
	})

	t.Run("publish failure drops the reply channel", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("PublishWithContext", mock.Anything, "", "replies", false, false, mock.Anything).
			Return(errors.New("channel closed")).Once()
		ch.On("Close").Return(nil).Once()

		source := &mockSource{}
		source.On("Channel").Return(ch, nil)

		results := newOutcomes()
		in := newReplyingIngress(t, source, results)
		in.pending["req-1"] = pendingReply{replyTo: "replies", since: time.Now()}
		results.Put("req-1", contracts.NewErrorOutcome(contracts.NewMessage("echo", nil), errors.New("boom")))

		in.flushReplies(context.Background())

		assert.Zero(t, in.Stats().Replied)
		assert.Zero(t, in.Stats().Pending)
		assert.Nil(t, in.replyCh)
		ch.AssertExpectations(t)
	})

	t.Run("open breaker skips publishing", func(t *testing.T) {
		source := &mockSource{}
		breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithCooldown(time.Hour))
		_ = breaker.Execute(context.Background(), func() error { return errors.New("down") })

		_, p := tiedProducer(t, &collector{})
		in, err := NewIngress(source, p, nil, WithPublishBreaker(breaker), WithIngressLogger(quietLogger()))
		require.NoError(t, err)

		err = in.publishReply(context.Background(), "req-1", "replies", contracts.Outcome{Status: contracts.StatusOK})
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)

		var publishErr *PublishError
		require.ErrorAs(t, err, &publishErr)
		assert.Equal(t, "replies", publishErr.RoutingKey)
		source.AssertNotCalled(t, "Channel")
	})
}
