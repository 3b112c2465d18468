package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/internal/reliability"
	"github.com/glimte/tiebridge/tie"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultQueue         = "tiebridge.requests"
	DefaultPrefetch      = 10
	DefaultReplyInterval = 500 * time.Millisecond
	DefaultReplyTimeout  = 30 * time.Second
)

// ChannelSource opens channels. *ConnectionManager satisfies it.
type ChannelSource interface {
	Channel() (Channel, error)
}

// ResultSource hands out completed outcomes once. *results.Cache satisfies it.
type ResultSource interface {
	Take(id string) (contracts.Outcome, bool)
}

// pendingReply is a delivery waiting for its outcome
type pendingReply struct {
	replyTo string
	since   time.Time
}

// Ingress consumes a queue on behalf of one tie producer
type Ingress struct {
	source   ChannelSource
	producer *tie.Producer
	results  ResultSource

	queue         string
	prefetch      int
	consumerTag   string
	replyInterval time.Duration
	replyTimeout  time.Duration
	resubscribe   reliability.RetryPolicy
	breaker       *reliability.CircuitBreaker
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]pendingReply
	replyCh Channel

	running   atomic.Bool
	startOnce sync.Once
	received  atomic.Uint64
	rejected  atomic.Uint64
	replied   atomic.Uint64
}

// IngressOption configures the Ingress
type IngressOption func(*Ingress)

// WithQueue sets the queue to consume
func WithQueue(queue string) IngressOption {
	return func(in *Ingress) {
		in.queue = queue
	}
}

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) IngressOption {
	return func(in *Ingress) {
		in.prefetch = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) IngressOption {
	return func(in *Ingress) {
		in.consumerTag = tag
	}
}

// WithReplyInterval sets how often completed outcomes are published
func WithReplyInterval(interval time.Duration) IngressOption {
	return func(in *Ingress) {
		in.replyInterval = interval
	}
}

// WithReplyTimeout sets how long a delivery waits for its outcome
func WithReplyTimeout(timeout time.Duration) IngressOption {
	return func(in *Ingress) {
		in.replyTimeout = timeout
	}
}

// WithResubscribePolicy sets the backoff used when the consumer is lost
func WithResubscribePolicy(policy reliability.RetryPolicy) IngressOption {
	return func(in *Ingress) {
		in.resubscribe = policy
	}
}

// WithPublishBreaker guards reply publishing with a circuit breaker
func WithPublishBreaker(breaker *reliability.CircuitBreaker) IngressOption {
	return func(in *Ingress) {
		in.breaker = breaker
	}
}

// WithIngressLogger sets the logger
func WithIngressLogger(logger *slog.Logger) IngressOption {
	return func(in *Ingress) {
		in.logger = logger
	}
}

// NewIngress creates an ingress that sends through producer, which must
// already be tied. Outcomes for deliveries with a reply queue are read
// from results.
func NewIngress(source ChannelSource, producer *tie.Producer, results ResultSource, options ...IngressOption) (*Ingress, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: channel source cannot be nil", ErrInvalidConfiguration)
	}
	if producer == nil || !producer.Tied() {
		return nil, fmt.Errorf("%w: producer must be tied", ErrInvalidConfiguration)
	}

	in := &Ingress{
		source:        source,
		producer:      producer,
		results:       results,
		queue:         DefaultQueue,
		prefetch:      DefaultPrefetch,
		consumerTag:   "tiebridge-" + uuid.New().String()[:8],
		replyInterval: DefaultReplyInterval,
		replyTimeout:  DefaultReplyTimeout,
		resubscribe:   reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, -1),
		logger:        slog.Default(),
		now:           time.Now,
		pending:       make(map[string]pendingReply),
	}

	for _, opt := range options {
		opt(in)
	}

	if in.queue == "" {
		return nil, fmt.Errorf("%w: queue name cannot be empty", ErrInvalidConfiguration)
	}
	if in.prefetch < 1 {
		in.prefetch = DefaultPrefetch
	}
	if in.breaker == nil {
		in.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("reply-publish"),
			reliability.WithCooldown(5*time.Second),
		)
	}

	return in, nil
}

// Run starts the producer and consumes until ctx ends. A lost consumer
// is resubscribed with backoff.
func (in *Ingress) Run(ctx context.Context) error {
	if !in.running.CompareAndSwap(false, true) {
		return ErrIngressRunning
	}
	defer in.running.Store(false)

	in.startOnce.Do(in.producer.Start)

	var wg sync.WaitGroup
	if in.results != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.replyLoop(ctx)
		}()
	}

	err := reliability.RetryWithNotify(ctx, in.resubscribe, func() error {
		return in.consume(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		in.logger.Warn("consumer lost, resubscribing",
			"queue", in.queue,
			"attempt", attempt,
			"error", err,
			"nextRetryIn", delay)
	})

	wg.Wait()
	in.closeReplyChannel()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// consume runs one subscription until ctx ends or the delivery channel closes
func (in *Ingress) consume(ctx context.Context) error {
	ch, err := in.source.Channel()
	if err != nil {
		return in.consumerError("open channel", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(in.queue, true, false, false, false, nil); err != nil {
		return in.consumerError("declare", err)
	}

	if err := ch.Qos(in.prefetch, 0, false); err != nil {
		return in.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(in.queue, in.consumerTag, false, false, false, false, nil)
	if err != nil {
		return in.consumerError("consume", err)
	}

	in.logger.Info("subscribed to queue",
		"queue", in.queue,
		"consumerTag", in.consumerTag,
		"prefetchCount", in.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return in.consumerError("consume", ErrConsumerCancelled)
			}
			in.handleDelivery(delivery)
		}
	}
}

func (in *Ingress) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       in.queue,
		ConsumerTag: in.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// handleDelivery sends one delivery through the tie and acknowledges it
func (in *Ingress) handleDelivery(d amqp.Delivery) {
	msg, err := toMessage(d)
	if err != nil {
		in.rejected.Add(1)
		in.logger.Warn("rejecting delivery",
			"queue", in.queue,
			"messageId", d.MessageId,
			"error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			in.logger.Error("failed to nack delivery", "error", nackErr)
		}
		return
	}

	correlationID := msg.GetCorrelationID()
	if d.ReplyTo != "" && in.results != nil {
		in.mu.Lock()
		in.pending[correlationID] = pendingReply{replyTo: d.ReplyTo, since: in.now()}
		in.mu.Unlock()
	}

	in.producer.Send(msg)
	in.received.Add(1)

	if err := d.Ack(false); err != nil {
		in.logger.Error("failed to ack delivery",
			"correlationId", correlationID,
			"error", err)
	}

	in.logger.Debug("delivery accepted",
		"type", msg.Type,
		"correlationId", correlationID)
}

// toMessage builds an application message from a delivery
func toMessage(d amqp.Delivery) (*contracts.Message, error) {
	if len(d.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidDelivery)
	}
	if d.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidDelivery)
	}
	if !json.Valid(d.Body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidDelivery)
	}

	msg := contracts.NewMessage(d.Type, json.RawMessage(d.Body))
	switch {
	case d.CorrelationId != "":
		msg.SetCorrelationID(d.CorrelationId)
	case d.MessageId != "":
		msg.SetCorrelationID(d.MessageId)
	}
	if !d.Timestamp.IsZero() {
		msg.Timestamp = d.Timestamp.UTC()
	}
	return msg, nil
}

// IngressStats is a snapshot of ingress counters
type IngressStats struct {
	Queue    string `json:"queue"`
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Replied  uint64 `json:"replied"`
	Pending  int    `json:"pending"`
}

// Stats returns the ingress counters
func (in *Ingress) Stats() IngressStats {
	in.mu.Lock()
	pending := len(in.pending)
	in.mu.Unlock()

	return IngressStats{
		Queue:    in.queue,
		Received: in.received.Load(),
		Rejected: in.rejected.Load(),
		Replied:  in.replied.Load(),
		Pending:  pending,
	}
}
