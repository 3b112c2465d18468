package tie

import (
	"log/slog"
	"sync/atomic"

	"github.com/glimte/tiebridge/contracts"
)

// Producer is the worker end of a tie. Send may be called from any number of
// goroutines; it only appends to the queue and raises the readiness signal.
type Producer struct {
	name    string
	logger  *slog.Logger
	wakeup  func()
	queue   queue
	signal  atomic.Bool
	state   atomic.Int32
	started atomic.Bool

	// Set by the consumer on Tie, cleared on Untie
	consumer atomic.Pointer[Consumer]
}

// NewProducer creates a producer. It must be tied to a consumer before the
// owning worker calls Start.
func NewProducer(name string, options ...ProducerOption) *Producer {
	p := &Producer{
		name:   name,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Name returns the producer name used in logs and stats
func (p *Producer) Name() string {
	return p.name
}

// State returns the producer's mirror of the tie state. The consumer is
// authoritative and updates it on every transition.
func (p *Producer) State() contracts.ConnectionState {
	return contracts.ConnectionState(p.state.Load())
}

// Tied reports whether the producer is currently tied to a consumer
func (p *Producer) Tied() bool {
	return p.consumer.Load() != nil
}

// Pending returns the number of queued messages not yet drained
func (p *Producer) Pending() int {
	return p.queue.len()
}

// Start is the one time started event of the worker. It must be called once,
// after the producer has been tied and before any other Send, so that the
// handshake is the first message on the queue.
func (p *Producer) Start() {
	if !p.Tied() {
		panic(contracts.NewProtocolError("start", p.name, p.State(), nil, contracts.ErrNotTied))
	}
	if !p.started.CompareAndSwap(false, true) {
		panic(contracts.NewProtocolError("start", p.name, p.State(), nil, contracts.ErrAlreadyStarted))
	}

	p.state.Store(int32(contracts.StateConnecting))
	p.logger.Debug("producer started", "tie", p.name)

	p.Send(contracts.NewHandshake())
}

// Send hands a message to the consumer. It never waits for the consumer;
// the message is delivered on a later Poll.
func (p *Producer) Send(msg *contracts.Message) {
	if !p.Tied() {
		panic(contracts.NewProtocolError("send", p.name, p.State(), msg, contracts.ErrNotTied))
	}
	if msg == nil || !msg.Kind.Valid() {
		panic(contracts.NewProtocolError("send", p.name, p.State(), msg, contracts.ErrInvalidMessage))
	}

	msg.OnProducerSide(p.logger)
	p.queue.push(msg)
	p.signal.Store(true)

	if p.wakeup != nil {
		p.wakeup()
	}
}
