package tie

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/glimte/tiebridge/contracts"
)

// tieEntry is the consumer's record of one tied producer
type tieEntry struct {
	producer   *Producer
	state      atomic.Int32
	detached   atomic.Bool
	mirror     sync.Mutex // orders mirror writes against detach
	delivered  atomic.Uint64
	suppressed atomic.Uint64
}

func (t *tieEntry) State() contracts.ConnectionState {
	return contracts.ConnectionState(t.state.Load())
}

// setState moves the tie and the producer's mirror together. Once the
// entry is detached the mirror belongs to Untie and is left alone.
func (t *tieEntry) setState(s contracts.ConnectionState) {
	t.state.Store(int32(s))

	t.mirror.Lock()
	defer t.mirror.Unlock()
	if t.detached.Load() {
		return
	}
	t.producer.state.Store(int32(s))
}

// detach hands the producer's mirror back as Disconnected
func (t *tieEntry) detach() {
	t.mirror.Lock()
	defer t.mirror.Unlock()
	t.detached.Store(true)
	t.producer.state.Store(int32(contracts.StateDisconnected))
}

// TieStats is a snapshot of one tie
type TieStats struct {
	Name       string                    `json:"name"`
	State      contracts.ConnectionState `json:"state"`
	Pending    int                       `json:"pending"`
	Delivered  uint64                    `json:"delivered"`
	Suppressed uint64                    `json:"suppressed"`
}

// Consumer is the coordinating end of all ties. Poll must only ever be
// called from one goroutine at a time; Tie, Untie and Ties are safe from any.
type Consumer struct {
	handler   Handler
	batchSize int
	logger    *slog.Logger

	mu    sync.RWMutex
	ties  []*tieEntry
	index map[*Producer]*tieEntry

	polling atomic.Bool
}

// NewConsumer creates a consumer that hands accepted messages to handler.
// A nil handler discards them.
func NewConsumer(handler Handler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		handler:   handler,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		index:     make(map[*Producer]*tieEntry),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.batchSize < 1 {
		c.batchSize = DefaultBatchSize
	}
	if c.handler == nil {
		c.handler = HandlerFunc(func(*contracts.Message) {})
	}

	return c
}

// BatchSize returns the per-producer drain bound
func (c *Consumer) BatchSize() int {
	return c.batchSize
}

// Tie connects a producer to this consumer. After Tie returns the producer's
// worker is expected to call Start to send the handshake.
func (c *Consumer) Tie(p *Producer) error {
	if p == nil {
		return ErrNilProducer
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[p]; exists {
		return fmt.Errorf("%w: %q", contracts.ErrAlreadyTied, p.name)
	}
	if !p.consumer.CompareAndSwap(nil, c) {
		return fmt.Errorf("%w: %q is tied to another consumer", contracts.ErrAlreadyTied, p.name)
	}

	entry := &tieEntry{producer: p}
	entry.setState(contracts.StateConnecting)

	c.ties = append(c.ties, entry)
	c.index[p] = entry

	c.logger.Info("producer tied", "tie", p.name)
	return nil
}

// Untie removes a producer. Anything still queued is dropped and the
// producer's mirror goes back to Disconnected. The worker must not Send
// after it has been untied.
func (c *Consumer) Untie(p *Producer) error {
	if p == nil {
		return ErrNilProducer
	}

	c.mu.Lock()
	entry, exists := c.index[p]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", contracts.ErrNotTied, p.name)
	}
	delete(c.index, p)
	c.ties = slices.DeleteFunc(c.ties, func(t *tieEntry) bool { return t == entry })
	c.mu.Unlock()

	entry.detach()
	p.consumer.Store(nil)
	p.signal.Store(false)
	dropped := p.queue.clear()

	c.logger.Info("producer untied", "tie", p.name, "dropped", dropped)
	return nil
}

// Ties returns a snapshot of every tie
func (c *Consumer) Ties() []TieStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]TieStats, 0, len(c.ties))
	for _, t := range c.ties {
		stats = append(stats, TieStats{
			Name:       t.producer.name,
			State:      t.State(),
			Pending:    t.producer.queue.len(),
			Delivered:  t.delivered.Load(),
			Suppressed: t.suppressed.Load(),
		})
	}
	return stats
}

// Poll drains every signalled producer once, up to the batch size each.
// Protocol violations and handler panics are not recovered.
func (c *Consumer) Poll() {
	if !c.polling.CompareAndSwap(false, true) {
		panic(contracts.NewProtocolError("poll", "", contracts.StateDisconnected, nil, contracts.ErrConcurrentPoll))
	}
	defer c.polling.Store(false)

	c.mu.RLock()
	ties := slices.Clone(c.ties)
	c.mu.RUnlock()

	for _, t := range ties {
		c.drain(t)
	}
}

func (c *Consumer) drain(t *tieEntry) {
	p := t.producer

	// Clear before draining: a Send racing with this drain sets the signal
	// again and is picked up on the next poll.
	if !p.signal.CompareAndSwap(true, false) {
		return
	}

	batch := p.queue.popBatch(c.batchSize)
	taken := 0

	// Runs on panic too: messages after the one that panicked go back to
	// the front of the queue and the signal stays raised while any remain.
	defer func() {
		if t.detached.Load() {
			return
		}
		p.queue.pushFront(batch[taken:])
		if p.queue.len() > 0 {
			p.signal.Store(true)
		}
	}()

	for _, msg := range batch {
		if t.detached.Load() {
			return
		}
		taken++
		c.receive(t, msg)
	}
}

// receive applies the state machine to one dequeued message
func (c *Consumer) receive(t *tieEntry, msg *contracts.Message) {
	name := t.producer.name
	state := t.State()

	switch state {
	case contracts.StateDisconnected:
		panic(contracts.NewProtocolError("receive", name, state, msg, contracts.ErrProtocolViolation))

	case contracts.StateConnecting:
		if !msg.IsHandshake() {
			panic(contracts.NewProtocolError("receive", name, state, msg, contracts.ErrProtocolViolation))
		}
		msg.OnConsumerSide(c.logger)
		t.setState(contracts.StateConnected)
		t.suppressed.Add(1)
		c.logger.Info("tie connected", "tie", name)

	case contracts.StateConnected:
		if msg.IsHandshake() {
			c.logger.Warn("handshake received on connected tie", "tie", name, "messageId", msg.ID)
		}
		if msg.OnConsumerSide(c.logger) == contracts.Suppress {
			t.suppressed.Add(1)
			return
		}
		c.handler.MessageAccepted(msg)
		t.delivered.Add(1)

	default:
		panic(contracts.NewProtocolError("receive", name, state, msg, contracts.ErrUnknownState))
	}
}
