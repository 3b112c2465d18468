package tie

import (
	"log/slog"
	"time"
)

const (
	// DefaultBatchSize bounds how many messages one producer may deliver per poll
	DefaultBatchSize = 10
	// DefaultPollInterval is how often the loop polls the consumer
	DefaultPollInterval = time.Second
)

// ProducerOption configures a Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithWakeup sets a function called after every Send. It must not block;
// Loop.Kick is the usual choice.
func WithWakeup(wakeup func()) ProducerOption {
	return func(p *Producer) {
		p.wakeup = wakeup
	}
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithBatchSize sets how many messages are drained from one producer per poll
func WithBatchSize(size int) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithInterval sets the poll interval
func WithInterval(interval time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = interval
	}
}

// WithLoopLogger sets the logger
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}
