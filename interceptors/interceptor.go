package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/internal/reliability"
	"github.com/glimte/tiebridge/messaging"
)

// ErrValidationFailed wraps errors returned by a MessageValidator
var ErrValidationFailed = errors.New("message validation failed")

// Logging logs every operation run with its duration
func Logging(logger *slog.Logger) messaging.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, msg *contracts.Message, next messaging.Operation) (any, error) {
		start := time.Now()

		logger.Debug("processing message",
			"messageId", msg.ID,
			"messageType", msg.Type,
			"correlationId", msg.GetCorrelationID(),
		)

		result, err := next.Execute(ctx, msg)
		duration := time.Since(start)

		if err != nil {
			logger.Error("message processing failed",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"duration", duration,
				"error", err,
			)
		} else {
			logger.Info("message processed successfully",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"duration", duration,
			)
		}

		return result, err
	}
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string)
}

// Metrics reports every operation run to collector
func Metrics(collector MetricsCollector) messaging.MiddlewareFunc {
	return func(ctx context.Context, msg *contracts.Message, next messaging.Operation) (any, error) {
		start := time.Now()
		collector.IncrementMessageCount(msg.Type)

		result, err := next.Execute(ctx, msg)

		collector.RecordProcessingTime(msg.Type, time.Since(start))
		if err != nil {
			collector.IncrementErrorCount(msg.Type)
		}
		return result, err
	}
}

// TypeMetrics is the per message type snapshot kept by Counters
type TypeMetrics struct {
	Type      string        `json:"type"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	TotalTime time.Duration `json:"totalTime"`
}

// Counters is an in-memory MetricsCollector
type Counters struct {
	mu     sync.Mutex
	byType map[string]*TypeMetrics
}

// NewCounters creates an empty collector
func NewCounters() *Counters {
	return &Counters{byType: make(map[string]*TypeMetrics)}
}

func (c *Counters) entry(messageType string) *TypeMetrics {
	m, ok := c.byType[messageType]
	if !ok {
		m = &TypeMetrics{Type: messageType}
		c.byType[messageType] = m
	}
	return m
}

// IncrementMessageCount implements MetricsCollector
func (c *Counters) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(messageType).Processed++
}

// RecordProcessingTime implements MetricsCollector
func (c *Counters) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(messageType).TotalTime += duration
}

// IncrementErrorCount implements MetricsCollector
func (c *Counters) IncrementErrorCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(messageType).Failed++
}

// Snapshot returns the counters sorted by message type
func (c *Counters) Snapshot() []TypeMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TypeMetrics, 0, len(c.byType))
	for _, m := range c.byType {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// MessageValidator checks a message before its operation runs
type MessageValidator interface {
	Validate(msg *contracts.Message) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(msg *contracts.Message) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(msg *contracts.Message) error {
	return f(msg)
}

// Validation rejects messages the validator refuses
func Validation(validator MessageValidator) messaging.MiddlewareFunc {
	return func(ctx context.Context, msg *contracts.Message, next messaging.Operation) (any, error) {
		if err := validator.Validate(msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
		}
		return next.Execute(ctx, msg)
	}
}

// CircuitBreaker runs operations through cb. While it is open, messages
// fail with reliability.ErrCircuitOpen without reaching their operation.
func CircuitBreaker(cb *reliability.CircuitBreaker) messaging.MiddlewareFunc {
	return func(ctx context.Context, msg *contracts.Message, next messaging.Operation) (any, error) {
		var result any
		err := cb.Execute(ctx, func() error {
			var execErr error
			result, execErr = next.Execute(ctx, msg)
			return execErr
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
