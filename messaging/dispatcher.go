package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/tiebridge/contracts"
)

var (
	// ErrUnknownOperation is stored as the outcome of a message whose type has no operation
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrOperationPanicked is stored as the outcome of an operation that panicked
	ErrOperationPanicked = errors.New("operation panicked")
)

// Operation executes one application message on the consumer side
type Operation interface {
	Execute(ctx context.Context, msg *contracts.Message) (any, error)
}

// OperationFunc is a function adapter for Operation
type OperationFunc func(ctx context.Context, msg *contracts.Message) (any, error)

// Execute implements Operation
func (f OperationFunc) Execute(ctx context.Context, msg *contracts.Message) (any, error) {
	return f(ctx, msg)
}

// MiddlewareFunc wraps operation execution
type MiddlewareFunc func(ctx context.Context, msg *contracts.Message, next Operation) (any, error)

// OutcomeSink receives the outcome of every dispatched message.
// *results.Cache satisfies it.
type OutcomeSink interface {
	Put(id string, outcome contracts.Outcome)
}

// Dispatcher routes accepted application messages to the operation
// registered for their type and records the outcome under the
// message's correlation ID.
type Dispatcher struct {
	operations map[string]Operation
	mu         sync.RWMutex
	sink       OutcomeSink
	logger     *slog.Logger
	middleware []MiddlewareFunc
	timeout    time.Duration
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// WithOperationTimeout bounds the context handed to each operation.
// Zero means no deadline.
func WithOperationTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// NewDispatcher creates a dispatcher that records outcomes in sink.
// A nil sink discards them.
func NewDispatcher(sink OutcomeSink, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		operations: make(map[string]Operation),
		sink:       sink,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register registers the operation executed for messages of the given type
func (d *Dispatcher) Register(name string, op Operation) error {
	if name == "" {
		return fmt.Errorf("operation name cannot be empty")
	}
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.operations[name]; exists {
		return fmt.Errorf("operation already registered: %s", name)
	}
	d.operations[name] = op

	d.logger.Info("registered operation", "operation", name)
	return nil
}

// RegisterFunc registers a function as an operation
func (d *Dispatcher) RegisterFunc(name string, fn OperationFunc) error {
	return d.Register(name, fn)
}

// Unregister removes the operation for a message type
func (d *Dispatcher) Unregister(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.operations[name]; !exists {
		return fmt.Errorf("no operation registered: %s", name)
	}
	delete(d.operations, name)

	d.logger.Info("unregistered operation", "operation", name)
	return nil
}

// Has reports whether an operation is registered for name
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.operations[name]
	return exists
}

// Operations returns the registered operation names in sorted order
func (d *Dispatcher) Operations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.operations))
	for name := range d.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MessageAccepted implements tie.Handler. It runs on the consumer's
// polling goroutine.
func (d *Dispatcher) MessageAccepted(msg *contracts.Message) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	outcome := d.Dispatch(ctx, msg)
	if d.sink != nil {
		d.sink.Put(msg.GetCorrelationID(), outcome)
	}
}

// Dispatch executes the operation for msg and returns its outcome.
// Operation errors and panics become error outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *contracts.Message) (outcome contracts.Outcome) {
	d.mu.RLock()
	op, exists := d.operations[msg.Type]
	d.mu.RUnlock()

	if !exists {
		d.logger.Warn("no operation registered for message type",
			"messageType", msg.Type,
			"messageId", msg.ID)
		return contracts.NewErrorOutcome(msg, fmt.Errorf("%w: %s", ErrUnknownOperation, msg.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operation panicked",
				"messageType", msg.Type,
				"messageId", msg.ID,
				"panic", r)
			outcome = contracts.NewErrorOutcome(msg, fmt.Errorf("%w: %v", ErrOperationPanicked, r))
		}
	}()

	start := time.Now()
	result, err := d.buildMiddlewareChain(op).Execute(ctx, msg)
	if err != nil {
		d.logger.Error("operation failed",
			"messageType", msg.Type,
			"messageId", msg.ID,
			"error", err)
		return contracts.NewErrorOutcome(msg, err)
	}

	outcome, err = contracts.NewOutcome(msg, result)
	if err != nil {
		return contracts.NewErrorOutcome(msg, err)
	}

	d.logger.Debug("operation completed",
		"messageType", msg.Type,
		"messageId", msg.ID,
		"duration", time.Since(start))
	return outcome
}

// buildMiddlewareChain builds the middleware execution chain
func (d *Dispatcher) buildMiddlewareChain(op Operation) Operation {
	if len(d.middleware) == 0 {
		return op
	}

	// Build chain in reverse order
	result := op
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = OperationFunc(func(ctx context.Context, msg *contracts.Message) (any, error) {
			return middleware(ctx, msg, next)
		})
	}

	return result
}
