package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/tiebridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the ingress uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DialAMQP dials a real broker
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	policy         reliability.RetryPolicy
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithReconnectDelay sets the initial delay between connection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of connection attempts after the
// first. Negative retries until the context ends.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithRetryPolicy overrides the backoff built from the reconnect delay
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.policy == nil {
		cm.policy = reliability.NewExponentialBackoff(cm.reconnectDelay, time.Minute, 2.0, cm.maxRetries)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())

	return cm
}

// Connect establishes the initial connection, retrying per the policy
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.IsConnected() {
		return nil
	}
	if err := cm.ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}

	attempts, err := cm.dialWithRetry(ctx, "connect")
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempts)
	return nil
}

func (cm *ConnectionManager) dialWithRetry(ctx context.Context, op string) (int, error) {
	attempts := 0
	err := reliability.RetryWithNotify(ctx, cm.policy, func() error {
		attempts++
		conn, err := cm.dial(cm.url)
		if err != nil {
			return err
		}
		return cm.install(conn)
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn("connection attempt failed",
			"op", op,
			"attempt", attempt,
			"error", err,
			"nextRetryIn", delay)
	})
	return attempts, err
}

func (cm *ConnectionManager) install(conn Connection) error {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Closed while dialing
	if cm.ctx.Err() != nil {
		_ = conn.Close()
		return reliability.Permanent(ErrConnectionClosed)
	}

	cm.conn = conn
	cm.isConnected = true

	cm.wg.Add(1)
	go cm.watch(notify)
	return nil
}

// watch waits for the connection to drop and starts reconnecting
func (cm *ConnectionManager) watch(notify chan *amqp.Error) {
	defer cm.wg.Done()

	select {
	case err := <-notify:
		if cm.ctx.Err() != nil {
			return
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.logger.Error("connection closed", "error", err)
		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	attempts, err := cm.dialWithRetry(cm.ctx, "reconnect")
	if err != nil {
		if cm.ctx.Err() == nil {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempts,
				"duration", time.Since(start),
				"error", err)
		}
		return
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(start))
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.isConnected = false
	cm.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	cm.wg.Wait()
	return err
}
