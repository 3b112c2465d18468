package tie

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Loop drives a consumer from a single goroutine, polling on a fixed
// interval and whenever Kick is called.
type Loop struct {
	consumer *Consumer
	interval time.Duration
	logger   *slog.Logger
	kick     chan struct{}
	running  atomic.Bool
}

// NewLoop creates a poll loop for consumer
func NewLoop(consumer *Consumer, options ...LoopOption) *Loop {
	l := &Loop{
		consumer: consumer,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(l)
	}

	if l.interval <= 0 {
		l.interval = DefaultPollInterval
	}

	return l
}

// Interval returns the poll interval
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Run polls until ctx is cancelled. A panic raised by Poll is logged and
// re-raised.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("poll loop started", "interval", l.interval)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.poll()
		case <-l.kick:
			l.poll()
		}
	}
}

// Kick requests an early poll. It never blocks; kicks that arrive while
// one is already pending are merged.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) poll() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("poll failed", "panic", r)
			panic(r)
		}
	}()
	l.consumer.Poll()
}
