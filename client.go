// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tiebridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/tiebridge/messaging"
	"github.com/glimte/tiebridge/results"
	"github.com/glimte/tiebridge/tie"
)

// ErrDuplicateWorker is returned by NewWorker for a name already in use
var ErrDuplicateWorker = errors.New("tiebridge: worker name already in use")

// Bridge provides the main entry point: one consumer polled by one loop,
// the operations it runs, and the cache their outcomes wait in
type Bridge struct {
	consumer   *tie.Consumer
	loop       *tie.Loop
	cache      *results.Cache
	dispatcher *messaging.Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	workers map[string]*tie.Producer
}

// New creates a bridge. Unless WithHandler is given, accepted messages
// run through the bridge's dispatcher and land in its result cache.
func New(options ...Option) (*Bridge, error) {
	cfg := &bridgeConfig{
		logger:       slog.Default(),
		batchSize:    tie.DefaultBatchSize,
		pollInterval: tie.DefaultPollInterval,
		capacity:     results.DefaultCapacity,
	}

	for _, opt := range options {
		opt(cfg)
	}

	cache, err := results.New(
		results.WithCapacity(cfg.capacity),
		results.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	dispatcher := messaging.NewDispatcher(cache,
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithOperationTimeout(cfg.operationTimeout),
		messaging.WithMiddleware(cfg.middleware...),
	)

	var handler tie.Handler = dispatcher
	if cfg.handler != nil {
		handler = cfg.handler
	}

	consumer := tie.NewConsumer(handler,
		tie.WithBatchSize(cfg.batchSize),
		tie.WithConsumerLogger(cfg.logger),
	)

	loop := tie.NewLoop(consumer,
		tie.WithInterval(cfg.pollInterval),
		tie.WithLoopLogger(cfg.logger),
	)

	return &Bridge{
		consumer:   consumer,
		loop:       loop,
		cache:      cache,
		dispatcher: dispatcher,
		logger:     cfg.logger,
		workers:    make(map[string]*tie.Producer),
	}, nil
}

// Consumer returns the consumer side of every tie
func (b *Bridge) Consumer() *tie.Consumer {
	return b.consumer
}

// Loop returns the loop that polls the consumer
func (b *Bridge) Loop() *tie.Loop {
	return b.loop
}

// Cache returns the result cache
func (b *Bridge) Cache() *results.Cache {
	return b.cache
}

// Dispatcher returns the operation dispatcher
func (b *Bridge) Dispatcher() *messaging.Dispatcher {
	return b.dispatcher
}

// Register adds an operation run for messages of type name
func (b *Bridge) Register(name string, op messaging.Operation) error {
	return b.dispatcher.Register(name, op)
}

// RegisterFunc adds a function as an operation
func (b *Bridge) RegisterFunc(name string, fn messaging.OperationFunc) error {
	return b.dispatcher.RegisterFunc(name, fn)
}

// NewWorker creates a producer named name and ties it to the consumer.
// Every send kicks the loop so the message is not held for a full interval.
// The caller still has to Start it from the worker's goroutine.
func (b *Bridge) NewWorker(name string) (*tie.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.workers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorker, name)
	}

	producer := tie.NewProducer(name,
		tie.WithProducerLogger(b.logger),
		tie.WithWakeup(b.loop.Kick),
	)
	if err := b.consumer.Tie(producer); err != nil {
		return nil, fmt.Errorf("failed to tie worker %s: %w", name, err)
	}

	b.workers[name] = producer
	b.logger.Info("worker tied", "worker", name)
	return producer, nil
}

// RemoveWorker unties the named worker, discarding anything it still had queued
func (b *Bridge) RemoveWorker(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	producer, exists := b.workers[name]
	if !exists {
		return fmt.Errorf("unknown worker: %s", name)
	}
	if err := b.consumer.Untie(producer); err != nil {
		return fmt.Errorf("failed to untie worker %s: %w", name, err)
	}

	delete(b.workers, name)
	b.logger.Info("worker removed", "worker", name)
	return nil
}

// Run polls the consumer until ctx ends
func (b *Bridge) Run(ctx context.Context) error {
	return b.loop.Run(ctx)
}

// Stats returns a snapshot of every tie
func (b *Bridge) Stats() []tie.TieStats {
	return b.consumer.Ties()
}

// Option configures the Bridge
type Option func(*bridgeConfig)

type bridgeConfig struct {
	logger           *slog.Logger
	handler          tie.Handler
	batchSize        int
	pollInterval     time.Duration
	capacity         int
	operationTimeout time.Duration
	middleware       []messaging.MiddlewareFunc
}

// WithLogger sets the logger used by every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *bridgeConfig) {
		c.logger = logger
	}
}

// WithHandler replaces the dispatcher as the consumer's handler
func WithHandler(handler tie.Handler) Option {
	return func(c *bridgeConfig) {
		c.handler = handler
	}
}

// WithBatchSize sets how many messages one poll drains per worker
func WithBatchSize(size int) Option {
	return func(c *bridgeConfig) {
		c.batchSize = size
	}
}

// WithPollInterval sets the loop interval
func WithPollInterval(interval time.Duration) Option {
	return func(c *bridgeConfig) {
		c.pollInterval = interval
	}
}

// WithCacheCapacity sets how many outcomes wait to be collected
func WithCacheCapacity(capacity int) Option {
	return func(c *bridgeConfig) {
		c.capacity = capacity
	}
}

// WithOperationTimeout bounds each operation's context
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *bridgeConfig) {
		c.operationTimeout = timeout
	}
}

// WithMiddleware wraps every operation run by the dispatcher
func WithMiddleware(middleware ...messaging.MiddlewareFunc) Option {
	return func(c *bridgeConfig) {
		c.middleware = append(c.middleware, middleware...)
	}
}
