package results

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/tiebridge/contracts"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the number of outcomes kept when no capacity is given
const DefaultCapacity = 100

var ErrInvalidCapacity = errors.New("results: capacity must be at least 1")

// EvictionHook is told about every outcome dropped for lack of room.
// It runs after the cache lock has been released.
type EvictionHook func(id string, outcome contracts.Outcome)

// Cache is a bounded, insertion-ordered map from correlation ID to outcome.
// It is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   *simplelru.LRU[string, contracts.Outcome]
	capacity  int
	evictions uint64
	logger    *slog.Logger
	onEvict   EvictionHook
}

// Option configures a Cache
type Option func(*Cache)

// WithCapacity sets the maximum number of outcomes kept
func WithCapacity(capacity int) Option {
	return func(c *Cache) {
		c.capacity = capacity
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithEvictionHook sets a function called for every evicted outcome
func WithEvictionHook(hook EvictionHook) Option {
	return func(c *Cache) {
		c.onEvict = hook
	}
}

// New creates a result cache
func New(options ...Option) (*Cache, error) {
	c := &Cache{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, c.capacity)
	}

	// Entries are only ever read with Peek so the list stays in insertion order
	entries, err := simplelru.NewLRU[string, contracts.Outcome](c.capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create result store: %w", err)
	}
	c.entries = entries

	return c, nil
}

// Put stores an outcome under id. If the cache is full the oldest entry is
// evicted. Putting an id that is already present replaces its outcome and
// makes it the newest entry.
func (c *Cache) Put(id string, outcome contracts.Outcome) {
	var (
		evictedID  string
		evictedOut contracts.Outcome
		evicted    bool
	)

	c.mu.Lock()
	if !c.entries.Contains(id) && c.entries.Len() >= c.capacity {
		evictedID, evictedOut, evicted = c.entries.RemoveOldest()
		if evicted {
			c.evictions++
		}
	}
	c.entries.Add(id, outcome)
	c.mu.Unlock()

	c.logger.Debug("added outcome to result cache", "id", id, "status", outcome.Status)

	if evicted {
		c.logger.Debug("dropping outcome because cache is full", "id", evictedID)
		if c.onEvict != nil {
			c.onEvict(evictedID, evictedOut)
		}
	}
}

// Take removes and returns the outcome stored under id. The second return
// value is false when nothing is stored under id.
func (c *Cache) Take(id string) (contracts.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome, ok := c.entries.Peek(id)
	if !ok {
		return contracts.Outcome{}, false
	}
	c.entries.Remove(id)
	return outcome, true
}

// Len returns the number of outcomes currently stored
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Capacity returns the maximum number of outcomes kept
func (c *Cache) Capacity() int {
	return c.capacity
}

// Evictions returns how many outcomes have been dropped for lack of room
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
