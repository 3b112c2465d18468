package tie

import (
	"sync"

	"github.com/glimte/tiebridge/contracts"
)

// queue is a FIFO that is safe for many writers and a single reader.
type queue struct {
	mu    sync.Mutex
	items []*contracts.Message
}

func (q *queue) push(msg *contracts.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// popBatch removes and returns up to max messages in enqueue order
func (q *queue) popBatch(max int) []*contracts.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}

	batch := make([]*contracts.Message, n)
	copy(batch, q.items[:n])

	// Release references so drained messages can be collected
	for i := 0; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

// pushFront puts msgs back ahead of everything queued, keeping their order
func (q *queue) pushFront(msgs []*contracts.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*contracts.Message, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// clear drops everything queued and returns how many messages were dropped
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
