package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/storage"
)

const defaultMessageTTL = 7 * 24 * time.Hour

// Queue is an in-memory storage.Queue with visibility timeouts and pop
// receipts that follow the storage queue service semantics.
type Queue struct {
	name  string
	clock clock.Clock

	mu       sync.Mutex
	created  bool
	messages []*queuedMessage
}

type queuedMessage struct {
	id           string
	popReceipt   string
	body         string
	dequeueCount int64
	insertedAt   time.Time
	expiresAt    time.Time
	visibleAt    time.Time
}

// NewQueue returns an uncreated queue.
func NewQueue(name string, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{name: name, clock: clk}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Create marks the queue as existing. Creating twice is not an error.
func (q *Queue) Create(context.Context) error {
	q.mu.Lock()
	q.created = true
	q.mu.Unlock()
	return nil
}

// Exists reports whether Create has been called.
func (q *Queue) Exists(context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.created, nil
}

// ApproximateCount counts every unexpired message, visible or not.
func (q *Queue) ApproximateCount(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.created {
		return 0, storage.ErrQueueNotFound
	}
	q.expireLocked(q.clock.Now())
	return int64(len(q.messages)), nil
}

// Receive hands out up to max visible messages in insertion order, hiding
// each for visibility and issuing a fresh pop receipt.
func (q *Queue) Receive(_ context.Context, max int, visibility time.Duration) ([]storage.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := storage.CheckMessageCount(max); err != nil {
		return nil, err
	}
	if !q.created {
		return nil, storage.ErrQueueNotFound
	}
	now := q.clock.Now()
	q.expireLocked(now)
	out := make([]storage.Message, 0, max)
	for _, msg := range q.messages {
		if len(out) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.dequeueCount++
		msg.popReceipt = newID()
		msg.visibleAt = now.Add(visibility)
		out = append(out, msg.snapshot(true))
	}
	return out, nil
}

// Peek returns up to max visible messages without changing them.
func (q *Queue) Peek(_ context.Context, max int) ([]storage.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := storage.CheckMessageCount(max); err != nil {
		return nil, err
	}
	if !q.created {
		return nil, storage.ErrQueueNotFound
	}
	now := q.clock.Now()
	q.expireLocked(now)
	out := make([]storage.Message, 0, max)
	for _, msg := range q.messages {
		if len(out) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		out = append(out, msg.snapshot(false))
	}
	return out, nil
}

// Enqueue appends a message.
func (q *Queue) Enqueue(_ context.Context, body string, opts storage.EnqueueOptions) (storage.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.created {
		return storage.Message{}, storage.ErrQueueNotFound
	}
	now := q.clock.Now()
	ttl := opts.TimeToLive
	if ttl <= 0 {
		ttl = defaultMessageTTL
	}
	msg := &queuedMessage{
		id:         newID(),
		popReceipt: newID(),
		body:       body,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		visibleAt:  now.Add(opts.VisibilityDelay),
	}
	q.messages = append(q.messages, msg)
	return msg.snapshot(true), nil
}

// Delete removes a message. The pop receipt must match the latest receive.
func (q *Queue) Delete(_ context.Context, id, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.created {
		return storage.ErrQueueNotFound
	}
	for i, msg := range q.messages {
		if msg.id != id {
			continue
		}
		if msg.popReceipt != popReceipt {
			return storage.ErrPopReceipt
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return storage.ErrNotFound
}

// Len returns the number of stored messages regardless of visibility.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Queue) expireLocked(now time.Time) {
	kept := q.messages[:0]
	for _, msg := range q.messages {
		if msg.expiresAt.After(now) {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = kept
}

func (m *queuedMessage) snapshot(withReceipt bool) storage.Message {
	out := storage.Message{
		ID:            m.id,
		Body:          m.body,
		DequeueCount:  m.dequeueCount,
		InsertedAt:    m.insertedAt,
		ExpiresAt:     m.expiresAt,
		NextVisibleAt: m.visibleAt,
	}
	if withReceipt {
		out.PopReceipt = m.popReceipt
	}
	return out
}
