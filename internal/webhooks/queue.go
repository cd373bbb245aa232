package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the outbox is at capacity.
var ErrQueueFull = errors.New("webhook queue full")

// Delivery is one pending POST of an event body to one target.
type Delivery struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	LastCode      int
}

// Queue is the outbox the worker drains.
type Queue interface {
	Enqueue(ctx context.Context, d Delivery) (string, error)
	FetchDue(ctx context.Context, limit int) ([]Delivery, error)
	Mark(ctx context.Context, id string, success bool, next time.Time, lastError string, code int) error
	Fail(ctx context.Context, id string, lastError string, code int) error
}

// MemoryQueue keeps pending deliveries in process. Deliveries are lost on
// restart; failed ones are kept for inspection up to the same capacity.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	pending  map[string]*Delivery
	failed   []Delivery
	now      func() time.Time
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{capacity: capacity, pending: map[string]*Delivery{}, now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, d Delivery) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.capacity {
		return "", ErrQueueFull
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = q.now()
	}
	q.pending[d.ID] = &d
	return d.ID, nil
}

// FetchDue returns due deliveries, oldest due first. Returned deliveries are
// not leased; a single worker is expected.
func (q *MemoryQueue) FetchDue(_ context.Context, limit int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []Delivery
	for _, d := range q.pending {
		if !d.NextAttemptAt.After(now) {
			due = append(due, *d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *MemoryQueue) Mark(_ context.Context, id string, success bool, next time.Time, lastError string, code int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[id]
	if !ok {
		return nil
	}
	if success {
		delete(q.pending, id)
		return nil
	}
	d.Attempts++
	d.NextAttemptAt = next
	d.LastError = lastError
	d.LastCode = code
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, lastError string, code int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[id]
	if !ok {
		return nil
	}
	delete(q.pending, id)
	d.Attempts++
	d.LastError = lastError
	d.LastCode = code
	q.failed = append(q.failed, *d)
	if len(q.failed) > q.capacity {
		q.failed = q.failed[len(q.failed)-q.capacity:]
	}
	return nil
}

// Pending reports the number of deliveries awaiting an attempt.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Failed returns deliveries that exhausted their attempts.
func (q *MemoryQueue) Failed() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.failed...)
}
