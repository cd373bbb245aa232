package realtime

import (
	"sync"

	"ticketdesk/internal/metrics"
	"ticketdesk/internal/model"
)

// Event is one server-to-client notification. Name is the client-side
// handler name (ReceiveMessage, RefreshTicketList, ...). A reply answers one
// client request instead: Name is the reply type and ReplyTo the request id.
type Event struct {
	Name    string `json:"target"`
	Payload any    `json:"payload,omitempty"`
	ReplyTo string `json:"-"`
	Reply   bool   `json:"-"`
}

// Identity is the verified owner of a connection.
type Identity struct {
	UserID      int64
	Role        model.Role
	DisplayName string
}

const DefaultQueueSize = 64

// Conn is the server side handle of one live link. Events are queued on a
// bounded channel drained by the transport's writer; when the queue is full
// the oldest pending event is discarded so a slow reader never blocks a
// publisher.
type Conn struct {
	id       string
	identity Identity

	mu      sync.Mutex
	queue   chan Event
	closed  bool
	dropped uint64
}

func NewConn(id string, identity Identity, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{id: id, identity: identity, queue: make(chan Event, queueSize)}
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) Identity() Identity { return c.identity }

// Outbound is closed by Close.
func (c *Conn) Outbound() <-chan Event { return c.queue }

// Enqueue reports false once the connection is closed.
func (c *Conn) Enqueue(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- evt:
		return true
	default:
	}
	select {
	case <-c.queue:
		c.dropped++
		metrics.EventsDropped.Inc()
	default:
	}
	select {
	case c.queue <- evt:
	default:
		c.dropped++
		metrics.EventsDropped.Inc()
	}
	return true
}

// Reply queues an answer to request id behind every event already queued,
// so a client sees a command's events before its ack. Replies share the
// overflow policy of events.
func (c *Conn) Reply(kind, id string) bool {
	return c.Enqueue(Event{Name: kind, ReplyTo: id, Reply: true})
}

// Dropped returns how many events the overflow policy discarded.
func (c *Conn) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close is idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
