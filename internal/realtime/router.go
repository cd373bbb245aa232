package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"ticketdesk/internal/metrics"
)

// Relay carries every publish through one shared, ordered channel. Forward
// must eventually deliver evt to every process, this one included, so all
// subscribers of a topic see the same sequence of events.
type Relay interface {
	Forward(ctx context.Context, topic Topic, evt Event) error
}

// Router keeps the subscriber set of every materialized topic. A topic
// exists only while it has at least one subscriber.
type Router struct {
	mu     sync.RWMutex
	topics map[Topic]map[string]*Conn
	relay  Relay
	log    zerolog.Logger
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{topics: map[Topic]map[string]*Conn{}, log: log}
}

// SetRelay must be called before the router is shared.
func (r *Router) SetRelay(relay Relay) { r.relay = relay }

// Join reports whether c was not already subscribed.
func (r *Router) Join(c *Conn, t Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[t]
	if subs == nil {
		subs = map[string]*Conn{}
		r.topics[t] = subs
		metrics.Topics.Set(float64(len(r.topics)))
	}
	if _, ok := subs[c.ID()]; ok {
		return false
	}
	subs[c.ID()] = c
	return true
}

// Leave reports whether the connection was subscribed.
func (r *Router) Leave(connID string, t Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[t]
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.topics, t)
		metrics.Topics.Set(float64(len(r.topics)))
	}
	return true
}

// Publish delivers evt to the subscribers of t. Without a relay the event is
// delivered locally and the count of local deliveries is returned. With a
// relay, delivery happens when the event comes back from the shared channel
// and Publish returns 0. If the relay is unreachable the event is delivered
// locally so this process's subscribers still get it. A topic without
// subscribers is not an error.
func (r *Router) Publish(ctx context.Context, t Topic, evt Event) int {
	if r.relay == nil {
		return r.DeliverLocal(t, evt)
	}
	if err := r.relay.Forward(ctx, t, evt); err != nil {
		metrics.RelayErrors.Inc()
		r.log.Warn().Err(err).Str("topic", t.String()).Str("event", evt.Name).Msg("relay forward failed, delivering locally")
		return r.DeliverLocal(t, evt)
	}
	return 0
}

// DeliverLocal enqueues evt on a snapshot of the current subscribers.
func (r *Router) DeliverLocal(t Topic, evt Event) int {
	r.mu.RLock()
	subs := r.topics[t]
	snapshot := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range snapshot {
		if c.Enqueue(evt) {
			delivered++
			continue
		}
		r.log.Debug().Str("conn_id", c.ID()).Str("topic", t.String()).Str("event", evt.Name).Msg("skip closed connection")
	}
	if delivered > 0 {
		metrics.EventsDelivered.WithLabelValues(evt.Name).Add(float64(delivered))
	}
	return delivered
}

// Subscribers returns the connection ids currently subscribed to t.
func (r *Router) Subscribers(t Topic) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.topics[t]))
	for id := range r.topics[t] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Router) IsSubscribed(connID string, t Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[t][connID]
	return ok
}

func (r *Router) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
