package realtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"ticketdesk/internal/metrics"
)

var ErrUnknownConn = errors.New("unknown connection")

type session struct {
	conn   *Conn
	topics map[Topic]struct{}
}

// Registry owns the connection table. Every subscription change goes through
// it so that a topic lists a connection exactly when the connection lists
// the topic. Lock order is Registry.mu then Router.mu.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	router   *Router
	log      zerolog.Logger
}

func NewRegistry(router *Router, log zerolog.Logger) *Registry {
	return &Registry{sessions: map[string]*session{}, router: router, log: log}
}

func (r *Registry) Router() *Router { return r.router }

// Register records c and subscribes it to its identity topics. Registering
// an id again replaces the previous session, including its subscriptions.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[c.ID()]; ok {
		r.dropLocked(old)
		if old.conn != c {
			old.conn.Close()
		}
		r.log.Debug().Str("conn_id", c.ID()).Msg("replaced stale session")
	}
	s := &session{conn: c, topics: map[Topic]struct{}{}}
	r.sessions[c.ID()] = s
	for _, t := range IdentityTopics(c.Identity()) {
		r.router.Join(c, t)
		s.topics[t] = struct{}{}
	}
	metrics.Connections.Set(float64(len(r.sessions)))
}

// Subscribe is idempotent.
func (r *Registry) Subscribe(connID string, t Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConn
	}
	r.router.Join(s.conn, t)
	s.topics[t] = struct{}{}
	return nil
}

// Unsubscribe is idempotent.
func (r *Registry) Unsubscribe(connID string, t Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConn
	}
	r.router.Leave(connID, t)
	delete(s.topics, t)
	return nil
}

// Unregister removes the session, leaves every topic it held and closes the
// connection. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		r.dropLocked(s)
		delete(r.sessions, connID)
		metrics.Connections.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if ok {
		s.conn.Close()
	}
}

func (r *Registry) dropLocked(s *session) {
	for t := range s.topics {
		r.router.Leave(s.conn.ID(), t)
	}
	s.topics = map[Topic]struct{}{}
}

func (r *Registry) Lookup(connID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// Subscriptions returns a copy of the topics held by connID.
func (r *Registry) Subscriptions(connID string) []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	out := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionInfo describes one session for the debug endpoint.
type SessionInfo struct {
	ConnID string   `json:"connId"`
	UserID int64    `json:"userId"`
	Role   string   `json:"role"`
	Topics []string `json:"topics"`
}

func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		info := SessionInfo{ConnID: id, UserID: s.conn.Identity().UserID, Role: string(s.conn.Identity().Role)}
		for t := range s.topics {
			info.Topics = append(info.Topics, t.String())
		}
		sort.Strings(info.Topics)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}
