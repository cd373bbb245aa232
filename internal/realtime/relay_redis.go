package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	relayChannel = "ticketdesk:events"
	lockPrefix   = "ticketdesk:lock:"
	lockTTL      = 5 * time.Second
	lockRetry    = 10 * time.Millisecond
)

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

type relayEnvelope struct {
	Node    string          `json:"node"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RedisRelay shares publishes between server processes over one Redis
// Pub/Sub channel. Every process, the publisher included, delivers events in
// the order Redis received them, so all connections of a topic see one
// sequence. Each process delivers to its own subscribers only, so every
// connection still receives one copy.
//
// LockTicket gives the per-ticket lock cluster scope. Holding it across
// commit and publish makes the channel order equal to the commit order.
type RedisRelay struct {
	rdb    *redis.Client
	node   string
	router *Router
	log    zerolog.Logger
}

func NewRedisRelay(url string, router *Router, log zerolog.Logger) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisRelay{
		rdb:    redis.NewClient(opt),
		node:   uuid.NewString(),
		router: router,
		log:    log,
	}, nil
}

func (r *RedisRelay) Node() string { return r.node }

func (r *RedisRelay) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisRelay) Forward(ctx context.Context, topic Topic, evt Event) error {
	data, err := r.encode(topic, evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.rdb.Publish(ctx, relayChannel, data).Err()
}

func (r *RedisRelay) encode(topic Topic, evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Name, err)
	}
	return json.Marshal(relayEnvelope{Node: r.node, Topic: topic.String(), Event: evt.Name, Payload: payload})
}

// Run consumes the relay channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = ps.Close() }()
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	r.log.Info().Str("node", r.node).Msg("relay subscribed")
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) handle(data []byte) int {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn().Err(err).Msg("discard malformed relay message")
		return 0
	}
	topic, err := ParseTopic(env.Topic)
	if err != nil {
		r.log.Warn().Err(err).Msg("discard relay message")
		return 0
	}
	evt := Event{Name: env.Event}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		evt.Payload = env.Payload
	}
	return r.router.DeliverLocal(topic, evt)
}

// LockTicket acquires the cluster-wide lock of a ticket, waiting up to
// lockTTL. The lock expires after lockTTL if the holder dies.
func (r *RedisRelay) LockTicket(ctx context.Context, ticketID int64) (func(), error) {
	key := lockPrefix + TicketTopic(ticketID).String()
	token := uuid.NewString()
	wait, cancel := context.WithTimeout(ctx, lockTTL)
	defer cancel()
	for {
		ok, err := r.rdb.SetNX(wait, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-wait.Done():
			return nil, fmt.Errorf("lock %s: %w", key, wait.Err())
		case <-time.After(lockRetry):
		}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("unlock failed, lock will expire")
		}
	}, nil
}

func (r *RedisRelay) Close() error { return r.rdb.Close() }
