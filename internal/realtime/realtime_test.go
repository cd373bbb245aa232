package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketdesk/internal/model"
)

func newCore() (*Registry, *Router) {
	router := NewRouter(zerolog.Nop())
	return NewRegistry(router, zerolog.Nop()), router
}

func drain(c *Conn) []Event {
	var out []Event
	for {
		select {
		case evt, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

// assertSymmetric checks that every session topic lists the session and that
// the router holds no subscription the registry does not know about.
func assertSymmetric(t *testing.T, reg *Registry, router *Router) {
	t.Helper()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	router.mu.RLock()
	defer router.mu.RUnlock()
	for id, s := range reg.sessions {
		for topic := range s.topics {
			_, ok := router.topics[topic][id]
			assert.True(t, ok, "%s missing from router topic %s", id, topic)
		}
	}
	for topic, subs := range router.topics {
		assert.NotEmpty(t, subs, "empty topic %s not collected", topic)
		for id := range subs {
			s, ok := reg.sessions[id]
			require.True(t, ok, "router holds unknown conn %s", id)
			_, ok = s.topics[topic]
			assert.True(t, ok, "%s missing from session topics of %s", topic, id)
		}
	}
}

func TestTopicStringRoundTrip(t *testing.T) {
	for _, topic := range []Topic{RoleTopic(SupportTeam), UserTopic(7), TicketTopic(42)} {
		got, err := ParseTopic(topic.String())
		require.NoError(t, err)
		assert.Equal(t, topic, got)
	}
	for _, bad := range []string{"", "user:", "user:x", "ticket:-1", "room:1", "role"} {
		_, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestIdentityTopics(t *testing.T) {
	assert.ElementsMatch(t, []Topic{RoleTopic("User"), UserTopic(7)},
		IdentityTopics(Identity{UserID: 7, Role: model.RoleUser}))
	assert.ElementsMatch(t, []Topic{RoleTopic("Support"), UserTopic(3), RoleTopic(SupportTeam)},
		IdentityTopics(Identity{UserID: 3, Role: model.RoleSupport}))
	assert.ElementsMatch(t, []Topic{RoleTopic("Admin"), UserTopic(9), RoleTopic(AdminTeam)},
		IdentityTopics(Identity{UserID: 9, Role: model.RoleAdmin}))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	_, router := newCore()
	assert.Equal(t, 0, router.Publish(context.Background(), TicketTopic(1), Event{Name: "ReceiveMessage"}))
	assert.Equal(t, 0, router.TopicCount())
}

func TestPublishDeliversOncePerConnection(t *testing.T) {
	reg, router := newCore()
	a := NewConn("a", Identity{UserID: 3, Role: model.RoleSupport}, 8)
	b := NewConn("b", Identity{UserID: 4, Role: model.RoleSupport}, 8)
	u := NewConn("u", Identity{UserID: 7, Role: model.RoleUser}, 8)
	reg.Register(a)
	reg.Register(b)
	reg.Register(u)
	require.NoError(t, reg.Subscribe("a", TicketTopic(1)))
	require.NoError(t, reg.Subscribe("a", TicketTopic(1)))

	n := router.Publish(context.Background(), RoleTopic(SupportTeam), Event{Name: "RefreshTicketList"})
	assert.Equal(t, 2, n)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(u))

	assert.Equal(t, 1, router.Publish(context.Background(), TicketTopic(1), Event{Name: "ReceiveMessage"}))
	assertSymmetric(t, reg, router)
}

func TestEmptyTopicsAreCollected(t *testing.T) {
	reg, router := newCore()
	c := NewConn("c", Identity{UserID: 7, Role: model.RoleUser}, 8)
	reg.Register(c)
	require.NoError(t, reg.Subscribe("c", TicketTopic(5)))
	assert.Equal(t, 3, router.TopicCount())

	require.NoError(t, reg.Unsubscribe("c", TicketTopic(5)))
	assert.Equal(t, 2, router.TopicCount())
	reg.Unregister("c")
	assert.Equal(t, 0, router.TopicCount())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, router := newCore()
	c := NewConn("c", Identity{UserID: 3, Role: model.RoleSupport}, 8)
	other := NewConn("o", Identity{UserID: 4, Role: model.RoleSupport}, 8)
	reg.Register(c)
	reg.Register(other)
	require.NoError(t, reg.Subscribe("c", TicketTopic(1)))

	reg.Unregister("c")
	once := reg.Snapshot()
	topics := router.TopicCount()
	reg.Unregister("c")
	reg.Unregister("never-registered")

	assert.Equal(t, once, reg.Snapshot())
	assert.Equal(t, topics, router.TopicCount())
	assert.True(t, c.Closed())
	assert.False(t, other.Closed())
	assert.ErrorIs(t, reg.Subscribe("c", TicketTopic(1)), ErrUnknownConn)
	assertSymmetric(t, reg, router)
}

func TestRegisterReplacesStaleSession(t *testing.T) {
	reg, router := newCore()
	stale := NewConn("c", Identity{UserID: 7, Role: model.RoleUser}, 8)
	reg.Register(stale)
	require.NoError(t, reg.Subscribe("c", TicketTopic(1)))

	fresh := NewConn("c", Identity{UserID: 3, Role: model.RoleSupport}, 8)
	reg.Register(fresh)

	assert.True(t, stale.Closed())
	assert.Equal(t, 1, reg.Len())
	assert.False(t, router.IsSubscribed("c", UserTopic(7)))
	assert.False(t, router.IsSubscribed("c", TicketTopic(1)))
	assert.True(t, router.IsSubscribed("c", RoleTopic(SupportTeam)))
	got, ok := reg.Lookup("c")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assertSymmetric(t, reg, router)
}

func TestConnDropsOldestWhenFull(t *testing.T) {
	c := NewConn("c", Identity{UserID: 1}, 2)
	for i := 1; i <= 4; i++ {
		assert.True(t, c.Enqueue(Event{Name: fmt.Sprint(i)}))
	}
	got := drain(c)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Name)
	assert.Equal(t, "4", got[1].Name)
	assert.Equal(t, uint64(2), c.Dropped())

	c.Close()
	c.Close()
	assert.False(t, c.Enqueue(Event{Name: "late"}))
}

func TestClosedConnectionIsSkipped(t *testing.T) {
	_, router := newCore()
	live := NewConn("live", Identity{UserID: 1}, 4)
	dead := NewConn("dead", Identity{UserID: 2}, 4)
	router.Join(live, TicketTopic(1))
	router.Join(dead, TicketTopic(1))
	dead.Close()
	assert.Equal(t, 1, router.Publish(context.Background(), TicketTopic(1), Event{Name: "ReceiveMessage"}))
}

func TestConcurrentMembershipKeepsSymmetry(t *testing.T) {
	reg, router := newCore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			role := model.RoleUser
			if i%2 == 0 {
				role = model.RoleSupport
			}
			c := NewConn(id, Identity{UserID: int64(i + 1), Role: role}, 4)
			reg.Register(c)
			for tk := int64(1); tk <= 5; tk++ {
				_ = reg.Subscribe(id, TicketTopic(tk))
				router.Publish(context.Background(), TicketTopic(tk), Event{Name: "ReceiveMessage"})
				if tk%2 == 0 {
					_ = reg.Unsubscribe(id, TicketTopic(tk))
				}
			}
			if i%3 == 0 {
				reg.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	assertSymmetric(t, reg, router)

	for _, s := range reg.Snapshot() {
		reg.Unregister(s.ConnID)
	}
	assert.Equal(t, 0, router.TopicCount())
	assert.Equal(t, 0, reg.Len())
}

type recordingRelay struct {
	mu     sync.Mutex
	topics []Topic
	err    error
}

func (r *recordingRelay) Forward(_ context.Context, t Topic, _ Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, t)
	return r.err
}

func TestPublishForwardsToRelay(t *testing.T) {
	_, router := newCore()
	c := NewConn("c", Identity{UserID: 7}, 4)
	router.Join(c, UserTopic(7))
	relay := &recordingRelay{}
	router.SetRelay(relay)

	assert.Equal(t, 0, router.Publish(context.Background(), UserTopic(7), Event{Name: "ReceiveNotification"}))
	assert.Equal(t, []Topic{UserTopic(7)}, relay.topics)
	assert.Empty(t, drain(c), "delivery waits for the relayed copy")

	relay.err = errors.New("redis down")
	assert.Equal(t, 1, router.Publish(context.Background(), UserTopic(7), Event{Name: "ReceiveNotification"}))
	assert.Len(t, drain(c), 1, "unreachable relay falls back to local delivery")
}

func TestRedisRelayHandle(t *testing.T) {
	_, router := newCore()
	c := NewConn("c", Identity{UserID: 7}, 4)
	router.Join(c, UserTopic(7))

	local := &RedisRelay{node: "n1", router: router, log: zerolog.Nop()}
	remote := &RedisRelay{node: "n2", router: router, log: zerolog.Nop()}

	data, err := remote.encode(UserTopic(7), Event{Name: "ReceiveNotification", Payload: map[string]any{"type": "accepted"}})
	require.NoError(t, err)
	assert.Equal(t, 1, local.handle(data))
	assert.Equal(t, 0, local.handle([]byte("{")))

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "ReceiveNotification", got[0].Name)
	raw, err := json.Marshal(got[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"accepted"}`, string(raw))

	own, err := local.encode(UserTopic(7), Event{Name: "RefreshTicketList"})
	require.NoError(t, err)
	assert.Equal(t, 1, local.handle(own), "the publishing node delivers its own events from the channel")
}

// channel stands in for the Redis channel: one ordered log, replayed to
// every node in the same order.
type channel struct {
	mu    sync.Mutex
	log   [][]byte
	nodes []*RedisRelay
}

type channelRelay struct {
	ch   *channel
	node *RedisRelay
}

func (r channelRelay) Forward(_ context.Context, t Topic, evt Event) error {
	data, err := r.node.encode(t, evt)
	if err != nil {
		return err
	}
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	r.ch.log = append(r.ch.log, data)
	return nil
}

func (ch *channel) join(router *Router, name string) {
	node := &RedisRelay{node: name, router: router, log: zerolog.Nop()}
	router.SetRelay(channelRelay{ch: ch, node: node})
	ch.nodes = append(ch.nodes, node)
}

func (ch *channel) flush() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, data := range ch.log {
		for _, n := range ch.nodes {
			n.handle(data)
		}
	}
	ch.log = nil
}

func TestRelayedEventsHaveOneOrderAcrossNodes(t *testing.T) {
	ch := &channel{}
	_, routerA := newCore()
	_, routerB := newCore()
	ch.join(routerA, "a")
	ch.join(routerB, "b")

	room := TicketTopic(1)
	onA := NewConn("on-a", Identity{UserID: 7}, 8)
	onB := NewConn("on-b", Identity{UserID: 3}, 8)
	routerA.Join(onA, room)
	routerB.Join(onB, room)

	ctx := context.Background()
	routerA.Publish(ctx, room, Event{Name: "ReceiveMessage", Payload: "m1"})
	routerB.Publish(ctx, room, Event{Name: "ReceiveMessage", Payload: "m2"})
	routerA.Publish(ctx, room, Event{Name: "ReceiveMessage", Payload: "m3"})
	ch.flush()

	payloads := func(c *Conn) []string {
		var out []string
		for _, e := range drain(c) {
			raw, err := json.Marshal(e.Payload)
			require.NoError(t, err)
			var s string
			require.NoError(t, json.Unmarshal(raw, &s))
			out = append(out, s)
		}
		return out
	}
	want := []string{"m1", "m2", "m3"}
	assert.Equal(t, want, payloads(onA))
	assert.Equal(t, want, payloads(onB))
}

func TestSubscriptionsCopy(t *testing.T) {
	reg, _ := newCore()
	reg.Register(NewConn("c", Identity{UserID: 7, Role: model.RoleUser}, 4))
	subs := reg.Subscriptions("c")
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.String())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"role:User", "user:7"}, names)
	assert.Nil(t, reg.Subscriptions("missing"))
}

func TestReplyFollowsQueuedEvents(t *testing.T) {
	c := NewConn("c", Identity{UserID: 3}, 4)
	c.Enqueue(Event{Name: "TicketAssigned"})
	c.Enqueue(Event{Name: "RefreshTicketList"})
	require.True(t, c.Reply("ack", "7"))

	got := drain(c)
	require.Len(t, got, 3)
	assert.False(t, got[0].Reply)
	assert.False(t, got[1].Reply)
	assert.Equal(t, Event{Name: "ack", ReplyTo: "7", Reply: true}, got[2])

	c.Close()
	assert.False(t, c.Reply("ack", "8"))
}
