package api

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "ticketdesk/internal/config"
    "ticketdesk/internal/hub"
    "ticketdesk/internal/metrics"
    "ticketdesk/internal/model"
    "ticketdesk/internal/store"
    "ticketdesk/internal/ticket"
)

func testConfig() config.Config {
    return config.Config{
        AuthMode:          "dev",
        OutboundQueueSize: 64,
        RateRPS:           100,
        RateBurst:         100,
        MessageMaxLength:  5000,
        AllowOrigins:      "*",
    }
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
    t.Helper()
    metrics.RegisterDefault()
    st := store.NewMemory()
    seed, err := store.LoadSeed("../store/testdata/seed.yaml")
    require.NoError(t, err)
    require.NoError(t, seed.Apply(context.Background(), st))
    s, err := NewServerWithStore(testConfig(), st)
    require.NoError(t, err)
    ts := httptest.NewServer(s.Routes())
    t.Cleanup(ts.Close)
    return s, ts
}

func do(t *testing.T, method, url, token string, body any) *http.Response {
    t.Helper()
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        require.NoError(t, err)
        rd = bytes.NewReader(b)
    }
    req, err := http.NewRequest(method, url, rd)
    require.NoError(t, err)
    if token != "" {
        req.Header.Set("Authorization", "Bearer "+token)
    }
    req.Header.Set("Content-Type", "application/json")
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    t.Cleanup(func() { _ = resp.Body.Close() })
    return resp
}

type client struct {
    t       *testing.T
    ws      *websocket.Conn
    n       int
    pending []wsMessage
}

func dial(t *testing.T, ts *httptest.Server, token string) *client {
    t.Helper()
    url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub?access_token=" + token
    ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
    require.NoError(t, err)
    _ = resp.Body.Close()
    t.Cleanup(func() { _ = ws.Close() })
    return &client{t: t, ws: ws}
}

func (c *client) invoke(target string, payload any) string {
    c.t.Helper()
    c.n++
    id := fmt.Sprintf("%s-%d", target, c.n)
    b, err := json.Marshal(payload)
    require.NoError(c.t, err)
    require.NoError(c.t, c.ws.WriteJSON(wsMessage{Type: "invoke", ID: id, Target: target, Payload: b}))
    return id
}

// next returns the first message satisfying match, reading from the socket
// until one arrives. Replies and events travel on separate queues, so
// unmatched messages are kept for later calls.
func (c *client) next(match func(wsMessage) bool) wsMessage {
    c.t.Helper()
    for i, m := range c.pending {
        if match(m) {
            c.pending = append(c.pending[:i], c.pending[i+1:]...)
            return m
        }
    }
    _ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
    for {
        var m wsMessage
        require.NoError(c.t, c.ws.ReadJSON(&m))
        if match(m) {
            return m
        }
        c.pending = append(c.pending, m)
    }
}

// read returns the next message off the socket.
func (c *client) read() wsMessage {
    c.t.Helper()
    require.Empty(c.t, c.pending)
    _ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
    var m wsMessage
    require.NoError(c.t, c.ws.ReadJSON(&m))
    return m
}

func (c *client) reply(id string) wsMessage {
    return c.next(func(m wsMessage) bool { return (m.Type == "ack" || m.Type == "nack") && m.ID == id })
}

func (c *client) event(name string) wsMessage {
    return c.next(func(m wsMessage) bool { return m.Type == "event" && m.Target == name })
}

func waitConnections(t *testing.T, s *Server, n int) {
    t.Helper()
    require.Eventually(t, func() bool { return s.Hub.Registry().Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthReady(t *testing.T) {
    _, ts := newTestServer(t)
    assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/healthz", "", nil).StatusCode)
    assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/readyz", "", nil).StatusCode)
    resp := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
    assert.Equal(t, http.StatusOK, resp.StatusCode)
    body, _ := io.ReadAll(resp.Body)
    assert.Contains(t, string(body), "hub_connections")
}

func TestHubRequiresIdentity(t *testing.T) {
    _, ts := newTestServer(t)
    url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub"
    for _, token := range []string{"", "?access_token=garbage", "?access_token=5:support", "?access_token=99:user"} {
        _, resp, err := websocket.DefaultDialer.Dial(url+token, nil)
        require.Error(t, err, token)
        require.NotNil(t, resp, token)
        assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, token)
    }
}

func TestHubAcceptAndMessageFlow(t *testing.T) {
    s, ts := newTestServer(t)
    reza := dial(t, ts, "7:user")
    sara := dial(t, ts, "3:support")
    waitConnections(t, s, 2)

    assert.Equal(t, "ack", reza.reply(reza.invoke("JoinTicket", map[string]any{"ticketId": 1})).Type)
    // the caller sees the command's events before its ack
    acceptID := sara.invoke("AcceptTicket", map[string]any{"ticketId": 1})
    assigned := sara.read()
    assert.Equal(t, hub.EventTicketAssigned, assigned.Target)
    assert.JSONEq(t, `{"ticketId":1,"assignedTo":"Sara (Support)","subject":"Printer on floor 2 is jammed"}`, string(assigned.Payload))
    assert.Equal(t, hub.EventRefreshTicketList, sara.read().Target)
    assert.Equal(t, wsMessage{Type: "ack", ID: acceptID}, sara.read())

    n := reza.event(hub.EventReceiveNotification)
    var note hub.Notification
    require.NoError(t, json.Unmarshal(n.Payload, &note))
    assert.Equal(t, hub.NotifyAccepted, note.Type)

    assert.Equal(t, "ack", reza.reply(reza.invoke("SendMessage", map[string]any{"ticketId": 1, "content": "hello"})).Type)
    msg := reza.event(hub.EventReceiveMessage)
    var mp hub.MessagePayload
    require.NoError(t, json.Unmarshal(msg.Payload, &mp))
    assert.Equal(t, "hello", mp.Content)
    assert.False(t, mp.IsFromSupport)
    n = sara.event(hub.EventReceiveNotification)
    require.NoError(t, json.Unmarshal(n.Payload, &note))
    assert.Equal(t, hub.NotifyMessage, note.Type)

    // the second accept loses and only the caller hears about it, the
    // error event ahead of the nack
    omid := dial(t, ts, "4:support")
    waitConnections(t, s, 3)
    id := omid.invoke("AcceptTicket", map[string]any{"ticketId": 1})
    e := omid.read()
    assert.Equal(t, "event", e.Type)
    assert.Equal(t, hub.EventError, e.Target)
    assert.Contains(t, string(e.Payload), "status")
    assert.Equal(t, wsMessage{Type: "nack", ID: id}, omid.read())

    resp := do(t, http.MethodGet, ts.URL+"/v1/tickets/1/messages", "7:user", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var page struct {
        Items     []model.Message `json:"items"`
        NextAfter *int64          `json:"nextAfter"`
    }
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
    require.Len(t, page.Items, 1)
    assert.Equal(t, mp.ID, page.Items[0].ID)
    require.NotNil(t, page.NextAfter)
    assert.Equal(t, mp.ID, *page.NextAfter)
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
    s, ts := newTestServer(t)
    c := dial(t, ts, "7:user")
    waitConnections(t, s, 1)
    c.reply(c.invoke("JoinTicket", map[string]any{"ticketId": 1}))
    require.Equal(t, 3, s.Hub.Registry().Router().TopicCount())

    _ = c.ws.Close()
    waitConnections(t, s, 0)
    assert.Equal(t, 0, s.Hub.Registry().Router().TopicCount())
}

func TestCreateTicketAnnouncesToSupport(t *testing.T) {
    s, ts := newTestServer(t)
    sara := dial(t, ts, "3:support")
    admin := dial(t, ts, "9:admin")
    waitConnections(t, s, 2)

    resp := do(t, http.MethodPost, ts.URL+"/v1/tickets", "8:user", model.TicketIn{Subject: "Laptop will not boot", Description: "black screen", Priority: model.PriorityCritical})
    require.Equal(t, http.StatusCreated, resp.StatusCode)
    var created model.Ticket
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
    assert.Equal(t, model.StatusOpen, created.Status)
    assert.Equal(t, int64(8), created.CreatedByUserID)

    n := sara.event(hub.EventReceiveNotification)
    var note hub.Notification
    require.NoError(t, json.Unmarshal(n.Payload, &note))
    assert.Equal(t, hub.NotifyNewTicket, note.Type)
    assert.Equal(t, created.ID, note.TicketID)
    sara.event(hub.EventRefreshTicketList)
    admin.event(hub.EventRefreshDashboard)

    bad := do(t, http.MethodPost, ts.URL+"/v1/tickets", "8:user", map[string]any{"subject": "x", "priority": "Urgent"})
    assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
    assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, ts.URL+"/v1/tickets", "", model.TicketIn{Subject: "x", Description: "y"}).StatusCode)
}

func TestTicketVisibility(t *testing.T) {
    _, ts := newTestServer(t)
    assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/v1/tickets/1", "7:user", nil).StatusCode)
    assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/v1/tickets/1", "4:support", nil).StatusCode)
    assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, ts.URL+"/v1/tickets/1", "8:user", nil).StatusCode)
    assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, ts.URL+"/v1/tickets/1/messages", "8:user", nil).StatusCode)
    assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/v1/tickets/77", "9:admin", nil).StatusCode)
    assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, ts.URL+"/v1/tickets/abc", "9:admin", nil).StatusCode)
    assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, ts.URL+"/v1/tickets/1/messages?limit=-1", "7:user", nil).StatusCode)
}

func TestStats(t *testing.T) {
    s, ts := newTestServer(t)
    ctx := context.Background()
    sara := ticket.Actor{UserID: 3, Role: model.RoleSupport}
    _, err := s.Machine.Accept(ctx, 1, sara)
    require.NoError(t, err)
    _, _, err = s.Machine.Close(ctx, 1, sara)
    require.NoError(t, err)
    second, err := s.Machine.Create(ctx, ticket.Actor{UserID: 7, Role: model.RoleUser}, model.TicketIn{Subject: "VPN drops", Description: "hourly"})
    require.NoError(t, err)
    _, err = s.Machine.Accept(ctx, second.ID, sara)
    require.NoError(t, err)

    type stats struct {
        TicketsResolved   int `json:"ticketsResolved"`
        TicketsInProgress int `json:"ticketsInProgress"`
    }
    resp := do(t, http.MethodGet, ts.URL+"/v1/stats/3", "3:support", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var stat stats
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&stat))
    assert.Equal(t, stats{TicketsResolved: 1, TicketsInProgress: 1}, stat)

    resp = do(t, http.MethodGet, ts.URL+"/v1/stats/4", "9:admin", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    stat = stats{}
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&stat))
    assert.Equal(t, stats{}, stat)

    assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, ts.URL+"/v1/stats/3", "4:support", nil).StatusCode)
}

func TestDebugIsAdminOnly(t *testing.T) {
    _, ts := newTestServer(t)
    assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, ts.URL+"/debug", "3:support", nil).StatusCode)
    resp := do(t, http.MethodGet, ts.URL+"/debug", "9:admin", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var info map[string]any
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
    assert.Contains(t, info, "hub")
    assert.Contains(t, info, "build")
}

func TestOpenAPI(t *testing.T) {
    _, ts := newTestServer(t)
    resp := do(t, http.MethodGet, ts.URL+"/openapi.json", "", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var doc map[string]any
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
    assert.Equal(t, "3.0.3", doc["openapi"])
}
