package api

import (
    "context"
    "encoding/json"
    "net/http"
    "time"

    "github.com/google/uuid"
    "github.com/gorilla/websocket"
    "golang.org/x/time/rate"

    "ticketdesk/internal/hub"
    "ticketdesk/internal/realtime"
)

// Hub protocol over WebSocket. Clients send
//   {"type":"invoke","id":"1","target":"SendMessage","payload":{...}}
// and receive {"type":"ack","id":"1"} or {"type":"nack","id":"1"}, plus
//   {"type":"event","target":"ReceiveMessage","payload":{...}}
// for every event routed to the connection. Replies and events share one
// queue: the ack of a command follows the events it delivered locally.
// Events relayed through Redis may arrive after the ack.

const (
    pingInterval = 20 * time.Second
    readTimeout  = 60 * time.Second
    writeTimeout = 10 * time.Second
)

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Target  string          `json:"target,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

// HubHandler handles /hub. The connection is registered after a successful
// upgrade and unregistered exactly once when the read loop ends.
func (s *Server) HubHandler(w http.ResponseWriter, r *http.Request) {
    ident, err := s.identify(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) }}
    ws, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = ws.Close() }()

    conn := realtime.NewConn(uuid.NewString(), ident, s.Config.OutboundQueueSize)
    s.Hub.Connect(conn)
    defer s.Hub.Disconnect(conn.ID())

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    writerDone := make(chan struct{})
    go func() {
        defer close(writerDone)
        s.writePump(ctx, ws, conn)
    }()

    ws.SetReadLimit(1 << 20)
    _ = ws.SetReadDeadline(time.Now().Add(readTimeout))
    ws.SetPongHandler(func(string) error { _ = ws.SetReadDeadline(time.Now().Add(readTimeout)); return nil })

    limiter := rate.NewLimiter(rate.Limit(s.Config.RateRPS), s.Config.RateBurst)
    lg := s.log.With().Str("conn_id", conn.ID()).Int64("user_id", ident.UserID).Logger()
    for {
        var msg wsMessage
        if err := ws.ReadJSON(&msg); err != nil {
            if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
                lg.Debug().Err(err).Msg("read ended")
            }
            break
        }
        _ = ws.SetReadDeadline(time.Now().Add(readTimeout))
        switch msg.Type {
        case "ping":
            conn.Reply("pong", msg.ID)
        case "invoke":
            if s.Config.RateRPS > 0 && !limiter.Allow() {
                conn.Enqueue(realtime.Event{Name: hub.EventError, Payload: hub.ErrorPayload{Message: "Too many requests, slow down.", Target: msg.Target}})
                conn.Reply("nack", msg.ID)
                continue
            }
            if err := s.Hub.Invoke(ctx, conn, msg.Target, msg.Payload); err != nil {
                conn.Reply("nack", msg.ID)
                continue
            }
            conn.Reply("ack", msg.ID)
        default:
            // ignore
        }
    }
    cancel()
    <-writerDone
}

// writePump is the only writer on ws.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, conn *realtime.Conn) {
    ticker := time.NewTicker(pingInterval)
    defer ticker.Stop()
    write := func(m wsMessage) bool {
        _ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
        if err := ws.WriteJSON(m); err != nil {
            // unblock the reader
            _ = ws.Close()
            return false
        }
        return true
    }
    for {
        select {
        case <-ctx.Done():
            return
        case evt, ok := <-conn.Outbound():
            if !ok {
                _ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
                _ = ws.Close()
                return
            }
            if evt.Reply {
                if !write(wsMessage{Type: evt.Name, ID: evt.ReplyTo}) {
                    return
                }
                continue
            }
            m := wsMessage{Type: "event", Target: evt.Name}
            if evt.Payload != nil {
                b, err := json.Marshal(evt.Payload)
                if err != nil {
                    s.log.Error().Err(err).Str("event", evt.Name).Msg("encode event")
                    continue
                }
                m.Payload = b
            }
            if !write(m) {
                return
            }
        case <-ticker.C:
            if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
                _ = ws.Close()
                return
            }
        }
    }
}
