package api

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "ticketdesk/internal/model"
    "ticketdesk/internal/store"
    "ticketdesk/internal/ticket"
)

func pathID(r *http.Request, name string) (int64, error) {
    id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
    if err != nil || id <= 0 {
        return 0, fmt.Errorf("%s must be a positive integer: %w", name, ticket.ErrInvalidArgument)
    }
    return id, nil
}

// CreateTicketHandler handles POST /v1/tickets. The new ticket is announced
// to the support team exactly as NotifyNewTicket would.
func (s *Server) CreateTicketHandler(w http.ResponseWriter, r *http.Request) {
    ident, err := s.identify(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    var in model.TicketIn
    if err := decodeBody(w, r, &in); err != nil {
        s.writeError(w, r, err)
        return
    }
    t, err := s.Machine.Create(r.Context(), actor(ident), in)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    s.Hub.TicketCreated(context.WithoutCancel(r.Context()), t)
    w.Header().Set("Location", "/v1/tickets/"+strconv.FormatInt(t.ID, 10))
    writeJSON(w, http.StatusCreated, t)
}

// loadVisible loads a ticket the caller may see.
func (s *Server) loadVisible(r *http.Request) (model.Ticket, error) {
    ident, err := s.identify(r)
    if err != nil {
        return model.Ticket{}, err
    }
    id, err := pathID(r, "id")
    if err != nil {
        return model.Ticket{}, err
    }
    t, err := s.Machine.Load(r.Context(), id)
    if err != nil {
        return model.Ticket{}, err
    }
    if !ticket.CanView(t, actor(ident)) {
        return model.Ticket{}, ticket.ErrAuthorizationDenied
    }
    return t, nil
}

// TicketHandler handles GET /v1/tickets/{id}
func (s *Server) TicketHandler(w http.ResponseWriter, r *http.Request) {
    t, err := s.loadVisible(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, t)
}

// MessagesHandler handles GET /v1/tickets/{id}/messages?after=&limit=.
// Clients call it after (re)joining a ticket room to catch up on history;
// the live channel only carries messages committed after the join.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
    t, err := s.loadVisible(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    q := r.URL.Query()
    var after int64
    if v := q.Get("after"); v != "" {
        if after, err = strconv.ParseInt(v, 10, 64); err != nil || after < 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid request", "after must be a non-negative integer", r.URL.Path)
            return
        }
    }
    limit := 0
    if v := q.Get("limit"); v != "" {
        if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid request", "limit must be a non-negative integer", r.URL.Path)
            return
        }
    }
    items, err := s.Store.ListMessages(r.Context(), t.ID, after, limit)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    var next *int64
    if len(items) > 0 {
        last := items[len(items)-1].ID
        next = &last
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextAfter": next})
}

// StatsHandler handles GET /v1/stats/{userId} for admins and the user
// themself: the resolved counter plus the current in-progress load.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
    ident, err := s.identify(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    userID, err := pathID(r, "userId")
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    if ident.UserID != userID && ident.Role != model.RoleAdmin {
        s.writeError(w, r, ticket.ErrAuthorizationDenied)
        return
    }
    st, err := s.Store.GetStatistic(r.Context(), userID)
    if errors.Is(err, store.ErrNotFound) {
        st, err = model.TicketStatistic{UserID: userID}, nil
    }
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    inProgress, err := s.Store.CountAssigned(r.Context(), userID, model.StatusInProgress)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, struct {
        model.TicketStatistic
        TicketsInProgress int `json:"ticketsInProgress"`
    }{st, inProgress})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil {
        writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "store: "+err.Error(), r.URL.Path)
        return
    }
    if s.Relay != nil {
        if err := s.Relay.Ping(ctx); err != nil {
            writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "redis: "+err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
