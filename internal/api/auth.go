package api

import (
    "context"
    "errors"
    "fmt"
    "net/http"

    "ticketdesk/internal/auth"
    "ticketdesk/internal/realtime"
    "ticketdesk/internal/store"
    "ticketdesk/internal/ticket"
)

var errUnauthenticated = errors.New("unauthenticated")

// identify verifies the request's token and resolves the user it names.
// Unknown and inactive users are refused.
func (s *Server) identify(r *http.Request) (realtime.Identity, error) {
    return s.identifyToken(r.Context(), auth.TokenFromRequest(r))
}

func (s *Server) identifyToken(ctx context.Context, token string) (realtime.Identity, error) {
    if token == "" {
        return realtime.Identity{}, fmt.Errorf("%w: missing bearer token", errUnauthenticated)
    }
    p, err := s.Auth.Verify(token)
    if err != nil {
        return realtime.Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
    }
    u, err := s.Store.GetUser(ctx, p.UserID)
    if errors.Is(err, store.ErrNotFound) {
        return realtime.Identity{}, fmt.Errorf("%w: unknown user %d", errUnauthenticated, p.UserID)
    }
    if err != nil {
        return realtime.Identity{}, err
    }
    if !u.IsActive {
        return realtime.Identity{}, fmt.Errorf("%w: user %d is inactive", errUnauthenticated, p.UserID)
    }
    name := u.DisplayName
    if name == "" {
        name = u.Username
    }
    return realtime.Identity{UserID: u.ID, Role: p.Role, DisplayName: name}, nil
}

func actor(id realtime.Identity) ticket.Actor {
    return ticket.Actor{UserID: id.UserID, Role: id.Role}
}
