package api

import (
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"

    "github.com/go-playground/validator/v10"

    "ticketdesk/internal/ticket"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
    Type     string `json:"type"`
    Title    string `json:"title"`
    Status   int    `json:"status"`
    Detail   string `json:"detail,omitempty"`
    Instance string `json:"instance,omitempty"`
}

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
    w.Header().Set("Content-Type", "application/problem+json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(Problem{
        Type:     "about:blank",
        Title:    title,
        Status:   status,
        Detail:   detail,
        Instance: instance,
    })
}

// writeError maps the ticket error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case errors.Is(err, errUnauthenticated):
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
    case errors.Is(err, ticket.ErrAuthorizationDenied):
        writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
    case errors.Is(err, ticket.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
    case errors.Is(err, ticket.ErrInvalidArgument):
        writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
    case errors.Is(err, ticket.ErrInvalidTransition):
        writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
    default:
        s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
        writeProblem(w, http.StatusInternalServerError, "Internal error", "", r.URL.Path)
    }
}

// decodeBody decodes and validates a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
    dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
    dec.DisallowUnknownFields()
    if err := dec.Decode(dst); err != nil {
        return fmt.Errorf("invalid JSON: %v: %w", err, ticket.ErrInvalidArgument)
    }
    if err := validate.Struct(dst); err != nil {
        var verrs validator.ValidationErrors
        if errors.As(err, &verrs) {
            msgs := make([]string, 0, len(verrs))
            for _, fe := range verrs {
                msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
            }
            return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), ticket.ErrInvalidArgument)
        }
        return fmt.Errorf("%v: %w", err, ticket.ErrInvalidArgument)
    }
    return nil
}
