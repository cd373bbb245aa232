package api

import (
    "net/http"
    "time"

    "ticketdesk/internal/buildinfo"
    "ticketdesk/internal/model"
)

// DebugJSON reports build info, effective configuration and the live
// session table. Admins only.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    ident, err := s.identify(r)
    if err != nil {
        s.writeError(w, r, err)
        return
    }
    if ident.Role != model.RoleAdmin {
        writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
        return
    }
    registry := s.Hub.Registry()
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT":                    s.Config.Port,
            "AUTH_MODE":               s.Auth.Mode(),
            "ALLOW_ORIGINS":           s.Config.AllowOrigins,
            "RATE_RPS":                s.Config.RateRPS,
            "RATE_BURST":              s.Config.RateBurst,
            "OUTBOUND_QUEUE_SIZE":     s.Config.OutboundQueueSize,
            "MAX_TICKETS_PER_SUPPORT": s.Config.MaxTicketsPerSupport,
            "MESSAGE_MAX_LENGTH":      s.Config.MessageMaxLength,
            "ALLOW_TICKET_REOPENING":  s.Config.AllowTicketReopening,
            "WEBHOOK_MAX_ATTEMPTS":    s.Config.WebhookMaxAttempts,
            "HAS_DATABASE_URL":        s.Config.DatabaseURL != "",
            "HAS_REDIS_URL":           s.Config.RedisURL != "",
            "KAFKA_ENABLED":           s.Kafka.Enabled(),
        },
        "hub": map[string]any{
            "connections": registry.Len(),
            "topics":      registry.Router().TopicCount(),
            "sessions":    registry.Snapshot(),
        },
    }
    if s.Relay != nil {
        info["relayNode"] = s.Relay.Node()
    }
    if s.Webhooks != nil {
        info["webhooks"] = map[string]any{"pending": s.Webhooks.Pending(), "failed": len(s.Webhooks.Failed())}
    }
    writeJSON(w, http.StatusOK, info)
}
