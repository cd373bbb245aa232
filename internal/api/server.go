// Package api exposes the hub over WebSocket and the ticket read/write
// endpoints over HTTP.
package api

import (
    "context"
    "fmt"
    "net/http"
    "time"

    "github.com/rs/zerolog"

    "ticketdesk/internal/auth"
    "ticketdesk/internal/config"
    "ticketdesk/internal/hub"
    "ticketdesk/internal/kafka"
    "ticketdesk/internal/logging"
    "ticketdesk/internal/metrics"
    "ticketdesk/internal/realtime"
    "ticketdesk/internal/store"
    "ticketdesk/internal/ticket"
    "ticketdesk/internal/webhooks"
)

type Server struct {
    Config   config.Config
    Store    store.Store
    Machine  *ticket.Machine
    Hub      *hub.Hub
    Auth     *auth.Verifier
    Relay    *realtime.RedisRelay
    Webhooks *webhooks.MemoryQueue
    Worker   *webhooks.Worker
    Kafka    *kafka.Producer
    log      zerolog.Logger
}

// NewServer wires the service from cfg. The store is Postgres when
// DATABASE_URL is set, bbolt when BOLT_PATH is set, otherwise in memory.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
    metrics.RegisterDefault()
    st, err := OpenStore(ctx, cfg)
    if err != nil {
        return nil, err
    }
    return NewServerWithStore(cfg, st)
}

// OpenStore selects and prepares the persistence backend, applying
// SEED_FILE when set.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
    log := logging.WithComponent("store")
    var st store.Store
    switch {
    case cfg.DatabaseURL != "":
        pg, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, fmt.Errorf("open postgres: %w", err)
        }
        if cfg.DBMigrate {
            if err := pg.Migrate(ctx); err != nil {
                _ = pg.Close()
                return nil, fmt.Errorf("migrate: %w", err)
            }
        }
        log.Info().Msg("using postgres store")
        st = pg
    case cfg.BoltPath != "":
        b, err := store.NewBolt(cfg.BoltPath)
        if err != nil {
            return nil, fmt.Errorf("open bolt: %w", err)
        }
        log.Info().Str("path", cfg.BoltPath).Msg("using bolt store")
        st = b
    default:
        log.Info().Msg("using in-memory store")
        st = store.NewMemory()
    }
    if cfg.SeedFile != "" {
        seed, err := store.LoadSeed(cfg.SeedFile)
        if err == nil {
            err = seed.Apply(ctx, st)
        }
        if err != nil {
            _ = st.Close()
            return nil, fmt.Errorf("seed: %w", err)
        }
        log.Info().Str("file", cfg.SeedFile).Int("users", len(seed.Users)).Int("tickets", len(seed.Tickets)).Msg("seed applied")
    }
    return st, nil
}

// NewServerWithStore wires everything except the store.
func NewServerWithStore(cfg config.Config, st store.Store) (*Server, error) {
    s := &Server{
        Config: cfg,
        Store:  st,
        Auth: auth.NewVerifier(auth.Options{
            Mode:       cfg.AuthMode,
            HMACSecret: cfg.AuthHMACSecret,
            JWKSURL:    cfg.AuthJWKSURL,
            UserClaim:  cfg.AuthUserClaim,
            RoleClaim:  cfg.AuthRoleClaim,
        }),
        log: logging.WithComponent("api"),
    }
    s.Machine = ticket.New(st, ticket.Options{
        MaxTicketsPerSupport: cfg.MaxTicketsPerSupport,
        MessageMaxLength:     cfg.MessageMaxLength,
    })

    router := realtime.NewRouter(logging.WithComponent("router"))
    if cfg.RedisURL != "" {
        relay, err := realtime.NewRedisRelay(cfg.RedisURL, router, logging.WithComponent("relay"))
        if err != nil {
            return nil, err
        }
        router.SetRelay(relay)
        s.Relay = relay
    }
    registry := realtime.NewRegistry(router, logging.WithComponent("registry"))

    var sinks []hub.Sink
    if urls := cfg.Webhooks(); len(urls) > 0 {
        targets := make([]webhooks.Target, 0, len(urls))
        for _, u := range urls {
            targets = append(targets, webhooks.Target{URL: u, Secret: cfg.WebhookSecret})
        }
        s.Webhooks = webhooks.NewMemoryQueue(4096)
        s.Worker = webhooks.NewWorker(s.Webhooks, cfg.WebhookMaxAttempts, cfg.WebhookTimeout, logging.WithComponent("webhooks"))
        sinks = append(sinks, webhooks.NewPublisher(s.Webhooks, targets, logging.WithComponent("webhooks")))
    }
    s.Kafka = kafka.NewProducer(cfg.Brokers(), cfg.KafkaTopic, logging.WithComponent("kafka"))
    if s.Kafka.Enabled() {
        sinks = append(sinks, s.Kafka)
    }

    s.Hub = hub.New(s.Machine, registry, logging.WithComponent("hub"), sinks...)
    if s.Relay != nil {
        s.Hub.SetTicketLock(s.Relay)
    }
    return s, nil
}

// Run starts background workers and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
    done := make(chan struct{}, 2)
    n := 0
    if s.Relay != nil {
        n++
        go func() {
            defer func() { done <- struct{}{} }()
            for ctx.Err() == nil {
                if err := s.Relay.Run(ctx); err != nil {
                    s.log.Error().Err(err).Msg("relay stopped, retrying")
                    select {
                    case <-ctx.Done():
                    case <-time.After(2 * time.Second):
                    }
                }
            }
        }()
    }
    if s.Worker != nil {
        n++
        go func() {
            defer func() { done <- struct{}{} }()
            s.Worker.Run(ctx)
        }()
    }
    <-ctx.Done()
    for ; n > 0; n-- {
        <-done
    }
}

// Close releases the store and outbound clients.
func (s *Server) Close() error {
    if s.Relay != nil {
        _ = s.Relay.Close()
    }
    _ = s.Kafka.Close()
    return s.Store.Close()
}

// Routes returns the full HTTP handler including middleware.
func (s *Server) Routes() http.Handler {
    mux := http.NewServeMux()

    // Real-time hub
    mux.HandleFunc("GET /hub", s.HubHandler)

    // Tickets
    mux.HandleFunc("POST /v1/tickets", s.CreateTicketHandler)
    mux.HandleFunc("GET /v1/tickets/{id}", s.TicketHandler)
    mux.HandleFunc("GET /v1/tickets/{id}/messages", s.MessagesHandler)
    mux.HandleFunc("GET /v1/stats/{userId}", s.StatsHandler)

    // Health and ops
    mux.HandleFunc("GET /healthz", s.HealthHandler)
    mux.HandleFunc("GET /readyz", s.ReadyHandler)
    mux.Handle("GET /metrics", metricsHandler())
    mux.HandleFunc("GET /debug", s.DebugJSON)

    // Docs
    mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
    mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
    mux.HandleFunc("GET /docs", s.DocsHandler)

    return s.withCORS(s.logMiddleware(mux))
}
