package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // Connections is the number of registered hub connections on this node
    Connections = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_connections", Help: "Registered hub connections."})
    // Topics is the number of materialized topics with at least one subscriber
    Topics = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_topics", Help: "Topics with at least one local subscriber."})
    // EventsDelivered counts events enqueued to connections by event name
    EventsDelivered = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_events_delivered_total", Help: "Events enqueued to connections."},
        []string{"event"},
    )
    // EventsDropped counts events evicted from full outbound queues
    EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_events_dropped_total", Help: "Events dropped by the drop-oldest overflow policy."})
    // Commands counts hub commands by name and result (ok, denied, invalid, not_found, conflict, error)
    Commands = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_commands_total", Help: "Hub commands by result."},
        []string{"command", "result"},
    )
    // RelayErrors counts failed cross-node relay publishes
    RelayErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_relay_errors_total", Help: "Failed relay publishes."})

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(Connections)
        Registry.MustRegister(Topics)
        Registry.MustRegister(EventsDelivered)
        Registry.MustRegister(EventsDropped)
        Registry.MustRegister(Commands)
        Registry.MustRegister(RelayErrors)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
