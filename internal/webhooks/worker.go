package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/internal/metrics"
)

// Worker drains the queue once per second and retries failed deliveries
// with exponential backoff until MaxAttempts is reached.
type Worker struct {
	Queue       Queue
	HTTP        *http.Client
	MaxAttempts int
	log         zerolog.Logger
}

func NewWorker(q Queue, maxAttempts int, timeout time.Duration, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Worker{Queue: q, HTTP: &http.Client{Timeout: timeout}, MaxAttempts: maxAttempts, log: log}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	items, err := w.Queue.FetchDue(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		code, err := w.deliver(ctx, it)
		success := err == nil && code >= 200 && code < 300
		status := "success"
		if !success {
			status = "error"
		}
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		} else if !success {
			lastErr = "status " + strconv.Itoa(code)
		}
		if !success && it.Attempts+1 >= w.MaxAttempts {
			status = "failed"
			w.log.Warn().Str("delivery_id", it.ID).Str("url", it.URL).Str("event_type", it.EventType).Str("error", lastErr).Msg("webhook delivery abandoned")
			_ = w.Queue.Fail(ctx, it.ID, lastErr, code)
		} else {
			_ = w.Queue.Mark(ctx, it.ID, success, time.Now().Add(nextBackoff(it.Attempts)), lastErr, code)
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	}
}

func (w *Worker) deliver(ctx context.Context, it Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
		_ = resp.Body.Close()
	}
	metrics.WebhookLatency.WithLabelValues(it.EventType, strconv.Itoa(code)).Observe(float64(time.Since(start).Milliseconds()))
	return code, err
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
