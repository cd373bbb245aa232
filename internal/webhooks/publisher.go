package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/internal/model"
)

// Target is one configured webhook endpoint.
type Target struct {
	URL    string
	Secret string
}

type Publisher struct {
	Queue   Queue
	Targets []Target
	log     zerolog.Logger
}

func NewPublisher(q Queue, targets []Target, log zerolog.Logger) *Publisher {
	return &Publisher{Queue: q, Targets: targets, log: log}
}

// Offer enqueues evt for every target. It never blocks on the network.
func (p *Publisher) Offer(evt model.TicketEvent) {
	if len(p.Targets) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":       evt.ID,
		"type":     evt.Type,
		"ticketId": evt.TicketID,
		"ts":       evt.OccurredAt.UTC().Format(time.RFC3339),
		"data":     evt,
	})
	if err != nil {
		p.log.Error().Err(err).Str("event_type", evt.Type).Msg("encode webhook body")
		return
	}
	for _, t := range p.Targets {
		if _, err := p.Queue.Enqueue(context.Background(), Delivery{
			EventType: evt.Type,
			URL:       t.URL,
			Secret:    t.Secret,
			Payload:   body,
		}); err != nil {
			p.log.Warn().Err(err).Str("event_type", evt.Type).Str("url", t.URL).Msg("webhook not queued")
		}
	}
}
