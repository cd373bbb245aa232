// Package kafka publishes ticket lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ticketdesk/internal/model"
)

// Producer writes events asynchronously, keyed by ticket id so that events of
// one ticket land on one partition in commit order. With no brokers or topic
// configured every method is a no-op.
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    zerolog.Logger
}

func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{log: log}
	}
	p := &Producer{topic: topic, log: log}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.log.Warn().Err(err).Int("messages", len(msgs)).Msg("kafka write failed")
			}
		},
	}
	return p
}

func (p *Producer) Enabled() bool { return p.writer != nil }

// Offer queues evt on the async writer.
func (p *Producer) Offer(evt model.TicketEvent) {
	if p.writer == nil {
		return
	}
	msg, err := encode(evt)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", evt.Type).Msg("encode kafka message")
		return
	}
	// Async writers return immediately; errors surface in Completion.
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		p.log.Warn().Err(err).Str("event_type", evt.Type).Msg("kafka enqueue failed")
	}
}

func encode(evt model.TicketEvent) (kafka.Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.TicketID, 10)),
		Value: body,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
		},
	}, nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
