package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketdesk/internal/model"
)

func TestUnconfiguredProducerIsNoop(t *testing.T) {
	p := NewProducer(nil, "ticketdesk.events", zerolog.Nop())
	assert.False(t, p.Enabled())
	p.Offer(model.TicketEvent{Type: model.EventTicketClosed})
	assert.NoError(t, p.Close())

	p = NewProducer([]string{"localhost:9092"}, "", zerolog.Nop())
	assert.False(t, p.Enabled())
}

func TestEncodeKeysByTicket(t *testing.T) {
	at := time.Date(2025, 9, 15, 5, 47, 27, 0, time.UTC)
	msg, err := encode(model.TicketEvent{ID: "e1", Type: model.EventMessageSent, TicketID: 42, ActorID: 7, OccurredAt: at,
		Message: &model.Message{ID: 5, TicketID: 42, UserID: 7, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, model.EventMessageSent, string(msg.Headers[0].Value))

	var got model.TicketEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Content)
}
