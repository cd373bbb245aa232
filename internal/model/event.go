package model

import "time"

// Lifecycle event types offered to integration sinks after a commit.
const (
	EventTicketCreated    = "ticket.created"
	EventMessageSent      = "ticket.message"
	EventTicketAccepted   = "ticket.accepted"
	EventTicketClosed     = "ticket.closed"
	EventTicketReassigned = "ticket.reassigned"
)

// TicketEvent describes one committed transition. Message is set for
// EventMessageSent only.
type TicketEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TicketID   int64     `json:"ticketId"`
	ActorID    int64     `json:"actorId"`
	Ticket     Ticket    `json:"ticket"`
	Message    *Message  `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
