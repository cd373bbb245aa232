package hub

import (
	"fmt"
	"time"

	"ticketdesk/internal/model"
	"ticketdesk/internal/realtime"
)

// Client-side handler names.
const (
	EventReceiveMessage      = "ReceiveMessage"
	EventReceiveNotification = "ReceiveNotification"
	EventTicketAssigned      = "TicketAssigned"
	EventRefreshTicketList   = "RefreshTicketList"
	EventRefreshDashboard    = "RefreshDashboard"
	EventError               = "Error"
)

// Notification types.
const (
	NotifyMessage    = "message"
	NotifyAccepted   = "accepted"
	NotifyClosed     = "closed"
	NotifyReassigned = "reassigned"
	NotifyNewTicket  = "new_ticket"
)

type MessagePayload struct {
	ID            int64     `json:"id"`
	TicketID      int64     `json:"ticketId"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	UserName      string    `json:"userName"`
	IsFromSupport bool      `json:"isFromSupport"`
	UserID        int64     `json:"userId"`
}

type Notification struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	TicketID int64  `json:"ticketId"`
	URL      string `json:"url"`
}

type AssignedPayload struct {
	TicketID   int64  `json:"ticketId"`
	AssignedTo string `json:"assignedTo"`
	Subject    string `json:"subject"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

func ticketURL(id int64) string { return fmt.Sprintf("/tickets/%d", id) }

const supportQueueURL = "/support/tickets"

func receiveMessage(msg model.Message, userName string) realtime.Event {
	return realtime.Event{Name: EventReceiveMessage, Payload: MessagePayload{
		ID:            msg.ID,
		TicketID:      msg.TicketID,
		Content:       msg.Content,
		CreatedAt:     msg.CreatedAt,
		UserName:      userName,
		IsFromSupport: msg.IsFromSupport,
		UserID:        msg.UserID,
	}}
}

func notification(kind string, t model.Ticket, title, text string) realtime.Event {
	return realtime.Event{Name: EventReceiveNotification, Payload: Notification{
		Type:     kind,
		Title:    title,
		Message:  text,
		TicketID: t.ID,
		URL:      ticketURL(t.ID),
	}}
}

func newTicketNotification(t model.Ticket) realtime.Event {
	return realtime.Event{Name: EventReceiveNotification, Payload: Notification{
		Type:     NotifyNewTicket,
		Title:    "New ticket",
		Message:  fmt.Sprintf("New ticket %q was filed, priority %s", t.Subject, t.Priority),
		TicketID: t.ID,
		URL:      supportQueueURL,
	}}
}

var (
	refreshTicketList = realtime.Event{Name: EventRefreshTicketList}
	refreshDashboard  = realtime.Event{Name: EventRefreshDashboard}
)
