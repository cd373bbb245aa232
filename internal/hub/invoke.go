package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"ticketdesk/internal/realtime"
	"ticketdesk/internal/ticket"
)

// ErrUnknownTarget is returned by Invoke for a method the hub does not expose.
var ErrUnknownTarget = errors.New("unknown hub method")

var validate = validator.New()

type ticketArgs struct {
	TicketID int64 `json:"ticketId" validate:"required,gt=0"`
}

type sendMessageArgs struct {
	TicketID int64  `json:"ticketId" validate:"required,gt=0"`
	Content  string `json:"content" validate:"required"`
}

type reassignArgs struct {
	TicketID         int64 `json:"ticketId" validate:"required,gt=0"`
	NewSupportUserID int64 `json:"newSupportUserId" validate:"required,gt=0"`
}

// notifyArgs keeps subject and priority for wire compatibility; the stored
// ticket is authoritative.
type notifyArgs struct {
	TicketID int64  `json:"ticketId" validate:"required,gt=0"`
	Subject  string `json:"subject"`
	Priority string `json:"priority"`
}

// Targets lists the invokable hub methods.
var Targets = []string{"JoinTicket", "LeaveTicket", "SendMessage", "AcceptTicket", "CloseTicket", "ReassignTicket", "NotifyNewTicket"}

// Invoke decodes payload for target and runs the command on behalf of conn.
// Argument errors are reported to conn like any other rejection.
func (h *Hub) Invoke(ctx context.Context, conn *realtime.Conn, target string, payload json.RawMessage) error {
	switch target {
	case "JoinTicket", "LeaveTicket", "AcceptTicket", "CloseTicket":
		var a ticketArgs
		if err := decodeArgs(payload, &a); err != nil {
			return h.finish(conn, target, err)
		}
		switch target {
		case "JoinTicket":
			return h.JoinTicket(ctx, conn, a.TicketID)
		case "LeaveTicket":
			return h.LeaveTicket(ctx, conn, a.TicketID)
		case "AcceptTicket":
			return h.AcceptTicket(ctx, conn, a.TicketID)
		default:
			return h.CloseTicket(ctx, conn, a.TicketID)
		}
	case "SendMessage":
		var a sendMessageArgs
		if err := decodeArgs(payload, &a); err != nil {
			return h.finish(conn, target, err)
		}
		return h.SendMessage(ctx, conn, a.TicketID, a.Content)
	case "ReassignTicket":
		var a reassignArgs
		if err := decodeArgs(payload, &a); err != nil {
			return h.finish(conn, target, err)
		}
		return h.ReassignTicket(ctx, conn, a.TicketID, a.NewSupportUserID)
	case "NotifyNewTicket":
		var a notifyArgs
		if err := decodeArgs(payload, &a); err != nil {
			return h.finish(conn, target, err)
		}
		return h.NotifyNewTicket(ctx, conn, a.TicketID)
	}
	err := fmt.Errorf("%w %q: %w", ErrUnknownTarget, target, ticket.ErrInvalidArgument)
	return h.finish(conn, "unknown", err)
}

func decodeArgs(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing arguments: %w", ticket.ErrInvalidArgument)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("malformed arguments: %w", ticket.ErrInvalidArgument)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid arguments (%s): %w", strings.Join(fields, ", "), ticket.ErrInvalidArgument)
		}
		return fmt.Errorf("invalid arguments: %w", ticket.ErrInvalidArgument)
	}
	return nil
}
