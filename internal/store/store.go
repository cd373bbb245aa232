package store

import (
	"context"
	"errors"

	"ticketdesk/internal/model"
)

// Store is the persistence collaborator behind the ticket state machine.
//
// Tickets carry an optimistic concurrency token (model.Ticket.Version).
// SaveTicket and CloseTicket only succeed when the stored version still equals
// the version of the ticket passed in, so two writers that loaded the same
// record cannot both commit. This holds across processes for the Postgres
// backend.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Users
	GetUser(ctx context.Context, id int64) (model.User, error)
	UpsertUser(ctx context.Context, u model.User) (model.User, error)

	// Tickets
	CreateTicket(ctx context.Context, t model.Ticket) (model.Ticket, error)
	GetTicket(ctx context.Context, id int64) (model.Ticket, error)
	SaveTicket(ctx context.Context, t model.Ticket) (model.Ticket, error)
	// CloseTicket saves t and increments the resolved counter of
	// t.ClosedByUserID in the same transaction.
	CloseTicket(ctx context.Context, t model.Ticket) (model.Ticket, model.TicketStatistic, error)
	// AssignTicket saves t like SaveTicket, provided t.AssignedToUserID has
	// fewer than maxInProgress InProgress tickets at commit time. The count
	// and the save are one atomic step, so concurrent accepts by one agent
	// cannot overshoot the limit. maxInProgress <= 0 disables the check.
	AssignTicket(ctx context.Context, t model.Ticket, maxInProgress int) (model.Ticket, error)
	CountAssigned(ctx context.Context, userID int64, status model.TicketStatus) (int, error)

	// Messages. AppendMessage stores msg and sets the ticket's LastActivityAt
	// to msg.CreatedAt, provided the ticket is still at expectVersion. It does
	// not bump the version. Messages of one ticket get increasing ids in
	// commit order.
	AppendMessage(ctx context.Context, msg model.Message, expectVersion int64) (model.Message, error)
	// ListMessages returns up to limit messages of a ticket with id > afterID,
	// oldest first.
	ListMessages(ctx context.Context, ticketID, afterID int64, limit int) ([]model.Message, error)

	// Statistics. CloseTicket already credits the closer; IncrementResolvedCount
	// is the standalone, race-safe increment for callers that resolve work
	// outside a ticket close.
	IncrementResolvedCount(ctx context.Context, userID int64) (model.TicketStatistic, error)
	GetStatistic(ctx context.Context, userID int64) (model.TicketStatistic, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic concurrency race.
	ErrConflict = errors.New("version conflict")
	// ErrLimitReached means AssignTicket found the assignee at capacity.
	ErrLimitReached = errors.New("assignment limit reached")
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
