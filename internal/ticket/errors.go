package ticket

import (
	"errors"
	"fmt"

	"ticketdesk/internal/store"
)

var (
	// ErrAuthorizationDenied means the caller lacks the role or relationship
	// the operation requires.
	ErrAuthorizationDenied = errors.New("not authorized")
	// ErrInvalidTransition means the ticket's current status does not allow
	// the operation.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound covers missing tickets and missing or inactive target users.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a lost optimistic update. It matches ErrInvalidTransition
	// under errors.Is so callers see both the same way.
	ErrConflict = fmt.Errorf("%w: ticket was modified concurrently", ErrInvalidTransition)
	// ErrInvalidArgument rejects malformed input before any state is read.
	ErrInvalidArgument = errors.New("invalid argument")
)

// fromStore maps persistence errors onto the taxonomy above.
func fromStore(op string, ticketID int64, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s ticket %d: %w", op, ticketID, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s ticket %d: %w", op, ticketID, ErrConflict)
	case errors.Is(err, store.ErrLimitReached):
		return fmt.Errorf("%s ticket %d: too many tickets in progress: %w", op, ticketID, ErrInvalidTransition)
	}
	return fmt.Errorf("%s ticket %d: %w", op, ticketID, err)
}

// Reason is a short machine label for an error, used as a metrics label and
// in client error events.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return "error"
}
