// Package ticket implements the ticket lifecycle: Open, then InProgress once
// a support agent accepts it, then Closed. Every operation checks its
// preconditions against a freshly loaded record and commits through the
// store's version check, so two concurrent calls on one ticket cannot both
// succeed even when they run in different processes.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"ticketdesk/internal/model"
	"ticketdesk/internal/store"
)

// Actor is the verified caller of an operation.
type Actor struct {
	UserID int64
	Role   model.Role
}

type Options struct {
	// MaxTicketsPerSupport caps InProgress assignments per agent; 0 disables it.
	MaxTicketsPerSupport int
	// MessageMaxLength is measured in runes.
	MessageMaxLength int
	Now              func() time.Time
}

const DefaultMessageMaxLength = 5000

type Machine struct {
	store store.Store
	opts  Options
}

func New(st store.Store, opts Options) *Machine {
	if opts.MessageMaxLength <= 0 {
		opts.MessageMaxLength = DefaultMessageMaxLength
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{store: st, opts: opts}
}

func (m *Machine) Options() Options { return m.opts }

// Load returns the current ticket record.
func (m *Machine) Load(ctx context.Context, ticketID int64) (model.Ticket, error) {
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return model.Ticket{}, fromStore("load", ticketID, err)
	}
	return t, nil
}

// CanParticipate reports whether a may read and post to t.
func CanParticipate(t model.Ticket, a Actor) bool {
	return t.CreatedByUserID == a.UserID || t.AssignedToUserID == a.UserID || a.Role == model.RoleAdmin
}

// CanView extends CanParticipate to every support agent, who need to see
// open tickets before accepting them.
func CanView(t model.Ticket, a Actor) bool {
	return CanParticipate(t, a) || a.Role == model.RoleSupport
}

// Create stores a new Open ticket owned by the caller.
func (m *Machine) Create(ctx context.Context, a Actor, in model.TicketIn) (model.Ticket, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return model.Ticket{}, fmt.Errorf("create ticket: subject is required: %w", ErrInvalidArgument)
	}
	now := m.opts.Now()
	t := model.Ticket{
		Subject:         subject,
		Description:     strings.TrimSpace(in.Description),
		Status:          model.StatusOpen,
		Priority:        in.Priority,
		Category:        in.Category,
		CreatedByUserID: a.UserID,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if t.Priority == "" {
		t.Priority = model.PriorityNormal
	}
	created, err := m.store.CreateTicket(ctx, t)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	return created, nil
}

// SendMessage appends a message from the ticket's creator, its assignee or
// an admin. The ticket status is left untouched.
func (m *Machine) SendMessage(ctx context.Context, ticketID int64, a Actor, content string) (model.Ticket, model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Ticket{}, model.Message{}, fmt.Errorf("send message: content is required: %w", ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(content); n > m.opts.MessageMaxLength {
		return model.Ticket{}, model.Message{}, fmt.Errorf("send message: content has %d characters, limit is %d: %w", n, m.opts.MessageMaxLength, ErrInvalidArgument)
	}
	t, err := m.Load(ctx, ticketID)
	if err != nil {
		return model.Ticket{}, model.Message{}, err
	}
	if !CanParticipate(t, a) {
		return model.Ticket{}, model.Message{}, fmt.Errorf("send message on ticket %d: user %d: %w", ticketID, a.UserID, ErrAuthorizationDenied)
	}
	msg, err := m.store.AppendMessage(ctx, model.Message{
		TicketID:      ticketID,
		UserID:        a.UserID,
		Content:       content,
		CreatedAt:     m.opts.Now(),
		IsFromSupport: a.Role.IsStaff(),
	}, t.Version)
	if err != nil {
		return model.Ticket{}, model.Message{}, fromStore("send message on", ticketID, err)
	}
	t.LastActivityAt = msg.CreatedAt
	return t, msg, nil
}

// Accept moves an Open ticket to InProgress and assigns it to the calling
// support agent. Of several concurrent accepts exactly one commits. With
// MaxTicketsPerSupport set, the agent's in-progress count is checked in the
// same store step as the save.
func (m *Machine) Accept(ctx context.Context, ticketID int64, a Actor) (model.Ticket, error) {
	if a.Role != model.RoleSupport {
		return model.Ticket{}, fmt.Errorf("accept ticket %d: role %s: %w", ticketID, a.Role, ErrAuthorizationDenied)
	}
	t, err := m.Load(ctx, ticketID)
	if err != nil {
		return model.Ticket{}, err
	}
	if t.Status != model.StatusOpen {
		return model.Ticket{}, fmt.Errorf("accept ticket %d in status %s: %w", ticketID, t.Status, ErrInvalidTransition)
	}
	now := m.opts.Now()
	t.Status = model.StatusInProgress
	t.AssignedToUserID = a.UserID
	t.AssignedAt = &now
	t.LastActivityAt = now
	saved, err := m.store.AssignTicket(ctx, t, m.opts.MaxTicketsPerSupport)
	if err != nil {
		return model.Ticket{}, fromStore("accept", ticketID, err)
	}
	return saved, nil
}

// Close ends a non-terminal ticket and credits the closer with one resolved
// ticket in the same commit.
func (m *Machine) Close(ctx context.Context, ticketID int64, a Actor) (model.Ticket, model.TicketStatistic, error) {
	if !a.Role.IsStaff() {
		return model.Ticket{}, model.TicketStatistic{}, fmt.Errorf("close ticket %d: role %s: %w", ticketID, a.Role, ErrAuthorizationDenied)
	}
	t, err := m.Load(ctx, ticketID)
	if err != nil {
		return model.Ticket{}, model.TicketStatistic{}, err
	}
	if t.Status.Terminal() {
		return model.Ticket{}, model.TicketStatistic{}, fmt.Errorf("close ticket %d in status %s: %w", ticketID, t.Status, ErrInvalidTransition)
	}
	now := m.opts.Now()
	t.Status = model.StatusClosed
	t.ClosedByUserID = a.UserID
	t.ClosedAt = &now
	t.LastActivityAt = now
	saved, stat, err := m.store.CloseTicket(ctx, t)
	if err != nil {
		return model.Ticket{}, model.TicketStatistic{}, fromStore("close", ticketID, err)
	}
	return saved, stat, nil
}

// Reassign hands an InProgress ticket to another active support agent.
func (m *Machine) Reassign(ctx context.Context, ticketID int64, a Actor, newSupportUserID int64) (model.Ticket, model.User, error) {
	if !a.Role.IsStaff() {
		return model.Ticket{}, model.User{}, fmt.Errorf("reassign ticket %d: role %s: %w", ticketID, a.Role, ErrAuthorizationDenied)
	}
	t, err := m.Load(ctx, ticketID)
	if err != nil {
		return model.Ticket{}, model.User{}, err
	}
	if t.Status != model.StatusInProgress {
		return model.Ticket{}, model.User{}, fmt.Errorf("reassign ticket %d in status %s: %w", ticketID, t.Status, ErrInvalidTransition)
	}
	target, err := m.store.GetUser(ctx, newSupportUserID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Ticket{}, model.User{}, fmt.Errorf("reassign ticket %d: user %d: %w", ticketID, newSupportUserID, ErrNotFound)
	}
	if err != nil {
		return model.Ticket{}, model.User{}, fmt.Errorf("reassign ticket %d: load user %d: %w", ticketID, newSupportUserID, err)
	}
	if !target.IsActive || target.Role != model.RoleSupport {
		return model.Ticket{}, model.User{}, fmt.Errorf("reassign ticket %d: user %d is not an active support agent: %w", ticketID, newSupportUserID, ErrNotFound)
	}
	now := m.opts.Now()
	t.AssignedToUserID = newSupportUserID
	t.AssignedAt = &now
	t.LastActivityAt = now
	saved, err := m.store.SaveTicket(ctx, t)
	if err != nil {
		return model.Ticket{}, model.User{}, fromStore("reassign", ticketID, err)
	}
	return saved, target, nil
}
