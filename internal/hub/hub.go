// Package hub is the command surface of the real-time service. Each command
// runs the ticket state machine and, only after the change is committed,
// fans the resulting events out to the affected topics. Commands touching
// the same ticket are serialized so subscribers see events in commit order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog"

	"ticketdesk/internal/metrics"
	"ticketdesk/internal/model"
	"ticketdesk/internal/realtime"
	"ticketdesk/internal/ticket"
)

// Sink receives committed lifecycle events for outbound integrations.
// Offer must not block.
type Sink interface {
	Offer(evt model.TicketEvent)
}

// TicketLock extends the per-ticket lock to every process sharing the
// store, so commit and publish order agree cluster-wide.
type TicketLock interface {
	LockTicket(ctx context.Context, ticketID int64) (unlock func(), err error)
}

type Hub struct {
	machine  *ticket.Machine
	registry *realtime.Registry
	router   *realtime.Router
	locks    *locker.Locker
	cluster  TicketLock
	sinks    []Sink
	log      zerolog.Logger
	now      func() time.Time
}

func New(machine *ticket.Machine, registry *realtime.Registry, log zerolog.Logger, sinks ...Sink) *Hub {
	return &Hub{
		machine:  machine,
		registry: registry,
		router:   registry.Router(),
		locks:    locker.New(),
		sinks:    sinks,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Registry() *realtime.Registry { return h.registry }

// SetTicketLock must be called before the hub serves commands.
func (h *Hub) SetTicketLock(l TicketLock) { h.cluster = l }

// Connect registers conn and its identity subscriptions.
func (h *Hub) Connect(conn *realtime.Conn) {
	h.registry.Register(conn)
	id := conn.Identity()
	h.log.Info().Str("conn_id", conn.ID()).Int64("user_id", id.UserID).Str("role", string(id.Role)).Msg("connected")
}

// Disconnect is safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.registry.Unregister(connID)
	h.log.Info().Str("conn_id", connID).Msg("disconnected")
}

func actorOf(conn *realtime.Conn) ticket.Actor {
	id := conn.Identity()
	return ticket.Actor{UserID: id.UserID, Role: id.Role}
}

// withTicket runs fn while holding the ticket's lock. The local lock is
// taken first so one process queues its own commands without polling the
// cluster lock. fn does not run when the cluster lock cannot be acquired.
func (h *Hub) withTicket(ctx context.Context, ticketID int64, fn func()) error {
	key := strconv.FormatInt(ticketID, 10)
	h.locks.Lock(key)
	defer func() { _ = h.locks.Unlock(key) }()
	if h.cluster != nil {
		unlock, err := h.cluster.LockTicket(ctx, ticketID)
		if err != nil {
			return fmt.Errorf("lock ticket %d: %w", ticketID, err)
		}
		defer unlock()
	}
	fn()
	return nil
}

func (h *Hub) publish(ctx context.Context, t realtime.Topic, evt realtime.Event) {
	n := h.router.Publish(ctx, t, evt)
	h.log.Debug().Str("topic", t.String()).Str("event", evt.Name).Int("delivered", n).Msg("published")
}

// fanOut delivers the events of a committed change. A panic while building
// or delivering is reported to the caller only; the commit stands.
func (h *Hub) fanOut(conn *realtime.Conn, command string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("command", command).Msg("fan-out failed")
			if conn != nil {
				h.sendError(conn, command, errors.New("notification delivery failed"))
			}
		}
	}()
	fn()
}

func (h *Hub) offer(typ string, actorID int64, t model.Ticket, msg *model.Message) {
	evt := model.TicketEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		TicketID:   t.ID,
		ActorID:    actorID,
		Ticket:     t,
		Message:    msg,
		OccurredAt: h.now(),
	}
	for _, s := range h.sinks {
		s.Offer(evt)
	}
}

func (h *Hub) finish(conn *realtime.Conn, command string, err error) error {
	metrics.Commands.WithLabelValues(command, ticket.Reason(err)).Inc()
	if err == nil {
		return nil
	}
	lg := h.log.Debug()
	if ticket.Reason(err) == "error" {
		lg = h.log.Error()
	}
	lg.Err(err).Str("command", command).Str("conn_id", conn.ID()).Msg("command rejected")
	h.sendError(conn, command, err)
	return err
}

func (h *Hub) sendError(conn *realtime.Conn, command string, err error) {
	conn.Enqueue(realtime.Event{Name: EventError, Payload: ErrorPayload{Message: clientMessage(err), Target: command}})
}

// clientMessage hides internal detail and reports a lost race exactly like
// an invalid transition.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ticket.ErrAuthorizationDenied):
		return "You are not allowed to perform this action."
	case errors.Is(err, ticket.ErrInvalidArgument):
		return err.Error()
	case errors.Is(err, ticket.ErrNotFound):
		return "The ticket or user was not found."
	case errors.Is(err, ticket.ErrInvalidTransition):
		return "The ticket's current status does not allow this action."
	}
	return "Something went wrong, please try again."
}

// JoinTicket subscribes conn to the ticket room. Joining twice is harmless.
func (h *Hub) JoinTicket(ctx context.Context, conn *realtime.Conn, ticketID int64) error {
	const command = "JoinTicket"
	t, err := h.machine.Load(ctx, ticketID)
	if err == nil && !ticket.CanView(t, actorOf(conn)) {
		err = fmt.Errorf("join ticket %d: %w", ticketID, ticket.ErrAuthorizationDenied)
	}
	if err == nil {
		err = h.registry.Subscribe(conn.ID(), realtime.TicketTopic(ticketID))
	}
	return h.finish(conn, command, err)
}

func (h *Hub) LeaveTicket(ctx context.Context, conn *realtime.Conn, ticketID int64) error {
	return h.finish(conn, "LeaveTicket", h.registry.Unsubscribe(conn.ID(), realtime.TicketTopic(ticketID)))
}

func (h *Hub) SendMessage(ctx context.Context, conn *realtime.Conn, ticketID int64, content string) error {
	const command = "SendMessage"
	var err error
	if lockErr := h.withTicket(ctx, ticketID, func() {
		var (
			t   model.Ticket
			msg model.Message
		)
		t, msg, err = h.machine.SendMessage(ctx, ticketID, actorOf(conn), content)
		if err != nil {
			return
		}
		h.fanOut(conn, command, func() {
			h.publish(ctx, realtime.TicketTopic(ticketID), receiveMessage(msg, conn.Identity().DisplayName))
			switch {
			case msg.IsFromSupport:
				h.publish(ctx, realtime.UserTopic(t.CreatedByUserID), notification(NotifyMessage, t,
					"New reply from support", fmt.Sprintf("Ticket %q has a new reply", t.Subject)))
			case t.AssignedToUserID != 0:
				h.publish(ctx, realtime.UserTopic(t.AssignedToUserID), notification(NotifyMessage, t,
					"New message from user", fmt.Sprintf("Ticket %q has a new message", t.Subject)))
			}
		})
		h.offer(model.EventMessageSent, msg.UserID, t, &msg)
	}); lockErr != nil {
		err = lockErr
	}
	return h.finish(conn, command, err)
}

func (h *Hub) AcceptTicket(ctx context.Context, conn *realtime.Conn, ticketID int64) error {
	const command = "AcceptTicket"
	var err error
	if lockErr := h.withTicket(ctx, ticketID, func() {
		var t model.Ticket
		t, err = h.machine.Accept(ctx, ticketID, actorOf(conn))
		if err != nil {
			return
		}
		name := conn.Identity().DisplayName
		h.fanOut(conn, command, func() {
			h.publish(ctx, realtime.UserTopic(t.CreatedByUserID), notification(NotifyAccepted, t,
				"Ticket accepted", fmt.Sprintf("Ticket %q was accepted by %s", t.Subject, name)))
			h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), realtime.Event{Name: EventTicketAssigned, Payload: AssignedPayload{
				TicketID:   t.ID,
				AssignedTo: name,
				Subject:    t.Subject,
			}})
			h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), refreshTicketList)
		})
		h.offer(model.EventTicketAccepted, t.AssignedToUserID, t, nil)
	}); lockErr != nil {
		err = lockErr
	}
	return h.finish(conn, command, err)
}

func (h *Hub) CloseTicket(ctx context.Context, conn *realtime.Conn, ticketID int64) error {
	const command = "CloseTicket"
	var err error
	if lockErr := h.withTicket(ctx, ticketID, func() {
		var t model.Ticket
		t, _, err = h.machine.Close(ctx, ticketID, actorOf(conn))
		if err != nil {
			return
		}
		h.fanOut(conn, command, func() {
			h.publish(ctx, realtime.UserTopic(t.CreatedByUserID), notification(NotifyClosed, t,
				"Ticket closed", fmt.Sprintf("Ticket %q was closed", t.Subject)))
			h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), refreshTicketList)
			h.publish(ctx, realtime.RoleTopic(realtime.AdminTeam), refreshDashboard)
		})
		h.offer(model.EventTicketClosed, t.ClosedByUserID, t, nil)
	}); lockErr != nil {
		err = lockErr
	}
	return h.finish(conn, command, err)
}

func (h *Hub) ReassignTicket(ctx context.Context, conn *realtime.Conn, ticketID, newSupportUserID int64) error {
	const command = "ReassignTicket"
	var err error
	if lockErr := h.withTicket(ctx, ticketID, func() {
		var (
			t      model.Ticket
			target model.User
		)
		t, target, err = h.machine.Reassign(ctx, ticketID, actorOf(conn), newSupportUserID)
		if err != nil {
			return
		}
		h.fanOut(conn, command, func() {
			h.publish(ctx, realtime.UserTopic(newSupportUserID), notification(NotifyReassigned, t,
				"Ticket assigned to you", fmt.Sprintf("Ticket %q was assigned to you", t.Subject)))
			h.publish(ctx, realtime.UserTopic(t.CreatedByUserID), notification(NotifyReassigned, t,
				"Ticket moved to a new agent", fmt.Sprintf("Ticket %q was assigned to %s", t.Subject, target.DisplayName)))
			h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), refreshTicketList)
		})
		h.offer(model.EventTicketReassigned, conn.Identity().UserID, t, nil)
	}); lockErr != nil {
		err = lockErr
	}
	return h.finish(conn, command, err)
}

// NotifyNewTicket announces an existing ticket to the support queue. Only
// the ticket's creator or staff may announce it, and the stored subject and
// priority are used rather than the caller's copy.
func (h *Hub) NotifyNewTicket(ctx context.Context, conn *realtime.Conn, ticketID int64) error {
	const command = "NotifyNewTicket"
	t, err := h.machine.Load(ctx, ticketID)
	if err == nil {
		a := actorOf(conn)
		if t.CreatedByUserID != a.UserID && !a.Role.IsStaff() {
			err = fmt.Errorf("notify new ticket %d: %w", ticketID, ticket.ErrAuthorizationDenied)
		}
	}
	if err == nil {
		err = h.withTicket(ctx, ticketID, func() {
			h.fanOut(conn, command, func() { h.announce(ctx, t) })
		})
	}
	return h.finish(conn, command, err)
}

// TicketCreated runs the new-ticket fan-out for a ticket created outside the
// hub, such as through the HTTP API.
func (h *Hub) TicketCreated(ctx context.Context, t model.Ticket) {
	if err := h.withTicket(ctx, t.ID, func() {
		h.fanOut(nil, "TicketCreated", func() { h.announce(ctx, t) })
	}); err != nil {
		h.log.Error().Err(err).Int64("ticket_id", t.ID).Msg("new ticket not announced")
	}
	h.offer(model.EventTicketCreated, t.CreatedByUserID, t, nil)
	metrics.Commands.WithLabelValues("CreateTicket", "ok").Inc()
}

func (h *Hub) announce(ctx context.Context, t model.Ticket) {
	h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), newTicketNotification(t))
	h.publish(ctx, realtime.RoleTopic(realtime.SupportTeam), refreshTicketList)
	h.publish(ctx, realtime.RoleTopic(realtime.AdminTeam), refreshDashboard)
}
