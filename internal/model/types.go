package model

import (
	"fmt"
	"strings"
	"time"
)

// Entities reference each other by integer id only; the realtime core never
// holds a live object graph of users, tickets and messages.

// Role is the closed set of roles carried on a session identity.
type Role string

const (
	RoleUser    Role = "User"
	RoleSupport Role = "Support"
	RoleAdmin   Role = "Admin"
)

// ParseRole maps a claim or header value onto a Role, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "":
		return RoleUser, nil
	case "support":
		return RoleSupport, nil
	case "admin":
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// IsStaff reports whether the role may act on tickets it does not own.
func (r Role) IsStaff() bool { return r == RoleSupport || r == RoleAdmin }

type TicketStatus string

const (
	StatusOpen       TicketStatus = "Open"
	StatusInProgress TicketStatus = "InProgress"
	StatusClosed     TicketStatus = "Closed"
	StatusRejected   TicketStatus = "Rejected"
)

// Terminal reports whether no further transition may leave the status.
func (s TicketStatus) Terminal() bool { return s == StatusClosed || s == StatusRejected }

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

type Category string

const (
	CategoryHardware Category = "Hardware"
	CategorySoftware Category = "Software"
)

type User struct {
	ID          int64     `json:"id" yaml:"id"`
	Username    string    `json:"username" yaml:"username"`
	DisplayName string    `json:"displayName" yaml:"displayName"`
	Email       string    `json:"email,omitempty" yaml:"email"`
	Role        Role      `json:"role" yaml:"role"`
	IsActive    bool      `json:"isActive" yaml:"isActive"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

// Ticket is the authoritative ticket record. AssignedToUserID and
// ClosedByUserID are zero when unset. Version is the optimistic concurrency
// token: every successful save increments it.
type Ticket struct {
	ID               int64        `json:"id" yaml:"id"`
	Subject          string       `json:"subject" yaml:"subject"`
	Description      string       `json:"description,omitempty" yaml:"description"`
	Status           TicketStatus `json:"status" yaml:"status"`
	Priority         Priority     `json:"priority" yaml:"priority"`
	Category         Category     `json:"category,omitempty" yaml:"category"`
	CreatedByUserID  int64        `json:"createdByUserId" yaml:"createdByUserId"`
	AssignedToUserID int64        `json:"assignedToUserId,omitempty" yaml:"assignedToUserId"`
	ClosedByUserID   int64        `json:"closedByUserId,omitempty" yaml:"closedByUserId"`
	CreatedAt        time.Time    `json:"createdAt" yaml:"createdAt"`
	AssignedAt       *time.Time   `json:"assignedAt,omitempty" yaml:"assignedAt"`
	ClosedAt         *time.Time   `json:"closedAt,omitempty" yaml:"closedAt"`
	LastActivityAt   time.Time    `json:"lastActivityAt" yaml:"lastActivityAt"`
	Version          int64        `json:"version" yaml:"version"`
}

// Message is immutable once stored. Within a ticket messages are ordered by
// CreatedAt, then ID.
type Message struct {
	ID            int64     `json:"id"`
	TicketID      int64     `json:"ticketId"`
	UserID        int64     `json:"userId"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	IsFromSupport bool      `json:"isFromSupport"`
}

// TicketStatistic counts closes per support user, keyed uniquely by UserID.
type TicketStatistic struct {
	UserID          int64     `json:"userId"`
	TicketsResolved int       `json:"ticketsResolved"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// TicketIn is the create-ticket request body.
type TicketIn struct {
	Subject     string   `json:"subject" validate:"required,max=200"`
	Description string   `json:"description" validate:"required"`
	Priority    Priority `json:"priority,omitempty" validate:"omitempty,oneof=Low Normal High Critical"`
	Category    Category `json:"category,omitempty" validate:"omitempty,oneof=Hardware Software"`
}
