// Package realtime holds the in-process pub/sub core of the hub: typed
// topics, per-connection outbound queues, the topic router and the session
// registry that keeps connections and topics consistent with each other.
package realtime

import (
	"fmt"
	"strconv"
	"strings"

	"ticketdesk/internal/model"
)

// TopicKind discriminates the Topic variants.
type TopicKind uint8

const (
	KindRole TopicKind = iota + 1
	KindUser
	KindTicket
)

// Staff groups joined on connect in addition to the plain role topic.
const (
	SupportTeam = "SupportTeam"
	AdminTeam   = "AdminTeam"
)

// Topic is a multicast destination. It is comparable and used directly as a
// map key; only the field matching Kind is set.
type Topic struct {
	Kind TopicKind `json:"kind"`
	Name string    `json:"name,omitempty"`
	ID   int64     `json:"id,omitempty"`
}

func RoleTopic(name string) Topic { return Topic{Kind: KindRole, Name: name} }
func UserTopic(userID int64) Topic { return Topic{Kind: KindUser, ID: userID} }
func TicketTopic(ticketID int64) Topic { return Topic{Kind: KindTicket, ID: ticketID} }

func (t Topic) String() string {
	switch t.Kind {
	case KindRole:
		return "role:" + t.Name
	case KindUser:
		return "user:" + strconv.FormatInt(t.ID, 10)
	case KindTicket:
		return "ticket:" + strconv.FormatInt(t.ID, 10)
	}
	return "invalid"
}

// ParseTopic is the inverse of Topic.String.
func ParseTopic(s string) (Topic, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Topic{}, fmt.Errorf("malformed topic %q", s)
	}
	switch kind {
	case "role":
		return RoleTopic(rest), nil
	case "user", "ticket":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return Topic{}, fmt.Errorf("malformed topic %q", s)
		}
		if kind == "user" {
			return UserTopic(id), nil
		}
		return TicketTopic(id), nil
	}
	return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
}

// IdentityTopics lists the topics a connection is auto-subscribed to on
// register and unsubscribed from on unregister.
func IdentityTopics(id Identity) []Topic {
	topics := []Topic{RoleTopic(string(id.Role)), UserTopic(id.UserID)}
	switch id.Role {
	case model.RoleSupport:
		topics = append(topics, RoleTopic(SupportTeam))
	case model.RoleAdmin:
		topics = append(topics, RoleTopic(AdminTeam))
	}
	return topics
}
