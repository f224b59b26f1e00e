package protocol

import (
	"fmt"
	"strings"
)

// Kind enumerates the channel kinds the backend understands.
type Kind uint8

const (
	// KindRoom is a server-side membership simulated with join<Room>/leave<Room>
	// emits, e.g. joinChatBox("42").
	KindRoom Kind = iota + 1
	// KindTopic is a tenant-scoped broadcast delivered under the event name
	// company-{id}-{topic}.
	KindTopic
)

func (k Kind) String() string {
	switch k {
	case KindRoom:
		return "room"
	case KindTopic:
		return "topic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Verb is the direction of a room emit.
type Verb uint8

const (
	VerbJoin Verb = iota + 1
	VerbLeave
)

const (
	joinPrefix    = "join"
	leavePrefix   = "leave"
	companyPrefix = "company-"
)

// Channel identifies a room or a topic. Only the fields relevant to Kind are
// set; use Room and Topic to build one.
type Channel struct {
	Kind      Kind
	Room      string
	CompanyID string
	Topic     string
}

// Room returns the room channel with the given name (e.g. "ChatBox").
func Room(name string) Channel {
	return Channel{Kind: KindRoom, Room: name}
}

// Topic returns the broadcast channel for topic within a company.
func Topic(companyID, topic string) Channel {
	return Channel{Kind: KindTopic, CompanyID: companyID, Topic: topic}
}

// JoinEvent is the wire event that subscribes to a room.
func (c Channel) JoinEvent() string { return joinPrefix + c.Room }

// LeaveEvent is the wire event that unsubscribes from a room.
func (c Channel) LeaveEvent() string { return leavePrefix + c.Room }

// EventName is the wire event a topic broadcast arrives under.
func (c Channel) EventName() string {
	return companyPrefix + c.CompanyID + "-" + c.Topic
}

func (c Channel) String() string {
	switch c.Kind {
	case KindRoom:
		return "room:" + c.Room
	case KindTopic:
		return "topic:" + c.EventName()
	default:
		return "invalid"
	}
}

// ParseRoomEvent recognises join<Room> and leave<Room> event names.
func ParseRoomEvent(event string) (Verb, Channel, bool) {
	switch {
	case strings.HasPrefix(event, joinPrefix) && len(event) > len(joinPrefix):
		return VerbJoin, Room(event[len(joinPrefix):]), true
	case strings.HasPrefix(event, leavePrefix) && len(event) > len(leavePrefix):
		return VerbLeave, Room(event[len(leavePrefix):]), true
	default:
		return 0, Channel{}, false
	}
}

// ParseTopicEvent recognises company-{id}-{topic} event names. The company
// id ends at the first dash; the topic may contain dashes.
func ParseTopicEvent(event string) (Channel, bool) {
	rest, ok := strings.CutPrefix(event, companyPrefix)
	if !ok {
		return Channel{}, false
	}
	id, topic, ok := strings.Cut(rest, "-")
	if !ok || id == "" || topic == "" {
		return Channel{}, false
	}
	return Topic(id, topic), true
}
