package realtime

import (
	"fmt"
	"strings"
)

const privatePrefix = "private-"

type ChannelKind string

const (
	KindConversation ChannelKind = "conversation"
	KindGroup        ChannelKind = "group"
	KindUser         ChannelKind = "user"
)

// ChannelName is the logical channel for an entity, e.g. conversation.42.
func ChannelName(kind ChannelKind, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, " \t\r\n.") {
		return "", fmt.Errorf("%w: bad %s id %q", ErrInvalidChannel, kind, id)
	}
	switch kind {
	case KindConversation, KindGroup, KindUser:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, kind)
	}
	return string(kind) + "." + id, nil
}

// WireName is the private channel name sent over the transport.
func WireName(channel string) string {
	return privatePrefix + LogicalName(channel)
}

// LogicalName strips the private- prefix if present.
func LogicalName(channel string) string {
	return strings.TrimPrefix(channel, privatePrefix)
}

// Bindings maps event names to handlers for one channel. OnError is called
// when the channel is rejected after the subscription was handed out.
type Bindings struct {
	Events  map[Event]func(Payload)
	OnError func(error)
}

func (b Bindings) clone() Bindings {
	events := make(map[Event]func(Payload), len(b.Events))
	for ev, fn := range b.Events {
		if fn != nil {
			events[ev] = fn
		}
	}
	return Bindings{Events: events, OnError: b.OnError}
}

type MessageHandlers struct {
	OnMessage func(Payload)
	OnError   func(error)
}

type UserHandlers struct {
	OnMessageReceived func(Payload)
	OnGiftReceived    func(Payload)
	OnError           func(error)
}
