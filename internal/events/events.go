// Package events defines the typed event stream exchanged over the push
// channel and the envelope codec used on the wire.
package events

import (
	"time"

	"chatsync/internal/models"
)

// Kind identifies an event in the reconciliation taxonomy.
type Kind string

const (
	KindMessageCreated    Kind = "message-created"
	KindMessageUpdated    Kind = "message-updated"
	KindMessageDeleted    Kind = "message-deleted"
	KindMessageSeenBatch  Kind = "message-seen-batch"
	KindMessagePinToggled Kind = "message-pin-toggled"
	KindPresenceOnline    Kind = "presence-online"
	KindPresenceOffline   Kind = "presence-offline"
	KindJoinRoom          Kind = "join-room"
)

// Event is one member of the tagged union.
type Event interface {
	Kind() Kind
}

// Message events carry the affected message. To names the user the relay
// should deliver an outbound event to; when empty the message receiver is used.
type MessageCreated struct {
	Message models.Message
	To      string
}

type MessageUpdated struct {
	Message models.Message
	To      string
}

type MessageDeleted struct {
	Message models.Message
	To      string
}

type MessagePinToggled struct {
	Message models.Message
	To      string
}

// MessagesSeen reports a committed read-receipt batch.
type MessagesSeen struct {
	MessageIDs []string
	SeenBy     string
	SeenAt     time.Time
}

type PresenceOnline struct {
	UserID string
}

type PresenceOffline struct {
	UserID string
}

// JoinRoom subscribes the connection to events addressed to UserID.
type JoinRoom struct {
	UserID string
}

func (MessageCreated) Kind() Kind    { return KindMessageCreated }
func (MessageUpdated) Kind() Kind    { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind    { return KindMessageDeleted }
func (MessagePinToggled) Kind() Kind { return KindMessagePinToggled }
func (MessagesSeen) Kind() Kind      { return KindMessageSeenBatch }
func (PresenceOnline) Kind() Kind    { return KindPresenceOnline }
func (PresenceOffline) Kind() Kind   { return KindPresenceOffline }
func (JoinRoom) Kind() Kind          { return KindJoinRoom }
