package events

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/models"
)

// Wire event names used on the push channel.
const (
	NameSendMessage   = "send-message"
	NameNewMessage    = "new-message"
	NameUpdateMessage = "update-message"
	NameDeleteMessage = "delete-message"
	NamePinMessage    = "pin-message"
	NameMessagesSeen  = "messages-seen"
	NameUserOnline    = "user-online"
	NameUserOffline   = "user-offline"
	NameJoinUserRoom  = "join-user-room"
)

// Envelope is the frame exchanged over the push channel. Message events carry
// the message itself with a top-level receiverId the relay routes on.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type messagePayload struct {
	Message models.WireMessage `json:"message"`
}

type seenPayload struct {
	MessageIDs []string   `json:"messageIds"`
	SeenBy     string     `json:"seenBy"`
	SeenAt     *time.Time `json:"seenAt,omitempty"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

// ErrUnknownEvent is returned for envelopes with an unrecognized name.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// Encode wraps an event in its outbound envelope.
func Encode(ev Event) (Envelope, error) {
	var (
		name    string
		payload interface{}
	)

	switch e := ev.(type) {
	case MessageCreated:
		name, payload = NameSendMessage, routed(&e.Message, e.To)
	case MessageUpdated:
		name, payload = NameUpdateMessage, routed(&e.Message, e.To)
	case MessageDeleted:
		name, payload = NameDeleteMessage, routed(&e.Message, e.To)
	case MessagePinToggled:
		name, payload = NamePinMessage, routed(&e.Message, e.To)
	case MessagesSeen:
		at := e.SeenAt
		name, payload = NameMessagesSeen, seenPayload{MessageIDs: e.MessageIDs, SeenBy: e.SeenBy, SeenAt: &at}
	case PresenceOnline:
		name, payload = NameUserOnline, e.UserID
	case PresenceOffline:
		name, payload = NameUserOffline, e.UserID
	case JoinRoom:
		name, payload = NameJoinUserRoom, e.UserID
	default:
		return Envelope{}, fmt.Errorf("cannot encode event %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

func routed(m *models.Message, to string) models.WireMessage {
	w := models.FromMessage(m)
	if to != "" {
		w.ReceiverID = to
	}
	return w
}

// Decode turns an inbound envelope into a typed event. now stamps seen
// batches that arrive without a timestamp.
func Decode(env Envelope, now time.Time) (Event, error) {
	switch env.Event {
	case NameSendMessage, NameNewMessage:
		msg, err := decodeMessage(env)
		if err != nil {
			return nil, err
		}
		return MessageCreated{Message: msg}, nil
	case NameUpdateMessage:
		msg, err := decodeMessage(env)
		if err != nil {
			return nil, err
		}
		return MessageUpdated{Message: msg}, nil
	case NameDeleteMessage:
		msg, err := decodeMessage(env)
		if err != nil {
			return nil, err
		}
		return MessageDeleted{Message: msg}, nil
	case NamePinMessage:
		msg, err := decodeMessage(env)
		if err != nil {
			return nil, err
		}
		return MessagePinToggled{Message: msg}, nil
	case NameMessagesSeen:
		var p seenPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		seenAt := now
		if p.SeenAt != nil {
			seenAt = *p.SeenAt
		}
		return MessagesSeen{MessageIDs: p.MessageIDs, SeenBy: p.SeenBy, SeenAt: seenAt}, nil
	case NameUserOnline, NameUserOffline:
		userID, err := decodeUser(env.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
		if env.Event == NameUserOnline {
			return PresenceOnline{UserID: userID}, nil
		}
		return PresenceOffline{UserID: userID}, nil
	default:
		return nil, &ErrUnknownEvent{Name: env.Event}
	}
}

// decodeUser accepts either {"userId": "..."} or a bare id string.
func decodeUser(data json.RawMessage) (string, error) {
	var p userPayload
	if err := json.Unmarshal(data, &p); err == nil && p.UserID != "" {
		return p.UserID, nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("user id is empty")
	}
	return id, nil
}

// decodeMessage accepts a bare message object or one nested under "message".
func decodeMessage(env Envelope) (models.Message, error) {
	var p messagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode %s: %w", env.Event, err)
	}
	wire := p.Message
	if wire.ID == "" {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return models.Message{}, fmt.Errorf("failed to decode %s: %w", env.Event, err)
		}
	}

	msg, err := wire.ToMessage("", nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to decode %s: %w", env.Event, err)
	}
	return msg, nil
}
