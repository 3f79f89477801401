package models

import (
	"strings"
	"time"

	"chatsync/internal/constants"
)

// Attachment references a file stored by the external attachment service.
// Path is only set on outgoing drafts that still need uploading.
type Attachment struct {
	Ref  string `json:"ref,omitempty"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"-"`
}

// Message is a single chat message. IsTemp marks a client-side placeholder
// whose ID carries the temp prefix until the server assigns the canonical one.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Sender      `json:"sender"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      *time.Time  `json:"updatedAt,omitempty"`
	Seen           bool        `json:"seen"`
	SeenAt         *time.Time  `json:"seenAt,omitempty"`
	IsPinned       bool        `json:"isPinned"`
	IsTemp         bool        `json:"isTemp,omitempty"`
}

// HasBody reports whether the message carries content or an attachment.
func (m *Message) HasBody() bool {
	return strings.TrimSpace(m.Content) != "" || m.Attachment != nil
}

// IsTempID reports whether id is a client-assigned correlation id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, constants.TempIDPrefix)
}

// ParticipantPair returns the sender/receiver pair of the message.
func (m *Message) ParticipantPair() Pair {
	return NewPair(m.Sender.ID, m.ReceiverID)
}

// MarkSeen sets the read receipt once. It returns false when the message was
// already seen or was sent by the viewer.
func (m *Message) MarkSeen(seenBy string, at time.Time) bool {
	if m.Seen || m.Sender.ID == seenBy {
		return false
	}
	m.Seen = true
	ts := at
	m.SeenAt = &ts
	return true
}

// MessageGroup is a display cluster of consecutive same-sender messages.
type MessageGroup struct {
	Sender    Sender    `json:"sender"`
	StartedAt time.Time `json:"startedAt"`
	Messages  []Message `json:"messages"`
}

// Last returns the most recent message of the group.
func (g *MessageGroup) Last() *Message {
	if len(g.Messages) == 0 {
		return nil
	}
	return &g.Messages[len(g.Messages)-1]
}

// Draft is an outgoing message composed by the user.
type Draft struct {
	ConversationID string      `json:"conversationId"`
	Receiver       Sender      `json:"receiver"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}
