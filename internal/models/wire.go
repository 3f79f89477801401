package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WireMessage is a message as the REST API and push channel encode it.
// Sender, receiver and conversation may each be a bare id or a populated object.
// ReceiverID is the push relay's routing target and only stands in for the
// receiver when Receiver is absent.
type WireMessage struct {
	ID           string          `json:"_id,omitempty"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Sender       json.RawMessage `json:"sender"`
	Receiver     json.RawMessage `json:"receiver,omitempty"`
	ReceiverID   string          `json:"receiverId,omitempty"`
	Content      string          `json:"content"`
	Attachment   json.RawMessage `json:"attachment,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    *time.Time      `json:"updatedAt,omitempty"`
	Seen         bool            `json:"seen"`
	SeenAt       *time.Time      `json:"seenAt,omitempty"`
	IsPinned     bool            `json:"isPinned"`
}

type attachmentWire struct {
	ID       string `json:"_id,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Name     string `json:"name,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
}

func decodeAttachment(raw json.RawMessage) (*Attachment, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var ref string
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, err
		}
		if ref == "" {
			return nil, nil
		}
		return &Attachment{Ref: ref}, nil
	}
	var w attachmentWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	a := &Attachment{Ref: w.ID, Name: w.FileName, Type: w.FileType, URL: w.URL}
	if a.Name == "" {
		a.Name = w.Name
	}
	if a.Type == "" {
		a.Type = w.Type
	}
	return a, nil
}

// ToMessage normalizes the wire form. conversationID is used when the payload
// does not name its conversation.
func (w *WireMessage) ToMessage(conversationID string, participants []Sender) (Message, error) {
	if w.ID == "" {
		return Message{}, fmt.Errorf("message has no id")
	}
	sender, err := ResolveSender(w.Sender, participants)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", w.ID, err)
	}
	attachment, err := decodeAttachment(w.Attachment)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: failed to decode attachment: %w", w.ID, err)
	}

	receiverID := ResolveID(w.Receiver)
	if receiverID == "" {
		receiverID = w.ReceiverID
	}
	if convID := ResolveID(w.Conversation); convID != "" {
		conversationID = convID
	}

	return Message{
		ID:             w.ID,
		ConversationID: conversationID,
		Sender:         sender,
		ReceiverID:     receiverID,
		Content:        w.Content,
		Attachment:     attachment,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		Seen:           w.Seen,
		SeenAt:         w.SeenAt,
		IsPinned:       w.IsPinned,
	}, nil
}

// FromMessage encodes a message in wire form for push-channel emission.
func FromMessage(m *Message) WireMessage {
	sender, _ := json.Marshal(participantWire{ID: m.Sender.ID, Name: m.Sender.DisplayName, ProfilePicture: m.Sender.AvatarRef})
	conversation, _ := json.Marshal(m.ConversationID)
	receiver, _ := json.Marshal(m.ReceiverID)
	w := WireMessage{
		ID:           m.ID,
		Conversation: conversation,
		Sender:       sender,
		Receiver:     receiver,
		ReceiverID:   m.ReceiverID,
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		Seen:         m.Seen,
		SeenAt:       m.SeenAt,
		IsPinned:     m.IsPinned,
	}
	if m.Attachment != nil {
		w.Attachment, _ = json.Marshal(attachmentWire{
			ID:       m.Attachment.Ref,
			FileName: m.Attachment.Name,
			FileType: m.Attachment.Type,
			URL:      m.Attachment.URL,
		})
	}
	return w
}

// WireConversation is a conversation as returned by GET /conversations/user/:id.
// Messages arrive newest-first.
type WireConversation struct {
	ID        string            `json:"_id,omitempty"`
	Users     []json.RawMessage `json:"users"`
	Messages  []WireMessage     `json:"messages"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// ToConversation normalizes the wire form into a chronological Conversation.
func (w *WireConversation) ToConversation() (Conversation, error) {
	if w.ID == "" {
		return Conversation{}, fmt.Errorf("conversation has no id")
	}
	conv := Conversation{ID: w.ID, UpdatedAt: w.UpdatedAt}
	for _, raw := range w.Users {
		p, err := ResolveSender(raw, nil)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation %s: %w", w.ID, err)
		}
		conv.Participants = append(conv.Participants, p)
	}

	conv.Messages = make([]Message, 0, len(w.Messages))
	for i := len(w.Messages) - 1; i >= 0; i-- {
		msg, err := w.Messages[i].ToMessage(w.ID, conv.Participants)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation %s: %w", w.ID, err)
		}
		if msg.ReceiverID == "" {
			if other, ok := conv.Counterpart(msg.Sender.ID); ok {
				msg.ReceiverID = other.ID
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].CreatedAt.Before(conv.Messages[j].CreatedAt)
	})
	return conv, nil
}
