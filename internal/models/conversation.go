package models

import (
	"sort"
	"time"
)

// Pair is the unordered set of two distinct participant ids.
type Pair struct {
	A string
	B string
}

// NewPair builds a pair in canonical order.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Valid reports whether the pair names two distinct users.
func (p Pair) Valid() bool {
	return p.A != "" && p.B != "" && p.A != p.B
}

func (p Pair) String() string {
	return p.A + ":" + p.B
}

// Conversation pairs two participants with their loaded message history.
// Messages are kept in chronological order.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []Sender  `json:"participants"`
	Messages     []Message `json:"messages"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Pair returns the participant pair. Conversations with anything other than
// two distinct participants yield an invalid pair.
func (c *Conversation) Pair() Pair {
	if len(c.Participants) != 2 {
		return Pair{}
	}
	return NewPair(c.Participants[0].ID, c.Participants[1].ID)
}

// Counterpart returns the participant that is not userID.
func (c *Conversation) Counterpart(userID string) (Sender, bool) {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return Sender{}, false
}

// Participant looks up a participant by id.
func (c *Conversation) Participant(id string) (Sender, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Sender{}, false
}

// FillSender replaces a sender that arrived as a bare id with the matching
// participant.
func (c *Conversation) FillSender(msg *Message) {
	if msg.Sender.DisplayName != "" {
		return
	}
	if p, ok := c.Participant(msg.Sender.ID); ok {
		msg.Sender = p
	}
}

// LastMessage returns the most recent loaded message.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// LastActivityAt is the later of the conversation's own update time and its
// most recent message.
func (c *Conversation) LastActivityAt() time.Time {
	at := c.UpdatedAt
	if last := c.LastMessage(); last != nil && last.CreatedAt.After(at) {
		at = last.CreatedAt
	}
	return at
}

// IndexOf returns the position of the message with id, or -1.
func (c *Conversation) IndexOf(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Insert places msg at its chronological position. Messages with equal
// timestamps keep arrival order.
func (c *Conversation) Insert(msg Message) {
	idx := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].CreatedAt.After(msg.CreatedAt)
	})
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[idx+1:], c.Messages[idx:])
	c.Messages[idx] = msg
}

// Clone returns a deep copy safe to hand outside the owning loop.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Participants = append([]Sender(nil), c.Participants...)
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].Clone()
	}
	return out
}

// Clone returns a copy of the message that shares no pointers with m.
func (m *Message) Clone() Message {
	out := *m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		out.UpdatedAt = &t
	}
	if m.SeenAt != nil {
		t := *m.SeenAt
		out.SeenAt = &t
	}
	return out
}
