// Package grouping clusters chronological messages into display groups of
// consecutive same-sender messages.
package grouping

import (
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/models"
)

// Engine groups messages using a fixed gap window.
type Engine struct {
	window time.Duration
}

// New creates an engine. A non-positive window falls back to the default.
func New(window time.Duration) *Engine {
	if window <= 0 {
		window = time.Duration(constants.DefaultGroupingWindowSec) * time.Second
	}
	return &Engine{window: window}
}

// joins reports whether msg continues a group whose latest message is prev.
func (e *Engine) joins(prev *models.Message, sender string, msg *models.Message) bool {
	if prev == nil || sender != msg.Sender.ID {
		return false
	}
	return msg.CreatedAt.Sub(prev.CreatedAt) <= e.window
}

func newGroup(msg models.Message) models.MessageGroup {
	return models.MessageGroup{
		Sender:    msg.Sender,
		StartedAt: msg.CreatedAt,
		Messages:  []models.Message{msg},
	}
}

// Group clusters a chronological sequence. Empty input yields no groups.
func (e *Engine) Group(messages []models.Message) []models.MessageGroup {
	var groups []models.MessageGroup
	for _, msg := range messages {
		groups = e.AppendOne(groups, msg)
	}
	return groups
}

// AppendOne extends the last group with msg or opens a new one.
func (e *Engine) AppendOne(groups []models.MessageGroup, msg models.Message) []models.MessageGroup {
	if n := len(groups); n > 0 {
		last := &groups[n-1]
		if e.joins(last.Last(), last.Sender.ID, &msg) {
			last.Messages = append(last.Messages, msg)
			return groups
		}
	}
	return append(groups, newGroup(msg))
}

// PrependBatch adds older messages ahead of the existing groups. The older
// batch is grouped on its own; when its trailing group can continue into the
// current first group the two are merged, so the result matches grouping the
// concatenated sequence from scratch.
func (e *Engine) PrependBatch(groups []models.MessageGroup, older []models.Message) []models.MessageGroup {
	head := e.Group(older)
	if len(head) == 0 {
		return groups
	}
	if len(groups) == 0 {
		return head
	}

	tail := &head[len(head)-1]
	first := &groups[0]
	if e.joins(tail.Last(), tail.Sender.ID, &first.Messages[0]) {
		merged := make([]models.Message, 0, len(tail.Messages)+len(first.Messages))
		merged = append(merged, tail.Messages...)
		merged = append(merged, first.Messages...)
		tail.Messages = merged
		return append(head, groups[1:]...)
	}
	return append(head, groups...)
}

// Flatten returns the messages of all groups in order.
func Flatten(groups []models.MessageGroup) []models.Message {
	var out []models.Message
	for _, g := range groups {
		out = append(out, g.Messages...)
	}
	return out
}

// Find locates a message by id.
func Find(groups []models.MessageGroup, id string) (gi, mi int, ok bool) {
	for gi := range groups {
		for mi := range groups[gi].Messages {
			if groups[gi].Messages[mi].ID == id {
				return gi, mi, true
			}
		}
	}
	return -1, -1, false
}

// Lookup returns a pointer to the message with id for in-place updates.
func Lookup(groups []models.MessageGroup, id string) *models.Message {
	gi, mi, ok := Find(groups, id)
	if !ok {
		return nil
	}
	return &groups[gi].Messages[mi]
}

// Replace swaps the message with oldID for msg at the same position.
func Replace(groups []models.MessageGroup, oldID string, msg models.Message) bool {
	gi, mi, ok := Find(groups, oldID)
	if !ok {
		return false
	}
	groups[gi].Messages[mi] = msg
	return true
}

// Remove deletes the message with id, dropping its group when emptied.
// Remaining groups are not re-merged.
func Remove(groups []models.MessageGroup, id string) ([]models.MessageGroup, bool) {
	gi, mi, ok := Find(groups, id)
	if !ok {
		return groups, false
	}
	g := &groups[gi]
	g.Messages = append(g.Messages[:mi], g.Messages[mi+1:]...)
	if len(g.Messages) == 0 {
		return append(groups[:gi], groups[gi+1:]...), true
	}
	g.StartedAt = g.Messages[0].CreatedAt
	return groups, true
}

// Oldest returns the earliest message across the groups.
func Oldest(groups []models.MessageGroup) *models.Message {
	if len(groups) == 0 || len(groups[0].Messages) == 0 {
		return nil
	}
	return &groups[0].Messages[0]
}
