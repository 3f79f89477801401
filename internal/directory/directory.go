// Package directory holds the current user's conversations ordered by
// recency. It is not safe for concurrent use; the session loop owns it.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chatsync/internal/models"
)

// Directory indexes conversations by id and participant pair.
type Directory struct {
	userID  string
	byID    map[string]*models.Conversation
	byPair  map[models.Pair]string
	touched map[string]touch
	order   []string
}

// touch is a provisional activity bump from an unconfirmed send.
type touch struct {
	at   time.Time
	refs int
}

// New creates an empty directory for userID.
func New(userID string) *Directory {
	return &Directory{
		userID:  userID,
		byID:    make(map[string]*models.Conversation),
		byPair:  make(map[models.Pair]string),
		touched: make(map[string]touch),
	}
}

// Load replaces the directory contents. Conversations with an invalid or
// duplicate participant pair are skipped and reported.
func (d *Directory) Load(convs []models.Conversation) []error {
	d.byID = make(map[string]*models.Conversation, len(convs))
	d.byPair = make(map[models.Pair]string, len(convs))

	var errs []error
	for i := range convs {
		if err := d.insert(convs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	// Provisional bumps of unconfirmed sends survive a reload.
	for id := range d.touched {
		if _, ok := d.byID[id]; !ok {
			delete(d.touched, id)
		}
	}
	d.resort()
	return errs
}

func (d *Directory) insert(conv models.Conversation) error {
	pair := conv.Pair()
	if !pair.Valid() {
		return fmt.Errorf("conversation %s: participants must be two distinct users", conv.ID)
	}
	if existing, ok := d.byPair[pair]; ok && existing != conv.ID {
		return fmt.Errorf("conversation %s: pair %s already belongs to %s", conv.ID, pair, existing)
	}
	if old, ok := d.byID[conv.ID]; ok {
		delete(d.byPair, old.Pair())
	}
	c := conv.Clone()
	d.byID[conv.ID] = &c
	d.byPair[pair] = conv.ID
	return nil
}

// Upsert adds or replaces one conversation.
func (d *Directory) Upsert(conv models.Conversation) error {
	if err := d.insert(conv); err != nil {
		return err
	}
	d.resort()
	return nil
}

// Get returns the live conversation with id.
func (d *Directory) Get(id string) (*models.Conversation, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// FindByParticipants returns the conversation between a and b.
func (d *Directory) FindByParticipants(a, b string) (*models.Conversation, bool) {
	id, ok := d.byPair[models.NewPair(a, b)]
	if !ok {
		return nil, false
	}
	return d.Get(id)
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	return len(d.byID)
}

// locate finds the conversation holding the message, preferring the id the
// message names.
func (d *Directory) locate(msg *models.Message) (*models.Conversation, bool) {
	if msg.ConversationID != "" {
		if c, ok := d.byID[msg.ConversationID]; ok {
			return c, true
		}
	}
	if msg.Sender.ID != "" && msg.ReceiverID != "" {
		return d.FindByParticipants(msg.Sender.ID, msg.ReceiverID)
	}
	return nil, false
}

// findMessage searches every conversation for a message id.
func (d *Directory) findMessage(id string) (*models.Conversation, int) {
	for _, c := range d.byID {
		if i := c.IndexOf(id); i >= 0 {
			return c, i
		}
	}
	return nil, -1
}

// Message returns a copy of a loaded message.
func (d *Directory) Message(id string) (models.Message, bool) {
	conv, i := d.findMessage(id)
	if conv == nil {
		return models.Message{}, false
	}
	return conv.Messages[i].Clone(), true
}

// FillSender completes a sender known only by id from the participants of
// the message's conversation.
func (d *Directory) FillSender(msg *models.Message) {
	if conv, ok := d.locate(msg); ok {
		conv.FillSender(msg)
	}
}

// ApplyMessage inserts msg into its conversation. Applying a message id that
// is already present is a no-op. It returns false when the conversation is
// not loaded.
func (d *Directory) ApplyMessage(msg models.Message) bool {
	conv, ok := d.locate(&msg)
	if !ok {
		return false
	}
	if conv.IndexOf(msg.ID) >= 0 {
		return true
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conv.ID
	}
	conv.FillSender(&msg)
	conv.Insert(msg.Clone())
	d.resort()
	return true
}

// ApplyEdit updates content and updatedAt of a loaded message.
func (d *Directory) ApplyEdit(msg models.Message) bool {
	conv, i := d.findMessage(msg.ID)
	if conv == nil {
		return false
	}
	existing := &conv.Messages[i]
	existing.Content = msg.Content
	if msg.UpdatedAt != nil {
		t := *msg.UpdatedAt
		existing.UpdatedAt = &t
	}
	d.resort()
	return true
}

// RemoveMessage deletes a message by id.
func (d *Directory) RemoveMessage(id string) bool {
	conv, i := d.findMessage(id)
	if conv == nil {
		return false
	}
	conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
	d.resort()
	return true
}

// ApplySeen marks messages read by seenBy. Messages sent by seenBy and
// already seen messages are left untouched. It returns the ids it changed.
func (d *Directory) ApplySeen(ids []string, seenBy string, seenAt time.Time) []string {
	var changed []string
	for _, id := range ids {
		conv, i := d.findMessage(id)
		if conv == nil {
			continue
		}
		if conv.Messages[i].MarkSeen(seenBy, seenAt) {
			changed = append(changed, id)
		}
	}
	return changed
}

// ApplyPin sets the pinned flag of a loaded message.
func (d *Directory) ApplyPin(id string, pinned bool) bool {
	conv, i := d.findMessage(id)
	if conv == nil {
		return false
	}
	conv.Messages[i].IsPinned = pinned
	return true
}

// PrependMessages adds older history to a conversation, skipping ids that
// are already loaded.
func (d *Directory) PrependMessages(conversationID string, older []models.Message) []models.Message {
	conv, ok := d.byID[conversationID]
	if !ok {
		return nil
	}
	var added []models.Message
	for _, m := range older {
		if conv.IndexOf(m.ID) >= 0 {
			continue
		}
		m.ConversationID = conversationID
		conv.FillSender(&m)
		conv.Insert(m.Clone())
		added = append(added, m)
	}
	d.resort()
	return added
}

// Touch provisionally bumps the conversation's activity to at. Each Touch
// must be paired with a Restore.
func (d *Directory) Touch(conversationID string, at time.Time) {
	if _, ok := d.byID[conversationID]; !ok {
		return
	}
	t := d.touched[conversationID]
	if at.After(t.at) {
		t.at = at
	}
	t.refs++
	d.touched[conversationID] = t
	d.resort()
}

// Restore releases one Touch. Once none remain the ordering falls back to
// the conversation's confirmed activity.
func (d *Directory) Restore(conversationID string) {
	t, ok := d.touched[conversationID]
	if !ok {
		return
	}
	t.refs--
	if t.refs <= 0 {
		delete(d.touched, conversationID)
	} else {
		d.touched[conversationID] = t
	}
	d.resort()
}

// ActivityAt is the effective lastActivityAt used for ordering.
func (d *Directory) ActivityAt(conversationID string) time.Time {
	c, ok := d.byID[conversationID]
	if !ok {
		return time.Time{}
	}
	at := c.LastActivityAt()
	if t, ok := d.touched[conversationID]; ok && t.at.After(at) {
		at = t.at
	}
	return at
}

func (d *Directory) resort() {
	order := make([]string, 0, len(d.byID))
	activity := make(map[string]time.Time, len(d.byID))
	for id := range d.byID {
		order = append(order, id)
		activity[id] = d.ActivityAt(id)
	}
	sort.Slice(order, func(i, j int) bool {
		ai, aj := activity[order[i]], activity[order[j]]
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return order[i] < order[j]
	})
	d.order = order
}

// Sorted returns copies of all conversations, most recent first.
func (d *Directory) Sorted() []models.Conversation {
	out := make([]models.Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id].Clone())
	}
	return out
}

// MostRecent returns the id of the first conversation in order.
func (d *Directory) MostRecent() (string, bool) {
	if len(d.order) == 0 {
		return "", false
	}
	return d.order[0], true
}

// Search returns conversations whose counterpart display name contains
// query, case-insensitively, in canonical order. An empty query matches all.
func (d *Directory) Search(query string) []models.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.Conversation, 0)
	for _, id := range d.order {
		c := d.byID[id]
		if q != "" {
			other, ok := c.Counterpart(d.userID)
			if !ok || !strings.Contains(strings.ToLower(other.DisplayName), q) {
				continue
			}
		}
		out = append(out, c.Clone())
	}
	return out
}
