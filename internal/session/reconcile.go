package session

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/grouping"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
)

// HandleEvent applies a push event on the calling goroutine. It must only be
// called from the loop, which Run does for every received event.
//
// Conversation-scoped events whose participant pair differs from the active
// conversation are discarded with a StaleEventError. Events referring to
// messages that are not loaded return a ReconciliationMiss. Neither is
// logged above debug.
func (s *ChatSession) HandleEvent(ev events.Event) error {
	kind := string(ev.Kind())
	s.metrics.IncrementCounter(metrics.EventsReceived, map[string]string{"kind": kind}, "Push events received")

	var err error
	switch e := ev.(type) {
	case events.MessageCreated:
		if err = s.checkScope(ev.Kind(), &e.Message); err == nil {
			s.applyCreated(e.Message, "")
		}
	case events.MessageUpdated:
		if err = s.checkScope(ev.Kind(), &e.Message); err == nil && !s.applyUpdated(e.Message) {
			err = errors.NewReconciliationMiss("message", e.Message.ID)
		}
	case events.MessageDeleted:
		if err = s.checkScope(ev.Kind(), &e.Message); err == nil && !s.applyDeleted(e.Message.ID) {
			err = errors.NewReconciliationMiss("message", e.Message.ID)
		}
	case events.MessagePinToggled:
		if err = s.checkScope(ev.Kind(), &e.Message); err == nil && !s.applyPinned(e.Message.ID, e.Message.IsPinned) {
			err = errors.NewReconciliationMiss("message", e.Message.ID)
		}
	case events.MessagesSeen:
		s.applySeen(e.MessageIDs, e.SeenBy, e.SeenAt)
	case events.PresenceOnline:
		s.online[e.UserID] = struct{}{}
		s.metrics.SetGauge(metrics.OnlineUsers, float64(len(s.online)), nil, "Online users")
	case events.PresenceOffline:
		delete(s.online, e.UserID)
		s.metrics.SetGauge(metrics.OnlineUsers, float64(len(s.online)), nil, "Online users")
	default:
		s.logger.WithField("kind", kind).Debug("Ignoring event")
	}

	if err != nil {
		s.metrics.IncrementCounter(metrics.EventsDiscarded, map[string]string{"kind": kind, "reason": string(errors.GetCode(err))}, "Push events discarded")
		s.logger.LogDebug(err, "Event not applied", logrus.Fields{"kind": kind})
	}
	return err
}

// checkScope accepts an event only when its sender and receiver are the
// participants of the active conversation. Missing receiver or conversation
// fields are filled from the locally loaded copy of the message.
func (s *ChatSession) checkScope(kind events.Kind, msg *models.Message) error {
	if local, ok := s.dir.Message(msg.ID); ok {
		if msg.Sender.ID == "" {
			msg.Sender = local.Sender
		}
		if msg.ReceiverID == "" {
			msg.ReceiverID = local.ReceiverID
		}
		if msg.ConversationID == "" {
			msg.ConversationID = local.ConversationID
		}
	}

	active, ok := s.dir.Get(s.activeID)
	if !ok {
		return errors.NewStaleEventError(string(kind))
	}
	if msg.ParticipantPair() != active.Pair() {
		return errors.NewStaleEventError(string(kind)).WithContext("message_id", msg.ID)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = active.ID
	}
	return nil
}

// conversationOf resolves the conversation a message belongs to.
func (s *ChatSession) conversationOf(msg *models.Message) string {
	if msg.ConversationID != "" {
		return msg.ConversationID
	}
	if conv, ok := s.dir.FindByParticipants(msg.Sender.ID, msg.ReceiverID); ok {
		return conv.ID
	}
	return ""
}

// applyCreated adds a confirmed message. When tempID is set the temp message
// is replaced at its position. It reports false when the message was deleted
// before it arrived.
func (s *ChatSession) applyCreated(msg models.Message, tempID string) bool {
	msg.IsTemp = false
	msg.ConversationID = s.conversationOf(&msg)
	s.dir.FillSender(&msg)

	tempConversation := ""
	if temp, ok := s.pending[tempID]; ok {
		tempConversation = temp.ConversationID
		delete(s.pending, tempID)
	}

	if _, deleted := s.tombstones[msg.ID]; deleted {
		s.dropTemp(tempConversation, tempID)
		return false
	}

	if !s.dir.ApplyMessage(msg) {
		s.logger.LogDebug(errors.NewReconciliationMiss("conversation", msg.ConversationID), "Message for unknown conversation", logrus.Fields{"message_id": msg.ID})
	}

	if tempConversation != msg.ConversationID {
		s.dropTemp(tempConversation, tempID)
		tempID = ""
	}

	groups, ok := s.activeGroups(msg.ConversationID)
	if !ok {
		return true
	}
	_, _, exists := grouping.Find(groups, msg.ID)
	switch {
	case tempID != "" && exists:
		groups, _ = grouping.Remove(groups, tempID)
	case tempID != "" && grouping.Replace(groups, tempID, msg.Clone()):
	case exists:
	case appendsAtEnd(groups, &msg):
		groups = s.engine.AppendOne(groups, msg.Clone())
	default:
		groups = s.buildGroups(msg.ConversationID)
	}
	s.setGroups(msg.ConversationID, groups)
	return true
}

func appendsAtEnd(groups []models.MessageGroup, msg *models.Message) bool {
	if len(groups) == 0 {
		return true
	}
	last := groups[len(groups)-1].Last()
	return !msg.CreatedAt.Before(last.CreatedAt)
}

func (s *ChatSession) dropTemp(conversationID, tempID string) {
	if tempID == "" {
		return
	}
	if groups, ok := s.activeGroups(conversationID); ok {
		groups, _ = grouping.Remove(groups, tempID)
		s.setGroups(conversationID, groups)
	}
}

// applyUpdated sets content and updatedAt in place.
func (s *ChatSession) applyUpdated(msg models.Message) bool {
	applied := s.dir.ApplyEdit(msg)
	if groups, ok := s.activeGroups(s.conversationOf(&msg)); ok {
		if m := grouping.Lookup(groups, msg.ID); m != nil {
			m.Content = msg.Content
			if msg.UpdatedAt != nil {
				t := *msg.UpdatedAt
				m.UpdatedAt = &t
			}
			applied = true
		}
	}
	return applied
}

// applyDeleted removes a message everywhere. The id is remembered so a send
// resolving later for the same message is not re-inserted.
func (s *ChatSession) applyDeleted(id string) bool {
	s.tombstones[id] = struct{}{}
	applied := s.dir.RemoveMessage(id)
	if groups, ok := s.groups[s.activeID]; ok {
		var removed bool
		groups, removed = grouping.Remove(groups, id)
		s.setGroups(s.activeID, groups)
		applied = applied || removed
	}
	return applied
}

func (s *ChatSession) applyPinned(id string, pinned bool) bool {
	applied := s.dir.ApplyPin(id, pinned)
	if m := grouping.Lookup(s.groups[s.activeID], id); m != nil {
		m.IsPinned = pinned
		applied = true
	}
	return applied
}

// applySeen marks ids as read by seenBy in the directory and the active
// groups. Unknown ids are reconciliation misses.
func (s *ChatSession) applySeen(ids []string, seenBy string, seenAt time.Time) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.dir.Message(id); ok {
			known[id] = true
		}
	}
	s.dir.ApplySeen(ids, seenBy, seenAt)

	groups := s.groups[s.activeID]
	for _, id := range ids {
		if m := grouping.Lookup(groups, id); m != nil {
			m.MarkSeen(seenBy, seenAt)
			known[id] = true
		}
	}

	var missing []string
	for _, id := range ids {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		s.logger.LogDebug(errors.NewReconciliationMiss("message", missing[0]), "Seen ids not loaded", logrus.Fields{"missing": len(missing)})
	}
}
