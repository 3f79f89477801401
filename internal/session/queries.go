package session

import (
	"context"
	"sort"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/grouping"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
)

func (s *ChatSession) findMessage(id string) (models.Message, bool) {
	if msg, ok := s.dir.Message(id); ok {
		return msg, true
	}
	if m := grouping.Lookup(s.groups[s.activeID], id); m != nil && !m.IsTemp {
		return m.Clone(), true
	}
	return models.Message{}, false
}

func cloneGroups(groups []models.MessageGroup) []models.MessageGroup {
	out := make([]models.MessageGroup, len(groups))
	for i, g := range groups {
		out[i] = models.MessageGroup{Sender: g.Sender, StartedAt: g.StartedAt, Messages: make([]models.Message, len(g.Messages))}
		for j := range g.Messages {
			out[i].Messages[j] = g.Messages[j].Clone()
		}
	}
	return out
}

// Groups returns a copy of the active conversation's message groups.
func (s *ChatSession) Groups(ctx context.Context) ([]models.MessageGroup, error) {
	var out []models.MessageGroup
	err := s.do(ctx, func() {
		out = cloneGroups(s.groups[s.activeID])
	})
	return out, err
}

// ActiveConversationID returns the active conversation, or "" when none is.
func (s *ChatSession) ActiveConversationID(ctx context.Context) (string, error) {
	var id string
	err := s.do(ctx, func() { id = s.activeID })
	return id, err
}

// Conversations returns the directory in canonical order, filtered by a
// case-insensitive match on the counterpart's name when query is set.
func (s *ChatSession) Conversations(ctx context.Context, query string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.do(ctx, func() {
		out = s.dir.Search(query)
	})
	return out, err
}

// Snapshot returns every confirmed conversation for persisting.
func (s *ChatSession) Snapshot(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.do(ctx, func() {
		out = s.dir.Sorted()
	})
	return out, err
}

// OnlineUsers returns the online user ids in sorted order.
func (s *ChatSession) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := s.do(ctx, func() {
		out = make([]string, 0, len(s.online))
		for id := range s.online {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out, err
}

// Mount registers a rendered message with the read receipt tracker.
func (s *ChatSession) Mount(ctx context.Context, elementRef any, messageID string) error {
	var (
		msg   models.Message
		found bool
	)
	if err := s.do(ctx, func() {
		if m := grouping.Lookup(s.groups[s.activeID], messageID); m != nil {
			msg, found = m.Clone(), true
		}
	}); err != nil {
		return err
	}
	if !found {
		return errors.NewNotFoundError("message", messageID)
	}
	s.tracker.Register(elementRef, msg)
	return nil
}

// Unmount stops tracking a message that left the view.
func (s *ChatSession) Unmount(messageID string) {
	s.tracker.Unregister(messageID)
}

// LoadOlder fetches the page of history before the oldest loaded message of
// the active conversation and prepends it. It returns the number of
// messages added.
func (s *ChatSession) LoadOlder(ctx context.Context) (int, error) {
	var conversationID, beforeID string
	if err := s.do(ctx, func() {
		conversationID = s.activeID
		if conv, ok := s.dir.Get(conversationID); ok && len(conv.Messages) > 0 {
			beforeID = conv.Messages[0].ID
		}
	}); err != nil {
		return 0, err
	}
	if conversationID == "" || beforeID == "" {
		return 0, nil
	}

	ctx, span := tracing.StartOperation(ctx, "load_older", tracing.AttrConversationID.String(conversationID))
	defer span.End()

	start := time.Now()
	older, err := s.api.GetMessagesBefore(ctx, conversationID, beforeID, constants.OlderMessagesPageSize)
	s.metrics.RecordTimer(metrics.APIRequestDuration, time.Since(start), map[string]string{"endpoint": "messages-before"}, "REST call duration")
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, errors.Wrap(err, errors.ErrCodePersistence, "failed to load older messages").WithContext("conversation_id", conversationID)
	}

	var added int
	err = s.do(ctx, func() {
		fresh := s.dir.PrependMessages(conversationID, older)
		added = len(fresh)
		groups, ok := s.activeGroups(conversationID)
		if !ok || added == 0 {
			return
		}
		sort.SliceStable(fresh, func(i, j int) bool {
			return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
		})
		oldest := grouping.Oldest(groups)
		if oldest != nil && fresh[len(fresh)-1].CreatedAt.After(oldest.CreatedAt) {
			s.setGroups(conversationID, s.buildGroups(conversationID))
			return
		}
		s.setGroups(conversationID, s.engine.PrependBatch(groups, fresh))
	})
	return added, err
}
