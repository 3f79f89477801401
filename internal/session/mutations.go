package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/grouping"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
)

func newTempID() string {
	return constants.TempIDPrefix + uuid.NewString()
}

func validateDraft(self string, draft models.Draft) error {
	if strings.TrimSpace(draft.Content) == "" && draft.Attachment == nil {
		return errors.NewValidationError("content", "message must have content or an attachment")
	}
	if draft.Attachment != nil && draft.Attachment.Path == "" && draft.Attachment.Ref == "" {
		return errors.NewValidationError("attachment", "attachment has neither a file nor a ref")
	}
	if draft.Receiver.ID == "" {
		return errors.NewValidationError("receiver", "receiver is required")
	}
	if draft.Receiver.ID == self {
		return errors.NewValidationError("receiver", "cannot send a message to yourself")
	}
	return nil
}

// Send posts a new message. A temp copy is shown immediately and replaced by
// the canonical message once the server confirms it. On failure the temp copy
// and the conversation's provisional ordering are rolled back.
func (s *ChatSession) Send(ctx context.Context, draft models.Draft) (models.Message, error) {
	if err := validateDraft(s.self.ID, draft); err != nil {
		s.metrics.IncrementCounter(metrics.MutationFailures, map[string]string{"op": "send", "reason": "validation"}, "Failed mutations")
		return models.Message{}, err
	}

	ctx, span := tracing.StartOperation(ctx, "send")
	defer span.End()
	start := time.Now()

	var temp models.Message
	if err := s.do(ctx, func() {
		temp = s.beginSend(draft)
	}); err != nil {
		return models.Message{}, err
	}
	fields := tracing.Fields(ctx)
	fields["temp_id"] = temp.ID
	fields["conversation_id"] = temp.ConversationID

	draft.ConversationID = temp.ConversationID
	canonical, apiErr := s.api.CreateMessage(ctx, s.self.ID, draft)
	s.metrics.RecordTimer(metrics.MutationDuration, time.Since(start), map[string]string{"op": "send"}, "Mutation round trip")

	// The optimistic state must be settled even if the caller gave up.
	settle := context.WithoutCancel(ctx)

	if apiErr != nil {
		err := errors.NewPersistenceError("send", apiErr)
		tracing.RecordError(ctx, err)
		s.metrics.IncrementCounter(metrics.MutationFailures, map[string]string{"op": "send", "reason": "persistence"}, "Failed mutations")
		if doErr := s.do(settle, func() { s.rollbackSend(temp) }); doErr != nil {
			return models.Message{}, doErr
		}
		s.logger.LogWarn(err, "Send failed, rolled back temp message", fields)
		return models.Message{}, err
	}

	if canonical.ConversationID == "" {
		canonical.ConversationID = temp.ConversationID
	}
	if canonical.ReceiverID == "" {
		canonical.ReceiverID = draft.Receiver.ID
	}
	if canonical.Sender.DisplayName == "" && canonical.Sender.ID == s.self.ID {
		canonical.Sender = s.self
	}

	var applied bool
	if err := s.do(settle, func() {
		applied = s.completeSend(temp, canonical, draft.Receiver)
	}); err != nil {
		return models.Message{}, err
	}

	s.metrics.IncrementCounter(metrics.MutationsTotal, map[string]string{"op": "send"}, "Applied mutations")
	if applied {
		s.emit(ctx, events.MessageCreated{Message: canonical, To: draft.Receiver.ID})
	}
	s.logger.WithFields(fields).WithField("message_id", canonical.ID).Debug("Message sent")
	return canonical, nil
}

func (s *ChatSession) beginSend(draft models.Draft) models.Message {
	conversationID := draft.ConversationID
	if conv, ok := s.dir.Get(conversationID); !ok || conv.Pair() != models.NewPair(s.self.ID, draft.Receiver.ID) {
		conversationID = ""
		if conv, ok := s.dir.FindByParticipants(s.self.ID, draft.Receiver.ID); ok {
			conversationID = conv.ID
		}
	}

	temp := models.Message{
		ID:             newTempID(),
		ConversationID: conversationID,
		Sender:         s.self,
		ReceiverID:     draft.Receiver.ID,
		Content:        draft.Content,
		Attachment:     draft.Attachment,
		CreatedAt:      s.clock.Now(),
		IsTemp:         true,
	}
	s.pending[temp.ID] = temp

	if groups, ok := s.activeGroups(conversationID); ok {
		s.setGroups(conversationID, s.engine.AppendOne(groups, temp.Clone()))
	}
	s.dir.Touch(conversationID, temp.CreatedAt)
	return temp
}

func (s *ChatSession) rollbackSend(temp models.Message) {
	delete(s.pending, temp.ID)
	if groups, ok := s.activeGroups(temp.ConversationID); ok {
		groups, _ = grouping.Remove(groups, temp.ID)
		s.setGroups(temp.ConversationID, groups)
	}
	s.dir.Restore(temp.ConversationID)
}

// completeSend swaps the temp message for the canonical one. It reports
// false when the message was deleted before the send resolved.
func (s *ChatSession) completeSend(temp, canonical models.Message, receiver models.Sender) bool {
	defer s.dir.Restore(temp.ConversationID)

	if _, ok := s.dir.Get(canonical.ConversationID); !ok {
		conv := models.Conversation{
			ID:           canonical.ConversationID,
			Participants: []models.Sender{s.self, receiver},
			UpdatedAt:    canonical.CreatedAt,
		}
		if err := s.dir.Upsert(conv); err != nil {
			s.logger.WithError(err).Warn("Could not add conversation for sent message")
		}
	}
	return s.applyCreated(canonical, temp.ID)
}

// Edit replaces a confirmed message's content.
func (s *ChatSession) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, errors.NewValidationError("content", "edited content cannot be empty")
	}
	return s.mutate(ctx, "edit", messageID, func(ctx context.Context) (models.Message, error) {
		return s.api.EditMessage(ctx, messageID, content)
	}, func(msg models.Message) events.Event {
		s.applyUpdated(msg)
		return events.MessageUpdated{Message: msg}
	})
}

// Delete removes a confirmed message.
func (s *ChatSession) Delete(ctx context.Context, messageID string) (models.Message, error) {
	return s.mutate(ctx, "delete", messageID, func(ctx context.Context) (models.Message, error) {
		return s.api.DeleteMessage(ctx, messageID)
	}, func(msg models.Message) events.Event {
		s.applyDeleted(msg.ID)
		return events.MessageDeleted{Message: msg}
	})
}

// TogglePin flips a confirmed message's pinned flag. The server's resulting
// state is applied rather than a local flip.
func (s *ChatSession) TogglePin(ctx context.Context, messageID string) (models.Message, error) {
	return s.mutate(ctx, "pin", messageID, func(ctx context.Context) (models.Message, error) {
		return s.api.TogglePin(ctx, messageID)
	}, func(msg models.Message) events.Event {
		s.applyPinned(msg.ID, msg.IsPinned)
		return events.MessagePinToggled{Message: msg}
	})
}

// mutate runs a non-optimistic mutation of an existing message: validate
// locally, persist, then apply the server result on the loop and emit.
func (s *ChatSession) mutate(
	ctx context.Context,
	op, messageID string,
	call func(ctx context.Context) (models.Message, error),
	apply func(msg models.Message) events.Event,
) (models.Message, error) {
	labels := map[string]string{"op": op}
	if messageID == "" {
		return models.Message{}, errors.NewValidationError("messageId", "message id is required")
	}
	if models.IsTempID(messageID) {
		return models.Message{}, errors.NewValidationError("messageId", "message is not confirmed yet")
	}

	ctx, span := tracing.StartOperation(ctx, op, tracing.AttrMessageID.String(messageID))
	defer span.End()
	start := time.Now()

	var (
		local models.Message
		found bool
	)
	if err := s.do(ctx, func() {
		local, found = s.findMessage(messageID)
	}); err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, errors.NewNotFoundError("message", messageID)
	}

	result, apiErr := call(ctx)
	s.metrics.RecordTimer(metrics.MutationDuration, time.Since(start), labels, "Mutation round trip")
	if apiErr != nil {
		err := errors.NewPersistenceError(op, apiErr).WithContext("conversation_id", local.ConversationID)
		tracing.RecordError(ctx, err)
		s.metrics.IncrementCounter(metrics.MutationFailures, map[string]string{"op": op, "reason": "persistence"}, "Failed mutations")
		s.logger.LogWarn(err, "Mutation failed", tracing.Fields(ctx), logrus.Fields{"message_id": messageID})
		return models.Message{}, err
	}

	result = mergeLocal(result, local)

	var ev events.Event
	if err := s.do(context.WithoutCancel(ctx), func() {
		ev = apply(result)
	}); err != nil {
		return models.Message{}, err
	}

	s.metrics.IncrementCounter(metrics.MutationsTotal, labels, "Applied mutations")
	s.emit(ctx, withRecipient(ev, s.counterpartOf(&local)))
	return result, nil
}

// mergeLocal fills fields the server response may omit from the local copy.
func mergeLocal(result, local models.Message) models.Message {
	if result.ID == "" {
		result.ID = local.ID
	}
	if result.ConversationID == "" {
		result.ConversationID = local.ConversationID
	}
	if result.Sender.ID == "" {
		result.Sender = local.Sender
	} else if result.Sender.DisplayName == "" && result.Sender.ID == local.Sender.ID {
		result.Sender = local.Sender
	}
	if result.ReceiverID == "" {
		result.ReceiverID = local.ReceiverID
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = local.CreatedAt
	}
	return result
}

func (s *ChatSession) counterpartOf(msg *models.Message) string {
	if msg.Sender.ID == s.self.ID {
		return msg.ReceiverID
	}
	return msg.Sender.ID
}

func withRecipient(ev events.Event, to string) events.Event {
	switch e := ev.(type) {
	case events.MessageUpdated:
		e.To = to
		return e
	case events.MessageDeleted:
		e.To = to
		return e
	case events.MessagePinToggled:
		e.To = to
		return e
	}
	return ev
}

func (s *ChatSession) emit(ctx context.Context, ev events.Event) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.WithError(err).WithField("event", ev.Kind()).Warn("Failed to emit event")
	}
}
