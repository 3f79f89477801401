package session

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/grouping"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/retry"
	"chatsync/internal/visibility"
)

var (
	t0    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	alice = models.Sender{ID: "u1", DisplayName: "Alice"}
	bob   = models.Sender{ID: "u2", DisplayName: "Bob"}
	carol = models.Sender{ID: "u3", DisplayName: "Carol"}
	dave  = models.Sender{ID: "u4", DisplayName: "Dave"}
)

func msg(id string, from, to models.Sender, conversationID string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         from,
		ReceiverID:     to.ID,
		Content:        "text " + id,
		CreatedAt:      at,
	}
}

func fixture() []models.Conversation {
	return []models.Conversation{
		{
			ID:           "c1",
			Participants: []models.Sender{alice, bob},
			Messages: []models.Message{
				msg("m1", bob, alice, "c1", t0),
				msg("m2", alice, bob, "c1", t0.Add(10*time.Second)),
			},
			UpdatedAt: t0,
		},
		{
			ID:           "c2",
			Participants: []models.Sender{alice, carol},
			Messages:     []models.Message{msg("m3", carol, alice, "c2", t0.Add(-time.Hour))},
			UpdatedAt:    t0.Add(-time.Hour),
		},
	}
}

type harness struct {
	s        *ChatSession
	api      *mockAPI
	emitter  *recordingEmitter
	clock    *fakeClock
	src      *fakeSource
	observer *visibility.ThresholdObserver
	metrics  *metrics.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		api:      new(mockAPI),
		emitter:  &recordingEmitter{},
		clock:    &fakeClock{now: t0.Add(time.Minute)},
		src:      newFakeSource(),
		observer: visibility.NewThresholdObserver(0.5),
		metrics:  metrics.NewRegistry(),
	}
	h.s = New(Options{
		Self:     alice,
		API:      h.api,
		Emitter:  h.emitter,
		Observer: h.observer,
		Clock:    h.clock,
		Refetch: retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
		},
		Logger:  logger,
		Metrics: h.metrics,
	})
	h.observer.OnChange(h.s.Tracker().OnVisibilityChanged)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.s.Run(ctx, h.src)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, h.s.Restore(context.Background(), fixture()))
	return h
}

func (h *harness) handle(t *testing.T, ev events.Event) error {
	t.Helper()
	var err error
	require.NoError(t, h.s.do(context.Background(), func() {
		err = h.s.HandleEvent(ev)
	}))
	return err
}

func (h *harness) groups(t *testing.T) []models.MessageGroup {
	t.Helper()
	groups, err := h.s.Groups(context.Background())
	require.NoError(t, err)
	return groups
}

func (h *harness) conversations(t *testing.T) []models.Conversation {
	t.Helper()
	convs, err := h.s.Conversations(context.Background(), "")
	require.NoError(t, err)
	return convs
}

func messageIDs(groups []models.MessageGroup) []string {
	var ids []string
	for _, m := range grouping.Flatten(groups) {
		ids = append(ids, m.ID)
	}
	return ids
}

func conversationIDs(convs []models.Conversation) []string {
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestRestore_ActivatesMostRecentConversation(t *testing.T) {
	h := newHarness(t)

	active, err := h.s.ActiveConversationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", active)

	groups := h.groups(t)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(groups))
	assert.Equal(t, []string{"c1", "c2"}, conversationIDs(h.conversations(t)))
}

func TestSetActive_UnknownConversation(t *testing.T) {
	h := newHarness(t)

	err := h.s.SetActive(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestSend_ReplacesTempWithCanonical(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-1", alice, bob, "c1", t0.Add(61*time.Second))
	canonical.Content = "hello"

	h.api.On("CreateMessage", mock.Anything, "u1", mock.MatchedBy(func(d models.Draft) bool {
		return d.Content == "hello" && d.Receiver.ID == "u2" && d.ConversationID == "c1"
	})).Run(func(mock.Arguments) {
		messages := grouping.Flatten(h.groups(t))
		require.Len(t, messages, 3)
		last := messages[2]
		assert.True(t, last.IsTemp)
		assert.True(t, models.IsTempID(last.ID))
		assert.Equal(t, "hello", last.Content)
	}).Return(canonical, nil).Once()

	got, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c1", Receiver: bob, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)

	groups := h.groups(t)
	assert.Equal(t, []string{"m1", "m2", "srv-1"}, messageIDs(groups))
	require.Len(t, groups, 2)
	for _, m := range grouping.Flatten(groups) {
		assert.False(t, m.IsTemp)
	}

	emitted := h.emitter.Events()
	require.Len(t, emitted, 1)
	created, ok := emitted[0].(events.MessageCreated)
	require.True(t, ok)
	assert.Equal(t, "srv-1", created.Message.ID)
	assert.Equal(t, "u2", created.To)
	h.api.AssertExpectations(t)
}

func TestSend_RejectsInvalidDraftsWithoutNetworkCall(t *testing.T) {
	tests := []struct {
		name  string
		draft models.Draft
	}{
		{"empty content and no attachment", models.Draft{Receiver: bob}},
		{"whitespace content", models.Draft{Receiver: bob, Content: "   "}},
		{"missing receiver", models.Draft{Content: "hi"}},
		{"receiver is self", models.Draft{Receiver: alice, Content: "hi"}},
		{"attachment without file or ref", models.Draft{Receiver: bob, Attachment: &models.Attachment{Name: "photo.png"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.s.Send(context.Background(), tt.draft)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidationFailed))
			h.api.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything)
			assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.groups(t)))
		})
	}
}

func TestSend_AttachmentOnlyIsAccepted(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-2", alice, bob, "c1", t0.Add(61*time.Second))
	canonical.Content = ""
	canonical.Attachment = &models.Attachment{Ref: "f1", Name: "photo.png", Type: "image/png"}

	h.api.On("CreateMessage", mock.Anything, "u1", mock.Anything).Return(canonical, nil).Once()

	_, err := h.s.Send(context.Background(), models.Draft{
		ConversationID: "c1",
		Receiver:       bob,
		Attachment:     &models.Attachment{Name: "photo.png", Path: "/tmp/photo.png"},
	})
	require.NoError(t, err)
	assert.Contains(t, messageIDs(h.groups(t)), "srv-2")
}

func TestSend_UploadedAttachmentRefIsAccepted(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-2", alice, bob, "c1", t0.Add(61*time.Second))
	canonical.Content = ""
	canonical.Attachment = &models.Attachment{Ref: "att-1"}

	h.api.On("CreateMessage", mock.Anything, "u1", mock.MatchedBy(func(d models.Draft) bool {
		return d.Attachment != nil && d.Attachment.Ref == "att-1"
	})).Return(canonical, nil).Once()

	_, err := h.s.Send(context.Background(), models.Draft{
		ConversationID: "c1",
		Receiver:       bob,
		Attachment:     &models.Attachment{Ref: "att-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, messageIDs(h.groups(t)), "srv-2")
	h.api.AssertExpectations(t)
}

func TestSend_ConversationNotMatchingReceiverIsResolvedByParticipants(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-4", alice, bob, "c1", t0.Add(61*time.Second))

	h.api.On("CreateMessage", mock.Anything, "u1", mock.MatchedBy(func(d models.Draft) bool {
		return d.ConversationID == "c1" && d.Receiver.ID == "u2"
	})).Run(func(mock.Arguments) {
		messages := grouping.Flatten(h.groups(t))
		require.Len(t, messages, 3)
		assert.True(t, messages[2].IsTemp)
		assert.Equal(t, "c1", messages[2].ConversationID)
	}).Return(canonical, nil).Once()

	// c2 is the conversation with Carol, not Bob.
	_, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c2", Receiver: bob, Content: "hello"})
	require.NoError(t, err)

	convs := h.conversations(t)
	require.Equal(t, []string{"c1", "c2"}, conversationIDs(convs))
	assert.Len(t, convs[1].Messages, 1)
	h.api.AssertExpectations(t)
}

func TestSend_ResultForInactiveConversationOnlyUpdatesDirectory(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-1", alice, bob, "c1", t0.Add(61*time.Second))

	h.api.On("CreateMessage", mock.Anything, "u1", mock.Anything).Run(func(mock.Arguments) {
		require.NoError(t, h.s.SetActive(context.Background(), "c2"))
	}).Return(canonical, nil).Once()

	_, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c1", Receiver: bob, Content: "hello"})
	require.NoError(t, err)

	groups := h.groups(t)
	assert.Equal(t, []string{"m3"}, messageIDs(groups))
	for _, m := range grouping.Flatten(groups) {
		assert.False(t, m.IsTemp)
	}

	convs := h.conversations(t)
	require.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "srv-1", convs[0].LastMessage().ID)

	require.NoError(t, h.s.SetActive(context.Background(), "c1"))
	assert.Equal(t, []string{"m1", "m2", "srv-1"}, messageIDs(h.groups(t)))
	assert.Len(t, h.emitter.Events(), 1)
}

func TestSend_FailureRemovesTempMessage(t *testing.T) {
	h := newHarness(t)

	h.api.On("CreateMessage", mock.Anything, "u1", mock.Anything).Return(models.Message{}, stderrors.New("connection reset")).Once()

	_, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c1", Receiver: bob, Content: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodePersistence))
	assert.True(t, errors.IsRetryable(err))

	groups := h.groups(t)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(groups))
	assert.Len(t, groups, 2)
	assert.Empty(t, h.emitter.Events())
}

func TestSend_FailureRestoresConversationOrder(t *testing.T) {
	h := newHarness(t)

	h.api.On("CreateMessage", mock.Anything, "u1", mock.Anything).Run(func(mock.Arguments) {
		assert.Equal(t, []string{"c2", "c1"}, conversationIDs(h.conversations(t)))
	}).Return(models.Message{}, stderrors.New("503")).Once()

	_, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c2", Receiver: carol, Content: "hi"})
	require.Error(t, err)

	assert.Equal(t, []string{"c1", "c2"}, conversationIDs(h.conversations(t)))
	h.api.AssertExpectations(t)
}

func TestSend_CreatesUnknownConversation(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-3", alice, dave, "c9", t0.Add(2*time.Minute))

	h.api.On("CreateMessage", mock.Anything, "u1", mock.MatchedBy(func(d models.Draft) bool {
		return d.ConversationID == "" && d.Receiver.ID == "u4"
	})).Return(canonical, nil).Once()

	_, err := h.s.Send(context.Background(), models.Draft{Receiver: dave, Content: "hey"})
	require.NoError(t, err)

	convs := h.conversations(t)
	assert.Equal(t, []string{"c9", "c1", "c2"}, conversationIDs(convs))
	other, ok := convs[0].Counterpart("u1")
	require.True(t, ok)
	assert.Equal(t, "Dave", other.DisplayName)

	// The active view is untouched.
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.groups(t)))
}

func TestSend_DeletedBeforeCompletionIsNoOp(t *testing.T) {
	h := newHarness(t)
	canonical := msg("srv-1", alice, bob, "c1", t0.Add(61*time.Second))

	h.api.On("CreateMessage", mock.Anything, "u1", mock.Anything).Run(func(mock.Arguments) {
		err := h.handle(t, events.MessageDeleted{Message: models.Message{ID: "srv-1", Sender: alice, ReceiverID: "u2"}})
		assert.True(t, errors.Is(err, errors.ErrCodeReconciliationMiss))
	}).Return(canonical, nil).Once()

	_, err := h.s.Send(context.Background(), models.Draft{ConversationID: "c1", Receiver: bob, Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.groups(t)))
	assert.Len(t, h.conversations(t)[0].Messages, 2)
	assert.Empty(t, h.emitter.Events())
}

func TestHandleEvent_DuplicateCreatedAppliedOnce(t *testing.T) {
	h := newHarness(t)
	incoming := msg("m4", bob, alice, "c1", t0.Add(20*time.Second))

	require.NoError(t, h.handle(t, events.MessageCreated{Message: incoming}))
	require.NoError(t, h.handle(t, events.MessageCreated{Message: incoming}))

	assert.Equal(t, []string{"m1", "m2", "m4"}, messageIDs(h.groups(t)))
	assert.Len(t, h.conversations(t)[0].Messages, 3)
}

func TestHandleEvent_OutOfOrderCreatedRegroups(t *testing.T) {
	h := newHarness(t)
	incoming := msg("m4", bob, alice, "", t0.Add(5*time.Second))

	require.NoError(t, h.handle(t, events.MessageCreated{Message: incoming}))

	groups := h.groups(t)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"m1", "m4"}, messageIDs(groups[:1]))
	assert.Equal(t, "c1", groups[0].Messages[1].ConversationID)
}

func TestHandleEvent_BareSenderIdResolvedFromParticipants(t *testing.T) {
	h := newHarness(t)
	ev, err := events.Decode(events.Envelope{
		Event: events.NameNewMessage,
		Data:  []byte(`{"_id":"m5","conversation":"c1","sender":"u2","receiverId":"u1","content":"hey","createdAt":"2026-03-01T09:00:30Z"}`),
	}, t0)
	require.NoError(t, err)

	require.NoError(t, h.handle(t, ev))

	groups := h.groups(t)
	require.Len(t, groups, 3)
	assert.Equal(t, bob, groups[2].Sender)
	assert.Equal(t, bob, groups[2].Messages[0].Sender)

	convs := h.conversations(t)
	require.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, bob, convs[0].LastMessage().Sender)
}

func TestHandleEvent_StaleEventDiscarded(t *testing.T) {
	h := newHarness(t)

	err := h.handle(t, events.MessageCreated{Message: msg("m9", carol, alice, "c2", t0.Add(time.Minute))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeStaleEvent))

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.groups(t)))
	convs := h.conversations(t)
	assert.Len(t, convs[1].Messages, 1)
	assert.Equal(t, float64(1), h.metrics.CounterValue(metrics.EventsDiscarded, map[string]string{
		"kind":   string(events.KindMessageCreated),
		"reason": string(errors.ErrCodeStaleEvent),
	}))
}

func TestHandleEvent_FillsMissingParticipantsFromLocalCopy(t *testing.T) {
	h := newHarness(t)
	updatedAt := t0.Add(3 * time.Minute)

	err := h.handle(t, events.MessageUpdated{Message: models.Message{ID: "m1", Content: "fixed typo", UpdatedAt: &updatedAt}})
	require.NoError(t, err)

	m := grouping.Lookup(h.groups(t), "m1")
	require.NotNil(t, m)
	assert.Equal(t, "fixed typo", m.Content)
	require.NotNil(t, m.UpdatedAt)
	assert.True(t, m.UpdatedAt.Equal(updatedAt))
}

func TestHandleEvent_UnknownMessageIsMiss(t *testing.T) {
	h := newHarness(t)

	err := h.handle(t, events.MessagePinToggled{Message: models.Message{ID: "nope", Sender: bob, ReceiverID: "u1", IsPinned: true}})
	assert.True(t, errors.Is(err, errors.ErrCodeReconciliationMiss))
}

func TestEdit_AppliesServerResultAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	updatedAt := t0.Add(2 * time.Minute)
	updated := msg("m2", alice, bob, "c1", t0.Add(10*time.Second))
	updated.Content = "edited"
	updated.UpdatedAt = &updatedAt

	h.api.On("EditMessage", mock.Anything, "m2", "edited").Return(updated, nil).Once()

	_, err := h.s.Edit(context.Background(), "m2", "edited")
	require.NoError(t, err)
	require.NoError(t, h.handle(t, events.MessageUpdated{Message: updated}))

	groups := h.groups(t)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(groups))
	assert.Equal(t, "edited", grouping.Lookup(groups, "m2").Content)

	emitted := h.emitter.Events()
	require.Len(t, emitted, 1)
	ev, ok := emitted[0].(events.MessageUpdated)
	require.True(t, ok)
	assert.Equal(t, "u2", ev.To)
}

func TestEdit_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Edit(context.Background(), "m2", "  ")
	assert.True(t, errors.Is(err, errors.ErrCodeValidationFailed))

	_, err = h.s.Edit(context.Background(), "temp-123", "text")
	assert.True(t, errors.Is(err, errors.ErrCodeValidationFailed))

	_, err = h.s.Edit(context.Background(), "missing", "text")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	h.api.AssertNotCalled(t, "EditMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestEdit_ResultForInactiveConversationOnlyUpdatesDirectory(t *testing.T) {
	h := newHarness(t)
	updated := msg("m1", bob, alice, "c1", t0)
	updated.Content = "late"

	h.api.On("EditMessage", mock.Anything, "m1", "late").Run(func(mock.Arguments) {
		require.NoError(t, h.s.SetActive(context.Background(), "c2"))
	}).Return(updated, nil).Once()

	_, err := h.s.Edit(context.Background(), "m1", "late")
	require.NoError(t, err)

	assert.Equal(t, []string{"m3"}, messageIDs(h.groups(t)))

	require.NoError(t, h.s.SetActive(context.Background(), "c1"))
	assert.Equal(t, "late", grouping.Lookup(h.groups(t), "m1").Content)
}

func TestDelete_RemovesMessageAndEmptyGroup(t *testing.T) {
	h := newHarness(t)

	h.api.On("DeleteMessage", mock.Anything, "m2").Return(msg("m2", alice, bob, "c1", t0.Add(10*time.Second)), nil).Once()

	_, err := h.s.Delete(context.Background(), "m2")
	require.NoError(t, err)

	groups := h.groups(t)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"m1"}, messageIDs(groups))
	assert.Len(t, h.conversations(t)[0].Messages, 1)

	emitted := h.emitter.Events()
	require.Len(t, emitted, 1)
	ev, ok := emitted[0].(events.MessageDeleted)
	require.True(t, ok)
	assert.Equal(t, "m2", ev.Message.ID)
	assert.Equal(t, "u2", ev.To)

	// The echoed event finds nothing left to remove.
	err = h.handle(t, events.MessageDeleted{Message: ev.Message})
	assert.True(t, errors.Is(err, errors.ErrCodeReconciliationMiss))
	assert.Equal(t, []string{"m1"}, messageIDs(h.groups(t)))
}

func TestTogglePin_AppliesServerState(t *testing.T) {
	h := newHarness(t)
	pinned := msg("m1", bob, alice, "c1", t0)
	pinned.IsPinned = true

	h.api.On("TogglePin", mock.Anything, "m1").Return(pinned, nil).Once()

	_, err := h.s.TogglePin(context.Background(), "m1")
	require.NoError(t, err)

	groups := h.groups(t)
	assert.True(t, grouping.Lookup(groups, "m1").IsPinned)
	assert.Len(t, groups, 2)
	assert.True(t, h.conversations(t)[0].Messages[0].IsPinned)

	emitted := h.emitter.Events()
	require.Len(t, emitted, 1)
	ev, ok := emitted[0].(events.MessagePinToggled)
	require.True(t, ok)
	assert.Equal(t, "u2", ev.To)
}

func TestTogglePin_FailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)

	h.api.On("TogglePin", mock.Anything, "m1").Return(models.Message{}, stderrors.New("timeout")).Once()

	_, err := h.s.TogglePin(context.Background(), "m1")
	assert.True(t, errors.Is(err, errors.ErrCodePersistence))
	assert.False(t, grouping.Lookup(h.groups(t), "m1").IsPinned)
	assert.Empty(t, h.emitter.Events())
}

func TestHandleEvent_SeenUpdatesGroupsAndDirectory(t *testing.T) {
	h := newHarness(t)
	seenAt := t0.Add(2 * time.Minute)

	err := h.handle(t, events.MessagesSeen{MessageIDs: []string{"m2", "unknown"}, SeenBy: "u2", SeenAt: seenAt})
	require.NoError(t, err)

	m := grouping.Lookup(h.groups(t), "m2")
	require.NotNil(t, m)
	assert.True(t, m.Seen)
	require.NotNil(t, m.SeenAt)
	assert.True(t, m.SeenAt.Equal(seenAt))

	conv := h.conversations(t)[0]
	assert.True(t, conv.Messages[1].Seen)
	assert.False(t, conv.Messages[0].Seen)
}

func TestHandleEvent_SeenNeverMarksSendersOwnMessage(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.handle(t, events.MessagesSeen{MessageIDs: []string{"m2"}, SeenBy: "u1", SeenAt: t0}))
	assert.False(t, grouping.Lookup(h.groups(t), "m2").Seen)
}

func TestHandleEvent_Presence(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.handle(t, events.PresenceOnline{UserID: "u3"}))
	require.NoError(t, h.handle(t, events.PresenceOnline{UserID: "u2"}))
	require.NoError(t, h.handle(t, events.PresenceOnline{UserID: "u3"}))
	require.NoError(t, h.handle(t, events.PresenceOffline{UserID: "u2"}))

	online, err := h.s.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, online)
}

func TestRun_AppliesEventsFromSource(t *testing.T) {
	h := newHarness(t)

	h.src.events <- events.PresenceOnline{UserID: "u2"}

	assert.Eventually(t, func() bool {
		online, err := h.s.OnlineUsers(context.Background())
		return err == nil && len(online) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMount_CommitsReceiptsAndMarksSeen(t *testing.T) {
	h := newHarness(t)

	h.api.On("MarkAsSeen", mock.Anything, []string{"m1"}, "u1").Return(nil).Once()

	require.NoError(t, h.s.Mount(context.Background(), "row-m1", "m1"))
	require.NoError(t, h.s.Mount(context.Background(), "row-m2", "m2"))
	h.observer.Report("m1", 0.9)
	h.observer.Report("m2", 0.9)
	h.clock.Fire()

	assert.Eventually(t, func() bool {
		groups, err := h.s.Groups(context.Background())
		if err != nil {
			return false
		}
		m := grouping.Lookup(groups, "m1")
		return m != nil && m.Seen
	}, time.Second, 5*time.Millisecond)

	assert.True(t, h.s.Tracker().Processed("m1"))
	assert.False(t, h.s.Tracker().Processed("m2"))

	emitted := h.emitter.Events()
	require.Len(t, emitted, 1)
	seen, ok := emitted[0].(events.MessagesSeen)
	require.True(t, ok)
	assert.Equal(t, []string{"m1"}, seen.MessageIDs)
	h.api.AssertExpectations(t)
}

func TestMount_UnknownMessage(t *testing.T) {
	h := newHarness(t)

	err := h.s.Mount(context.Background(), nil, "m3")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestLoadOlder_PrependsHistory(t *testing.T) {
	h := newHarness(t)
	older := []models.Message{
		msg("m0", bob, alice, "c1", t0.Add(-30*time.Second)),
		msg("m-1", alice, bob, "c1", t0.Add(-10*time.Minute)),
	}

	h.api.On("GetMessagesBefore", mock.Anything, "c1", "m1", 20).Return(older, nil).Once()

	n, err := h.s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	groups := h.groups(t)
	assert.Equal(t, []string{"m-1", "m0", "m1", "m2"}, messageIDs(groups))
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"m0", "m1"}, messageIDs(groups[1:2]))
}

func TestLoadOlder_BareSenderIdResolvedFromParticipants(t *testing.T) {
	h := newHarness(t)
	older := []models.Message{
		msg("m0", models.Sender{ID: "u2"}, alice, "c1", t0.Add(-5*time.Minute)),
	}

	h.api.On("GetMessagesBefore", mock.Anything, "c1", "m1", 20).Return(older, nil).Once()

	_, err := h.s.LoadOlder(context.Background())
	require.NoError(t, err)

	groups := h.groups(t)
	require.Len(t, groups, 3)
	assert.Equal(t, bob, groups[0].Sender)
	assert.Equal(t, bob, groups[0].Messages[0].Sender)
	assert.Equal(t, bob, h.conversations(t)[0].Messages[0].Sender)
}

func TestLoadOlder_Failure(t *testing.T) {
	h := newHarness(t)

	h.api.On("GetMessagesBefore", mock.Anything, "c1", "m1", 20).Return(nil, stderrors.New("boom")).Once()

	_, err := h.s.LoadOlder(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodePersistence))
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.groups(t)))
}

func TestReconnect_RefetchesConversations(t *testing.T) {
	h := newHarness(t)
	refreshed := fixture()
	refreshed[0].Messages = append(refreshed[0].Messages, msg("m5", bob, alice, "c1", t0.Add(30*time.Second)))

	h.api.On("GetConversations", mock.Anything, "u1").Return(refreshed, nil)

	h.src.reconnected <- struct{}{}

	assert.Eventually(t, func() bool {
		groups, err := h.s.Groups(context.Background())
		return err == nil && grouping.Lookup(groups, "m5") != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), h.metrics.CounterValue(metrics.PushReconnects, nil))
}

func TestRefresh_FallsBackToMostRecentWhenActiveRemoved(t *testing.T) {
	h := newHarness(t)
	refreshed := fixture()[1:]

	h.api.On("GetConversations", mock.Anything, "u1").Return(refreshed, nil).Once()

	require.NoError(t, h.s.Refresh(context.Background()))

	active, err := h.s.ActiveConversationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c2", active)
	assert.Equal(t, []string{"m3"}, messageIDs(h.groups(t)))
}
