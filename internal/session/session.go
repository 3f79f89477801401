// Package session implements the ChatSession aggregate: one event loop that
// owns the conversation directory, the active conversation's message groups,
// unconfirmed sends and the online-user set. Local mutation results and
// remote push events are applied through the same functions on that loop.
package session

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/directory"
	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/grouping"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/receipts"
	"chatsync/internal/retry"
	"chatsync/internal/visibility"
)

// ErrClosed is returned by calls made after the loop stopped.
var ErrClosed = stderrors.New("session closed")

// API is the REST surface the session persists through.
type API interface {
	CreateMessage(ctx context.Context, senderID string, draft models.Draft) (models.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (models.Message, error)
	TogglePin(ctx context.Context, messageID string) (models.Message, error)
	GetConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	GetMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error)
	MarkAsSeen(ctx context.Context, messageIDs []string, userID string) error
}

// Emitter publishes events on the push channel.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) error
}

// EventSource delivers decoded push events and reconnect notifications.
type EventSource interface {
	Events() <-chan events.Event
	Reconnected() <-chan struct{}
}

// SnapshotStore persists conversations for the next start.
type SnapshotStore interface {
	SaveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error
}

// Options configures a ChatSession.
type Options struct {
	Self            models.Sender
	API             API
	Emitter         Emitter
	Observer        visibility.Observer
	Store           SnapshotStore
	GroupingWindow  time.Duration
	ReceiptDebounce time.Duration
	Clock           receipts.Clock
	Refetch         retry.BackoffConfig
	Logger          *logrus.Logger
	Metrics         *metrics.Registry
}

// ChatSession is the single owner of chat state.
type ChatSession struct {
	self    models.Sender
	api     API
	emitter Emitter
	store   SnapshotStore
	engine  *grouping.Engine
	tracker *receipts.Tracker
	clock   receipts.Clock
	refetch retry.BackoffConfig
	logger  *errors.Logger
	metrics *metrics.Registry

	// Loop-owned state.
	dir        *directory.Directory
	activeID   string
	groups     map[string][]models.MessageGroup
	pending    map[string]models.Message
	tombstones map[string]struct{}
	online     map[string]struct{}

	tasks   chan func()
	stopped chan struct{}
}

// New creates a session. Call Run to start its loop.
func New(opts Options) *ChatSession {
	if opts.Clock == nil {
		opts.Clock = receipts.RealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Refetch.MaxAttempts == 0 && opts.Refetch.InitialDelay == 0 {
		opts.Refetch = retry.DefaultBackoffConfig()
		opts.Refetch.MaxAttempts = constants.DefaultRefetchAttempts
	}

	s := &ChatSession{
		self:       opts.Self,
		api:        opts.API,
		emitter:    opts.Emitter,
		store:      opts.Store,
		engine:     grouping.New(opts.GroupingWindow),
		clock:      opts.Clock,
		refetch:    opts.Refetch,
		logger:     errors.WrapLogger(opts.Logger),
		metrics:    opts.Metrics,
		dir:        directory.New(opts.Self.ID),
		groups:     make(map[string][]models.MessageGroup),
		pending:    make(map[string]models.Message),
		tombstones: make(map[string]struct{}),
		online:     make(map[string]struct{}),
		tasks:      make(chan func(), constants.TaskQueueSize),
		stopped:    make(chan struct{}),
	}

	s.tracker = receipts.NewTracker(receipts.Options{
		UserID:      opts.Self.ID,
		Debounce:    opts.ReceiptDebounce,
		Clock:       opts.Clock,
		Committer:   opts.API,
		Emitter:     opts.Emitter,
		Observer:    opts.Observer,
		OnCommitted: s.onReceiptsCommitted,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	return s
}

// Tracker exposes the read receipt tracker so a visibility observer can feed it.
func (s *ChatSession) Tracker() *receipts.Tracker {
	return s.tracker
}

// Run processes tasks and push events until ctx is cancelled. Pending
// read receipts are flushed on the way out.
func (s *ChatSession) Run(ctx context.Context, src EventSource) error {
	var (
		evs         <-chan events.Event
		reconnected <-chan struct{}
	)
	if src != nil {
		evs = src.Events()
		reconnected = src.Reconnected()
	}

	defer close(s.stopped)
	s.logger.WithField("user_id", s.self.ID).Info("Chat session started")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
			s.tracker.Flush(flushCtx)
			cancel()
			s.logger.Info("Chat session stopped")
			return ctx.Err()
		case fn := <-s.tasks:
			fn()
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			_ = s.HandleEvent(ev)
		case _, ok := <-reconnected:
			if !ok {
				reconnected = nil
				continue
			}
			s.metrics.IncrementCounter(metrics.PushReconnects, nil, "Push channel reconnects")
			go s.refetchAfterReconnect(ctx)
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *ChatSession) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting.
func (s *ChatSession) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.stopped:
	}
}

// SetActive makes conversationID the active conversation. Results of
// mutations started for another conversation no longer touch its groups.
func (s *ChatSession) SetActive(ctx context.Context, conversationID string) error {
	var err error
	doErr := s.do(ctx, func() {
		err = s.activate(conversationID)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (s *ChatSession) activate(conversationID string) error {
	if conversationID == s.activeID {
		return nil
	}
	if _, ok := s.dir.Get(conversationID); !ok {
		return errors.NewNotFoundError("conversation", conversationID)
	}
	s.activeID = conversationID
	s.groups = map[string][]models.MessageGroup{conversationID: s.buildGroups(conversationID)}
	s.tracker.Reset()
	s.logger.WithField("conversation_id", conversationID).Debug("Active conversation changed")
	return nil
}

// buildGroups groups the confirmed history plus unconfirmed sends.
func (s *ChatSession) buildGroups(conversationID string) []models.MessageGroup {
	conv, ok := s.dir.Get(conversationID)
	if !ok {
		return nil
	}
	messages := make([]models.Message, 0, len(conv.Messages))
	for i := range conv.Messages {
		messages = append(messages, conv.Messages[i].Clone())
	}
	for _, temp := range s.pending {
		if temp.ConversationID == conversationID {
			messages = append(messages, temp.Clone())
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return s.engine.Group(messages)
}

// activeGroups returns the groups for conversationID only if it is still
// the active conversation.
func (s *ChatSession) activeGroups(conversationID string) ([]models.MessageGroup, bool) {
	if conversationID == "" || conversationID != s.activeID {
		return nil, false
	}
	return s.groups[conversationID], true
}

func (s *ChatSession) setGroups(conversationID string, groups []models.MessageGroup) {
	s.groups[conversationID] = groups
}

// replaceState loads a full conversation list, keeping unconfirmed sends.
func (s *ChatSession) replaceState(convs []models.Conversation) {
	for _, err := range s.dir.Load(convs) {
		s.logger.WithError(err).Warn("Skipping invalid conversation")
	}
	s.tombstones = make(map[string]struct{})
	s.metrics.SetGauge(metrics.Conversations, float64(s.dir.Len()), nil, "Loaded conversations")

	if _, ok := s.dir.Get(s.activeID); !ok {
		s.activeID = ""
		if recent, ok := s.dir.MostRecent(); ok {
			s.activeID = recent
		}
		s.tracker.Reset()
	}
	s.groups = make(map[string][]models.MessageGroup)
	if s.activeID != "" {
		s.groups[s.activeID] = s.buildGroups(s.activeID)
	}
}

// Restore seeds the session from a cached snapshot.
func (s *ChatSession) Restore(ctx context.Context, convs []models.Conversation) error {
	return s.do(ctx, func() {
		s.replaceState(convs)
	})
}

// Refresh fetches all conversations and replaces local state. Missed push
// events are not replayed; this is how the session catches up.
func (s *ChatSession) Refresh(ctx context.Context) error {
	convs, err := s.api.GetConversations(ctx, s.self.ID)
	if err != nil {
		return err
	}

	var snapshot []models.Conversation
	if err := s.do(ctx, func() {
		s.replaceState(convs)
		snapshot = s.dir.Sorted()
	}); err != nil {
		return err
	}

	s.logger.WithField("conversations", len(snapshot)).Info("Conversations refreshed")
	if s.store != nil {
		if err := s.store.SaveConversations(ctx, s.self.ID, snapshot); err != nil {
			s.logger.LogWarn(err, "Failed to save conversation snapshot")
		}
	}
	return nil
}

func (s *ChatSession) refetchAfterReconnect(ctx context.Context) {
	b := retry.NewBackoff(s.refetch)
	err := b.RetryWithPredicate(ctx, func() error {
		return s.Refresh(ctx)
	}, func(err error) bool {
		return !stderrors.Is(err, ErrClosed)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.LogWarn(err, "Failed to refetch conversations after reconnect")
	}
}

func (s *ChatSession) onReceiptsCommitted(ids []string, seenAt time.Time) {
	s.post(func() {
		s.applySeen(ids, s.self.ID, seenAt)
	})
}
