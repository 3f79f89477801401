package session

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/events"
	"chatsync/internal/models"
	"chatsync/internal/receipts"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) CreateMessage(ctx context.Context, senderID string, draft models.Draft) (models.Message, error) {
	args := m.Called(ctx, senderID, draft)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *mockAPI) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	args := m.Called(ctx, messageID, content)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *mockAPI) DeleteMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *mockAPI) TogglePin(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *mockAPI) GetConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	convs, _ := args.Get(0).([]models.Conversation)
	return convs, args.Error(1)
}

func (m *mockAPI) GetMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, beforeID, limit)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func (m *mockAPI) MarkAsSeen(ctx context.Context, messageIDs []string, userID string) error {
	args := m.Called(ctx, messageIDs, userID)
	return args.Error(0)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) Events() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

type fakeSource struct {
	events      chan events.Event
	reconnected chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:      make(chan events.Event, 16),
		reconnected: make(chan struct{}, 1),
	}
}

func (s *fakeSource) Events() <-chan events.Event    { return s.events }
func (s *fakeSource) Reconnected() <-chan struct{} { return s.reconnected }

type fakeTimer struct {
	mu      *sync.Mutex
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock fires debounce timers only when told to.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) receipts.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{mu: &c.mu, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs every armed timer.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	var due []func()
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			due = append(due, t.f)
		}
	}
	c.timers = nil
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}
