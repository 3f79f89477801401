// Package receipts batches visible, unread messages into debounced
// mark-as-seen commits.
package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/internal/visibility"
)

// Committer persists read receipts.
type Committer interface {
	MarkAsSeen(ctx context.Context, messageIDs []string, userID string) error
}

// Emitter publishes events on the push channel.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) error
}

// CommitFunc is invoked after a successful commit with the committed ids.
type CommitFunc func(ids []string, seenAt time.Time)

// Options configures a Tracker. Zero values fall back to defaults.
type Options struct {
	UserID      string
	Debounce    time.Duration
	Clock       Clock
	Committer   Committer
	Emitter     Emitter
	Observer    visibility.Observer
	OnCommitted CommitFunc
	Logger      *logrus.Logger
	Metrics     *metrics.Registry
}

// Tracker collects message ids that became visible and commits them in one
// call once no new ids arrived for the debounce period. Committed ids are
// never batched again.
type Tracker struct {
	mu sync.Mutex

	userID    string
	debounce  time.Duration
	clock     Clock
	committer Committer
	emitter   Emitter
	observer  visibility.Observer
	onCommit  CommitFunc
	logger    *errors.Logger
	metrics   *metrics.Registry

	eligible   map[string]struct{}
	visible    map[string]struct{}
	pending    []string
	pendingSet map[string]struct{}
	inflight   map[string]struct{}
	processed  map[string]struct{}
	timer      Timer
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = time.Duration(constants.DefaultReceiptDebounceMs) * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return &Tracker{
		userID:     opts.UserID,
		debounce:   opts.Debounce,
		clock:      opts.Clock,
		committer:  opts.Committer,
		emitter:    opts.Emitter,
		observer:   opts.Observer,
		onCommit:   opts.OnCommitted,
		logger:     errors.WrapLogger(opts.Logger),
		metrics:    opts.Metrics,
		eligible:   make(map[string]struct{}),
		visible:    make(map[string]struct{}),
		pendingSet: make(map[string]struct{}),
		inflight:   make(map[string]struct{}),
		processed:  make(map[string]struct{}),
	}
}

// Register starts tracking a mounted message. Own, already seen, temp and
// already committed messages are not tracked.
func (t *Tracker) Register(elementRef any, msg models.Message) {
	if msg.Sender.ID == t.userID || msg.Seen || msg.IsTemp || models.IsTempID(msg.ID) {
		return
	}

	t.mu.Lock()
	if _, done := t.processed[msg.ID]; done {
		t.mu.Unlock()
		return
	}
	t.eligible[msg.ID] = struct{}{}
	t.mu.Unlock()

	if t.observer != nil {
		t.observer.Observe(elementRef, msg.ID)
	}
}

// Unregister stops tracking an unmounted message. An id already pending is
// still committed with its batch.
func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	delete(t.eligible, id)
	delete(t.visible, id)
	t.mu.Unlock()

	if t.observer != nil {
		t.observer.Unobserve(id)
	}
}

// OnVisibilityChanged is the visibility.Listener for the tracker.
func (t *Tracker) OnVisibilityChanged(id string, visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !visible {
		delete(t.visible, id)
		return
	}
	if _, ok := t.eligible[id]; !ok {
		return
	}
	if _, done := t.processed[id]; done {
		return
	}
	t.visible[id] = struct{}{}

	if _, busy := t.inflight[id]; !busy {
		t.addPending(id)
	}
	t.restartTimer()
}

func (t *Tracker) addPending(id string) {
	if _, ok := t.pendingSet[id]; ok {
		return
	}
	t.pendingSet[id] = struct{}{}
	t.pending = append(t.pending, id)
}

func (t *Tracker) restartTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.debounce, func() {
		t.commit(context.Background())
	})
}

// Flush commits the pending batch immediately.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.commit(ctx)
}

// Processed reports whether id was committed.
func (t *Tracker) Processed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processed[id]
	return ok
}

// Pending returns the ids waiting for the next commit.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.pending...)
}

// Reset drops all tracking state except the processed set. Used when the
// active conversation changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.eligible))
	for id := range t.eligible {
		ids = append(ids, id)
	}
	t.eligible = make(map[string]struct{})
	t.visible = make(map[string]struct{})
	t.mu.Unlock()

	if t.observer != nil {
		for _, id := range ids {
			t.observer.Unobserve(id)
		}
	}
}

func (t *Tracker) commit(ctx context.Context) {
	t.mu.Lock()
	ids := t.pending
	t.pending = nil
	t.pendingSet = make(map[string]struct{})
	for _, id := range ids {
		t.inflight[id] = struct{}{}
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	ctx, span := tracing.StartOperation(ctx, "mark_seen", tracing.AttrBatchSize.Int(len(ids)))
	defer span.End()

	start := time.Now()
	err := t.committer.MarkAsSeen(ctx, ids, t.userID)
	t.metrics.RecordTimer(metrics.APIRequestDuration, time.Since(start), map[string]string{"endpoint": "mark-as-seen"}, "REST call duration")

	if err != nil {
		commitErr := errors.NewReceiptCommitError(len(ids), err)
		tracing.RecordError(ctx, commitErr)
		t.logger.LogWarn(commitErr, "Failed to commit read receipts", tracing.Fields(ctx))
		t.metrics.IncrementCounter(metrics.ReceiptCommitFailures, nil, "Failed mark-as-seen commits")

		t.mu.Lock()
		for _, id := range ids {
			delete(t.inflight, id)
			if _, done := t.processed[id]; !done {
				t.addPending(id)
			}
		}
		t.mu.Unlock()
		return
	}

	seenAt := t.clock.Now()
	t.mu.Lock()
	for _, id := range ids {
		delete(t.inflight, id)
		delete(t.eligible, id)
		delete(t.visible, id)
		t.processed[id] = struct{}{}
	}
	t.mu.Unlock()

	if t.observer != nil {
		for _, id := range ids {
			t.observer.Unobserve(id)
		}
	}

	t.metrics.IncrementCounter(metrics.ReceiptCommits, nil, "Successful mark-as-seen commits")
	t.metrics.SetGauge(metrics.ReceiptBatchSize, float64(len(ids)), nil, "Size of the last receipt batch")
	t.logger.WithFields(tracing.Fields(ctx)).WithField("count", len(ids)).Debug("Committed read receipts")

	if t.onCommit != nil {
		t.onCommit(ids, seenAt)
	}
	if t.emitter != nil {
		ev := events.MessagesSeen{MessageIDs: ids, SeenBy: t.userID, SeenAt: seenAt}
		if err := t.emitter.Emit(ctx, ev); err != nil {
			t.logger.WithError(err).Warn("Failed to emit messages-seen")
		}
	}
}
