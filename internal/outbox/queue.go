// Package outbox is the durable action queue. Mutations are appended,
// persisted after every change, and executed one at a time from the head
// with capped exponential backoff. Items that keep failing are dropped so
// they cannot block the rest of the queue.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/clock"
	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/retry"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

const (
	// StorageKey is the snapshot key, relative to the namespace.
	StorageKey = "offline_queue"

	DefaultMaxRetries    = 3
	DefaultSweepInterval = 60 * time.Second
	// NextItemDelay separates consecutive items.
	NextItemDelay = time.Second
)

// Item is one queued action.
type Item struct {
	ID        string          `json:"id"`
	Action    ActionKind      `json:"action"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"timestamp"` // unix ms
	Retries   int             `json:"retries"`
	Origin    Origin          `json:"origin,omitempty"`
}

// DeadLetters records items dropped after exhausting their retries.
type DeadLetters interface {
	RecordDropped(ctx context.Context, item Item, cause error) error
}

// Options configures a Queue.
type Options struct {
	// Namespace prefixes StorageKey in the store.
	Namespace     string
	MaxRetries    int
	Backoff       retry.Backoff
	SweepInterval time.Duration
	// StartOffline makes the queue hold items until SetOnline(true).
	StartOffline bool

	Clock       clock.Clock
	Sink        notify.Sink
	Metrics     *metrics.Metrics
	DeadLetters DeadLetters
}

// Queue is the durable action queue.
type Queue struct {
	exec    Executor
	store   kvstore.Store
	key     string
	opts    Options
	clock   clock.Clock
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// persistMu orders snapshot writes. Taken before mu, never while
	// holding it.
	persistMu sync.Mutex

	mu       sync.Mutex
	items    []Item
	online   bool
	inFlight bool
	timer    clock.Timer // pending drain
	timerGen uint64
	sweep    clock.Timer
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a queue. Call Load to restore a previous snapshot and Start
// to begin the periodic sweep.
func New(exec Executor, store kvstore.Store, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = retry.QueueBackoff()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = notify.NewLogSink(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:    exec,
		store:   store,
		key:     opts.Namespace + StorageKey,
		opts:    opts,
		clock:   opts.Clock,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "outbox").Logger(),
		online:  !opts.StartOffline,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load replaces the in-memory queue with the persisted snapshot. A missing
// snapshot yields an empty queue; an unreadable one is logged and discarded.
func (q *Queue) Load(ctx context.Context) error {
	b, err := q.store.Get(ctx, q.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to load offline queue")
		return fmt.Errorf("%w: load queue: %w", serrors.ErrStorage, err)
	}

	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		q.logger.Error().Err(err).Msg("Corrupt offline queue snapshot, starting empty")
		items = nil
	}

	q.mu.Lock()
	q.items = items
	n := len(items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(n)
	q.logger.Info().Int("items", n).Msg("Offline queue loaded")
	return nil
}

// Start arms the periodic sweep and, if online, drains what Load restored.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.sweep = q.clock.AfterFunc(q.opts.SweepInterval, q.sweepFired)
	if q.online {
		q.scheduleLocked(0)
	}
	q.mu.Unlock()
}

// Stop cancels timers and any in-flight execution.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.sweep != nil {
		q.sweep.Stop()
		q.sweep = nil
	}
	q.cancel()
}

// Enqueue appends an action and persists the queue. When online a drain is
// scheduled. data may be a json.RawMessage or any JSON-encodable payload.
func (q *Queue) Enqueue(ctx context.Context, kind ActionKind, data any, origin Origin) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %s", serrors.ErrUnknownAction, kind)
	}
	raw, err := toRaw(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", serrors.ErrMalformed, err)
	}
	if err := ValidatePayload(kind, raw); err != nil {
		return "", err
	}
	if origin == "" {
		origin = OriginSystem
	}

	item := Item{
		ID:        uuid.New().String(),
		Action:    kind,
		Data:      raw,
		CreatedAt: q.clock.Now().UnixMilli(),
		Origin:    origin,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	if q.online {
		q.scheduleLocked(0)
	}
	q.mu.Unlock()

	q.persist(ctx)
	q.metrics.RecordQueueAction(string(kind), "enqueued")
	q.logger.Debug().Str("id", item.ID).Str("action", string(kind)).Str("origin", string(origin)).Msg("Action queued")
	return item.ID, nil
}

func toRaw(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// ProcessQueue attempts the head item now, unless offline, a drain is
// already running, or a retry is pending.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.drain(ctx, false, false)
}

// Execute runs a single item through the Executor without touching the
// queue.
func (q *Queue) Execute(ctx context.Context, item Item) error {
	return dispatch(ctx, q.exec, item)
}

// SetOnline records connectivity. Going online drains immediately; going
// offline pauses draining but keeps the queue.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	changed := q.online != online
	q.online = online
	started := q.started
	if online {
		q.scheduleLocked(0)
	}
	q.mu.Unlock()

	if !changed || !started {
		return
	}
	if online {
		q.logger.Info().Msg("Back online, syncing queued actions")
		q.sink.Notify("Back online - syncing changes", notify.Success)
	} else {
		q.logger.Info().Msg("Offline, pausing queue")
		q.sink.Notify("You are offline - changes will be synced when back online", notify.Warning)
	}
}

// Online reports the current connectivity flag.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Pending returns the number of queued items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Clear empties the queue and persists the empty snapshot.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.persist(ctx)
}

// caller must hold q.mu
func (q *Queue) snapshotLocked() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// scheduleLocked arms the single drain timer. It is a no-op while a drain
// runs or another drain is already pending.
// caller must hold q.mu
func (q *Queue) scheduleLocked(d time.Duration) {
	if q.stopped || q.inFlight || q.timer != nil || len(q.items) == 0 {
		return
	}
	q.timerGen++
	gen := q.timerGen
	q.timer = q.clock.AfterFunc(d, func() { q.fire(gen) })
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen || q.timer == nil {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	ctx := q.ctx
	q.mu.Unlock()

	q.drain(ctx, false, true)
}

func (q *Queue) sweepFired() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.sweep = q.clock.AfterFunc(q.opts.SweepInterval, q.sweepFired)
	ctx := q.ctx
	q.mu.Unlock()

	q.drain(ctx, true, false)
}

// drain executes the head item once. force ignores the online flag;
// fromTimer skips the pending-timer check because the caller is that timer.
func (q *Queue) drain(ctx context.Context, force, fromTimer bool) {
	q.mu.Lock()
	if q.stopped || q.inFlight || len(q.items) == 0 ||
		(!force && !q.online) || (!fromTimer && q.timer != nil) {
		q.mu.Unlock()
		return
	}
	q.inFlight = true
	head := q.items[0]
	q.mu.Unlock()

	err := dispatch(ctx, q.exec, head)

	q.mu.Lock()
	q.inFlight = false
	if len(q.items) == 0 || q.items[0].ID != head.ID {
		// Cleared while executing.
		q.scheduleLocked(NextItemDelay)
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.items = q.items[1:]
		q.scheduleLocked(NextItemDelay)
		q.mu.Unlock()

		q.persist(ctx)
		q.metrics.RecordQueueAction(string(head.Action), "executed")
		q.logger.Info().Str("id", head.ID).Str("action", string(head.Action)).Msg("Queued action executed")
		return
	}

	q.items[0].Retries++
	if serrors.IsPermanent(err) && q.items[0].Retries < q.opts.MaxRetries {
		q.items[0].Retries = q.opts.MaxRetries
	}
	failed := q.items[0]

	if failed.Retries >= q.opts.MaxRetries {
		q.items = q.items[1:]
		q.scheduleLocked(NextItemDelay)
		q.mu.Unlock()

		q.persist(ctx)
		q.dropped(ctx, failed, err)
		return
	}

	delay := q.opts.Backoff.Delay(failed.Retries)
	if q.online {
		q.scheduleLocked(delay)
	}
	q.mu.Unlock()

	q.persist(ctx)
	q.metrics.RecordQueueAction(string(failed.Action), "failed")
	q.logger.Warn().
		Err(err).
		Str("id", failed.ID).
		Str("action", string(failed.Action)).
		Int("retries", failed.Retries).
		Dur("retry_in", delay).
		Msg("Queued action failed")
}

func (q *Queue) dropped(ctx context.Context, item Item, cause error) {
	q.metrics.RecordQueueAction(string(item.Action), "dropped")
	q.logger.Warn().
		Err(cause).
		Str("id", item.ID).
		Str("action", string(item.Action)).
		Int("retries", item.Retries).
		Msg("Action failed after retries, removed from queue")

	if q.opts.DeadLetters != nil {
		if err := q.opts.DeadLetters.RecordDropped(ctx, item, cause); err != nil {
			q.logger.Error().Err(err).Str("id", item.ID).Msg("Failed to record dead letter")
		}
	}

	if item.Origin == OriginUser {
		q.sink.Notify(
			fmt.Sprintf("Action %s failed after %d attempts: %v", item.Action, item.Retries, cause),
			notify.Error,
		)
	}
}

// persist writes the current queue. The snapshot is taken under persistMu
// so a later write always carries state at least as new as an earlier one.
// Failures are logged; the in-memory queue keeps draining.
// caller must not hold q.mu
func (q *Queue) persist(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	items := q.snapshotLocked()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(len(items))

	b, err := json.Marshal(items)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to encode offline queue")
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := q.store.Set(ctx, q.key, b); err != nil {
		q.metrics.RecordError("outbox", "persist")
		q.logger.Error().Err(err).Msg("Failed to save offline queue")
	}
}
