package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// queueCapacity bounds the pending event queue. The scanner cannot produce
// more than a handful of events per interval, so the cap is a safety net
// rather than backpressure; overflow drops the oldest event.
const queueCapacity = 5

// DefaultDispatchInterval is the periodic fallback cadence of the dispatch
// worker.
const DefaultDispatchInterval = 5 * time.Minute

// ConversationSyncer is the slice of the remote-API client the dispatcher
// drives.
type ConversationSyncer interface {
	SyncBulk(ctx context.Context) error
	SyncTargeted(ctx context.Context, ids []string) error
	SyncIncremental(ctx context.Context, cutoff time.Time) error
}

// Dispatcher consumes activity events and turns them into provider syncs:
// bulk on the first pass, targeted when events name conversations,
// incremental otherwise.
type Dispatcher struct {
	notifier *Notifier
	syncer   ConversationSyncer
	interval time.Duration

	mu    sync.Mutex
	queue []ActivityEvent
	wake  chan struct{}

	firstPassDone bool
}

// NewDispatcher creates a dispatch worker fed by notifier.
func NewDispatcher(notifier *Notifier, syncer ConversationSyncer, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	return &Dispatcher{
		notifier: notifier,
		syncer:   syncer,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the bounded queue, dropping the oldest entry on
// overflow. It never blocks the producer.
func (d *Dispatcher) Enqueue(ev ActivityEvent) {
	d.mu.Lock()
	if len(d.queue) >= queueCapacity {
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run subscribes to the notifier and processes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	const subID = "dispatch"
	d.notifier.Subscribe(subID, d.Enqueue)
	defer d.notifier.Unsubscribe(subID)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// pass drains the queue and runs the appropriate sync mode. All sync errors
// are non-fatal; the next pass retries implicitly.
func (d *Dispatcher) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ids := d.drain()

	var err error
	switch {
	case !d.firstPassDone:
		// The first pass after process start always covers everything.
		d.firstPassDone = true
		err = d.syncer.SyncBulk(ctx)
	case len(ids) > 0:
		err = d.syncer.SyncTargeted(ctx, ids)
	default:
		err = d.syncer.SyncIncremental(ctx, time.Time{})
	}
	if err != nil && ctx.Err() == nil {
		slog.Warn("conversation sync pass failed", "error", err)
	}
}

// drain empties the queue and merges the queued UUID lists into one
// deduplicated, case-folded set.
func (d *Dispatcher) drain() []string {
	d.mu.Lock()
	events := d.queue
	d.queue = nil
	d.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, ev := range events {
		for _, id := range ev.ConversationIDs {
			folded := strings.ToLower(id)
			if _, dup := seen[folded]; dup {
				continue
			}
			seen[folded] = struct{}{}
			out = append(out, folded)
		}
	}
	return out
}

// QueueLen reports the current queue depth. Used by tests and the status
// endpoint.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// QueueSnapshot returns a copy of the queued events, oldest first.
func (d *Dispatcher) QueueSnapshot() []ActivityEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActivityEvent, len(d.queue))
	copy(out, d.queue)
	return out
}
