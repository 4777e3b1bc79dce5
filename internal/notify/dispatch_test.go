package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSyncer struct {
	mu          sync.Mutex
	bulk        int
	targeted    [][]string
	incremental int
}

func (f *fakeSyncer) SyncBulk(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulk++
	return nil
}

func (f *fakeSyncer) SyncTargeted(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targeted = append(f.targeted, ids)
	return nil
}

func (f *fakeSyncer) SyncIncremental(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremental++
	return nil
}

func TestEnqueue_DropsOldestOnOverflow(t *testing.T) {
	d := NewDispatcher(New(), &fakeSyncer{}, time.Minute)

	for i := 0; i < queueCapacity+2; i++ {
		d.Enqueue(ActivityEvent{
			Timestamp:       time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
			ConversationIDs: []string{string(rune('a' + i))},
		})
	}

	if got := d.QueueLen(); got != queueCapacity {
		t.Fatalf("queue len = %d, want %d", got, queueCapacity)
	}
	snap := d.QueueSnapshot()
	if snap[0].ConversationIDs[0] != "c" {
		t.Errorf("oldest surviving event = %q, want c (a and b dropped)", snap[0].ConversationIDs[0])
	}
	if snap[len(snap)-1].ConversationIDs[0] != "g" {
		t.Errorf("newest event = %q, want g", snap[len(snap)-1].ConversationIDs[0])
	}
}

func TestPass_FirstPassIsAlwaysBulk(t *testing.T) {
	fs := &fakeSyncer{}
	d := NewDispatcher(New(), fs, time.Minute)

	// Even with targeted ids queued, process start syncs everything once.
	d.Enqueue(ActivityEvent{ConversationIDs: []string{"abc"}})
	d.pass(context.Background())

	if fs.bulk != 1 {
		t.Fatalf("bulk = %d, want 1", fs.bulk)
	}
	if len(fs.targeted) != 0 {
		t.Errorf("targeted on first pass: %v", fs.targeted)
	}
}

func TestPass_TargetedWithDedupedFoldedIDs(t *testing.T) {
	fs := &fakeSyncer{}
	d := NewDispatcher(New(), fs, time.Minute)
	d.pass(context.Background()) // consume the bulk pass

	d.Enqueue(ActivityEvent{ConversationIDs: []string{"ABC-123", "def-456"}})
	d.Enqueue(ActivityEvent{ConversationIDs: []string{"abc-123"}})
	d.pass(context.Background())

	if len(fs.targeted) != 1 {
		t.Fatalf("targeted passes = %d, want 1", len(fs.targeted))
	}
	ids := fs.targeted[0]
	if len(ids) != 2 || ids[0] != "abc-123" || ids[1] != "def-456" {
		t.Errorf("targeted ids = %v, want [abc-123 def-456]", ids)
	}
	if d.QueueLen() != 0 {
		t.Errorf("queue not drained: %d", d.QueueLen())
	}
}

func TestPass_EmptyQueueFallsBackToIncremental(t *testing.T) {
	fs := &fakeSyncer{}
	d := NewDispatcher(New(), fs, time.Minute)
	d.pass(context.Background()) // bulk
	d.pass(context.Background()) // nothing queued

	if fs.incremental != 1 {
		t.Errorf("incremental = %d, want 1", fs.incremental)
	}
}

func TestRun_WakesOnEnqueue(t *testing.T) {
	fs := &fakeSyncer{}
	n := New()
	d := NewDispatcher(n, fs, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Publishing through the notifier reaches the dispatcher's subscription
	// and wakes the loop without waiting out the ticker.
	deadline := time.After(2 * time.Second)
	for {
		n.Publish(ActivityEvent{ConversationIDs: []string{"live-1"}})
		fs.mu.Lock()
		hit := len(fs.targeted) > 0
		fs.mu.Unlock()
		if hit {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never processed the published event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
