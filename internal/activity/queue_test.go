package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int // fail this many insert attempts before succeeding
	attempts int
	inserted []Event
}

func (f *fakeSink) InsertActivity(_ context.Context, event Event) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return Record{}, errors.New("insert failed")
	}
	f.inserted = append(f.inserted, event)
	return Record{
		ID:        fmt.Sprintf("act_%d", len(f.inserted)),
		EntityID:  event.EntityID,
		Action:    event.Action,
		BoardID:   event.BoardID,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeSink) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeSink) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeSink) insertedEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.inserted))
	copy(out, f.inserted)
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	rooms    []string
	payloads []BroadcastPayload
}

func (f *fakePublisher) Publish(_ context.Context, room, name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room)
	f.payloads = append(f.payloads, payload.(BroadcastPayload))
	return nil
}

func (f *fakePublisher) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func highEvent(entityID string) Event {
	return Event{
		EntityType: EntityCard,
		EntityID:   entityID,
		Action:     ActionCreate,
		BoardID:    "board-1",
		Priority:   PriorityHigh,
	}
}

func lowEvent(entityID string, action Action) Event {
	return Event{
		EntityType: EntityCard,
		EntityID:   entityID,
		Action:     action,
		BoardID:    "board-1",
		Priority:   PriorityLow,
	}
}

func TestSubmitHighPersistsBeforeReturning(t *testing.T) {
	sink := &fakeSink{}
	pub := &fakePublisher{}
	s := NewScheduler(SchedulerConfig{}, sink, pub, quietLogger())
	defer s.Stop()

	s.Submit(context.Background(), highEvent("card-1"))

	if sink.insertedCount() != 1 {
		t.Fatalf("HIGH event not persisted synchronously: %d inserts", sink.insertedCount())
	}
	if pub.publishCount() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", pub.publishCount())
	}
	pub.mu.Lock()
	room, payload := pub.rooms[0], pub.payloads[0]
	pub.mu.Unlock()
	if room != "board:board-1" {
		t.Fatalf("unexpected room %q", room)
	}
	if payload.BoardID != "board-1" || payload.Activity.ID == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSubmitHighRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	pub := &fakePublisher{}
	s := NewScheduler(SchedulerConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, sink, pub, quietLogger())
	defer s.Stop()

	s.Submit(context.Background(), highEvent("card-1"))

	if sink.attemptCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.attemptCount())
	}
	if sink.insertedCount() != 1 || pub.publishCount() != 1 {
		t.Fatalf("expected persist and broadcast after retries")
	}
}

func TestSubmitHighDropsAfterExhaustingRetries(t *testing.T) {
	sink := &fakeSink{failures: 100}
	pub := &fakePublisher{}
	s := NewScheduler(SchedulerConfig{MaxRetries: 2, RetryDelay: time.Millisecond}, sink, pub, quietLogger())
	defer s.Stop()

	s.Submit(context.Background(), highEvent("card-1"))

	// MaxRetries retries on top of the initial attempt.
	if sink.attemptCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.attemptCount())
	}
	if pub.publishCount() != 0 {
		t.Fatalf("dropped event must not be broadcast")
	}
}

func TestSubmitLowIsBatchedOnTimer(t *testing.T) {
	sink := &fakeSink{}
	pub := &fakePublisher{}
	s := NewScheduler(SchedulerConfig{BatchInterval: 20 * time.Millisecond}, sink, pub, quietLogger())
	defer s.Stop()

	s.Submit(context.Background(), lowEvent("card-1", ActionMove))
	s.Submit(context.Background(), lowEvent("card-2", ActionMove))

	if sink.insertedCount() != 0 {
		t.Fatalf("LOW events must not be persisted synchronously")
	}
	if s.QueueLen() != 2 {
		t.Fatalf("expected 2 queued events, got %d", s.QueueLen())
	}

	waitFor(t, "timer flush", func() bool { return sink.insertedCount() == 2 })
	if pub.publishCount() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", pub.publishCount())
	}
}

func TestQueueOverflowFlushesImmediately(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{
		MaxQueueSize:  3,
		BatchInterval: time.Hour,
	}, sink, nil, quietLogger())
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.Submit(context.Background(), lowEvent(fmt.Sprintf("card-%d", i), ActionMove))
	}

	waitFor(t, "overflow flush", func() bool { return sink.insertedCount() == 3 })
}

func TestReorderRateLimitPerEntity(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{
		BatchInterval:   time.Hour,
		RateLimitWindow: time.Minute,
		RateLimitMax:    10,
	}, sink, nil, quietLogger())

	for i := 0; i < 20; i++ {
		s.Submit(context.Background(), lowEvent("card-1", ActionReorder))
	}
	if got := s.QueueLen(); got != 10 {
		t.Fatalf("expected 10 queued reorders, got %d", got)
	}

	// Other entities keep their own window, and MOVE is never limited.
	s.Submit(context.Background(), lowEvent("card-2", ActionReorder))
	for i := 0; i < 15; i++ {
		s.Submit(context.Background(), lowEvent("card-1", ActionMove))
	}
	if got := s.QueueLen(); got != 26 {
		t.Fatalf("expected 26 queued events, got %d", got)
	}

	s.Stop()
	if sink.insertedCount() != 26 {
		t.Fatalf("expected 26 persisted events, got %d", sink.insertedCount())
	}
}

func TestReorderRateLimitWindowSlides(t *testing.T) {
	now := time.Now()
	s := NewScheduler(SchedulerConfig{
		BatchInterval:   time.Hour,
		RateLimitWindow: time.Second,
		RateLimitMax:    2,
	}, &fakeSink{}, nil, quietLogger())
	s.clock = func() time.Time { return now }

	s.Submit(context.Background(), lowEvent("card-1", ActionReorder))
	s.Submit(context.Background(), lowEvent("card-1", ActionReorder))
	s.Submit(context.Background(), lowEvent("card-1", ActionReorder))
	if got := s.QueueLen(); got != 2 {
		t.Fatalf("expected 2 queued reorders, got %d", got)
	}

	now = now.Add(1100 * time.Millisecond)
	s.Submit(context.Background(), lowEvent("card-1", ActionReorder))
	if got := s.QueueLen(); got != 3 {
		t.Fatalf("expected the window to admit again after sliding, got %d queued", got)
	}
}

func TestFlushRequeuesFailuresAtFront(t *testing.T) {
	// Both inserts fail on the first flush pass, then succeed; the retried
	// events must come back in their original relative order.
	sink := &fakeSink{failures: 2}
	s := NewScheduler(SchedulerConfig{
		BatchInterval: time.Hour,
		MaxRetries:    3,
	}, sink, nil, quietLogger())

	s.Submit(context.Background(), lowEvent("card-a", ActionMove))
	s.Submit(context.Background(), lowEvent("card-b", ActionMove))

	s.Flush()
	if got := s.QueueLen(); got != 2 {
		t.Fatalf("expected both events requeued, got %d", got)
	}

	s.Flush()
	events := sink.insertedEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
	if events[0].EntityID != "card-a" || events[1].EntityID != "card-b" {
		t.Fatalf("requeue broke ordering: %q then %q", events[0].EntityID, events[1].EntityID)
	}
}

func TestFlushDropsAfterExhaustingRetries(t *testing.T) {
	sink := &fakeSink{failures: 100}
	s := NewScheduler(SchedulerConfig{
		BatchInterval: time.Hour,
		MaxRetries:    2,
	}, sink, nil, quietLogger())

	s.Submit(context.Background(), lowEvent("card-1", ActionMove))
	for i := 0; i < 5; i++ {
		s.Flush()
	}

	if got := s.QueueLen(); got != 0 {
		t.Fatalf("exhausted event must be dropped, %d still queued", got)
	}
	// One attempt per flush cycle until retryCount exceeds MaxRetries.
	if got := sink.attemptCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFlushRespectsBatchSize(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{
		BatchSize:     2,
		BatchInterval: time.Hour,
	}, sink, nil, quietLogger())

	for i := 0; i < 5; i++ {
		s.Submit(context.Background(), lowEvent(fmt.Sprintf("card-%d", i), ActionMove))
	}

	s.Flush()
	if sink.insertedCount() != 2 || s.QueueLen() != 3 {
		t.Fatalf("expected batch of 2, got %d persisted and %d queued", sink.insertedCount(), s.QueueLen())
	}
}

func TestStopDrainsQueue(t *testing.T) {
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{
		BatchSize:     2,
		BatchInterval: time.Hour,
	}, sink, nil, quietLogger())

	for i := 0; i < 7; i++ {
		s.Submit(context.Background(), lowEvent(fmt.Sprintf("card-%d", i), ActionMove))
	}

	s.Stop()
	if sink.insertedCount() != 7 {
		t.Fatalf("expected Stop to drain 7 events, got %d", sink.insertedCount())
	}

	s.Submit(context.Background(), lowEvent("late", ActionMove))
	if s.QueueLen() != 0 {
		t.Fatalf("events submitted after Stop must be dropped")
	}
}
