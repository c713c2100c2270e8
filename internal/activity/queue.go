package activity

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sink persists activity events and returns the stored record with id,
// timestamp and resolved user.
type Sink interface {
	InsertActivity(ctx context.Context, event Event) (Record, error)
}

// Publisher delivers a payload to everyone in a room, initiator included.
// Delivery is best-effort; the scheduler never acts on publish errors beyond
// logging them.
type Publisher interface {
	Publish(ctx context.Context, room, name string, payload any) error
}

// BroadcastPayload is what subscribers of a board room receive after an
// activity is persisted.
type BroadcastPayload struct {
	BoardID  string `json:"boardId"`
	Activity Record `json:"activity"`
}

const activityEventName = "activity:created"

func boardRoom(boardID string) string {
	return "board:" + boardID
}

type SchedulerConfig struct {
	BatchSize       int
	BatchInterval   time.Duration
	MaxQueueSize    int
	MaxRetries      int
	RetryDelay      time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Second
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 10
	}
	return c
}

type queuedEvent struct {
	event      Event
	enqueuedAt time.Time
	retryCount int
}

// Scheduler records classified events. HIGH-priority events are persisted
// synchronously inside Submit; LOW-priority events are queued and flushed in
// batches on a timer, on queue overflow, or at Stop. At most one flush cycle
// runs at a time. A dropped audit entry never fails the mutation that
// produced it.
type Scheduler struct {
	cfg    SchedulerConfig
	sink   Sink
	pub    Publisher
	logger *log.Logger
	clock  func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*queuedEvent
	flushing bool
	timer    *time.Timer
	stopped  bool
	reorders map[string][]time.Time
}

func NewScheduler(cfg SchedulerConfig, sink Sink, pub Publisher, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		sink:     sink,
		pub:      pub,
		logger:   logger,
		clock:    time.Now,
		reorders: make(map[string][]time.Time),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit records one event. For HIGH priority it returns only after the
// persist attempt (with retries) completed; for LOW priority it returns
// immediately after enqueueing, or silently drops the event when the
// per-entity REORDER rate limit is exceeded.
func (s *Scheduler) Submit(ctx context.Context, event Event) {
	if event.Priority == PriorityHigh {
		record, err := s.persistWithRetry(ctx, event)
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"entityType": event.EntityType,
				"entityId":   event.EntityID,
				"action":     event.Action,
			}).Error("dropping activity event after exhausting retries")
			return
		}
		s.broadcast(ctx, record)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.WithFields(log.Fields{
			"entityId": event.EntityID,
			"action":   event.Action,
		}).Warn("scheduler stopped, dropping activity event")
		return
	}
	if event.Action == ActionReorder && !s.allowReorderLocked(event.EntityID) {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, &queuedEvent{event: event, enqueuedAt: s.clock()})
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.stopTimerLocked()
		s.mu.Unlock()
		go s.Flush()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.BatchInterval, s.Flush)
	}
	s.mu.Unlock()
}

// allowReorderLocked implements the sliding window: prune every entity's
// stale timestamps on each check so the map cannot grow without bound, then
// count the submitting entity's remaining entries.
func (s *Scheduler) allowReorderLocked(entityID string) bool {
	now := s.clock()
	cutoff := now.Add(-s.cfg.RateLimitWindow)
	for id, stamps := range s.reorders {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(s.reorders, id)
		} else {
			s.reorders[id] = kept
		}
	}
	stamps := s.reorders[entityID]
	if len(stamps) >= s.cfg.RateLimitMax {
		return false
	}
	s.reorders[entityID] = append(stamps, now)
	return true
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Flush takes one batch off the queue and persists it. When a flush is
// already running the call is a no-op join. Items that fail with retries
// left go back to the front of the queue in their original relative order;
// items out of retries are dropped with an error report.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.stopTimerLocked()
	n := len(s.queue)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]*queuedEvent, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	s.mu.Unlock()

	ctx := context.Background()
	requeue := make([]*queuedEvent, 0)
	for _, item := range batch {
		record, err := s.sink.InsertActivity(ctx, item.event)
		if err == nil {
			s.broadcast(ctx, record)
			continue
		}
		item.retryCount++
		if item.retryCount > s.cfg.MaxRetries {
			s.logger.WithError(err).WithFields(log.Fields{
				"entityType": item.event.EntityType,
				"entityId":   item.event.EntityID,
				"action":     item.event.Action,
				"attempts":   item.retryCount,
			}).Error("dropping activity event after exhausting retries")
			continue
		}
		requeue = append(requeue, item)
	}

	s.mu.Lock()
	if len(requeue) > 0 {
		s.queue = append(requeue, s.queue...)
	}
	s.flushing = false
	if len(s.queue) > 0 && !s.stopped && s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.BatchInterval, s.Flush)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stop drains the queue and releases the timer. Events still failing during
// the drain burn through their remaining retries and are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.stopTimerLocked()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		for s.flushing {
			s.cond.Wait()
		}
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
		s.Flush()
	}
}

// QueueLen reports the number of events waiting for the next flush.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) persistWithRetry(ctx context.Context, event Event) (Record, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff between attempts.
			time.Sleep(time.Duration(attempt) * s.cfg.RetryDelay)
		}
		record, err := s.sink.InsertActivity(ctx, event)
		if err == nil {
			return record, nil
		}
		lastErr = err
	}
	return Record{}, lastErr
}

func (s *Scheduler) broadcast(ctx context.Context, record Record) {
	if s.pub == nil {
		return
	}
	payload := BroadcastPayload{BoardID: record.BoardID, Activity: record}
	if err := s.pub.Publish(ctx, boardRoom(record.BoardID), activityEventName, payload); err != nil {
		s.logger.WithError(err).WithField("boardId", record.BoardID).Warn("activity broadcast failed")
	}
}
