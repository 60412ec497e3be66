// Package scheduler turns persisted reminders into in-process timers.
//
// The store is the source of truth. Timers are volatile handles keyed by
// reminder id; after a restart the map is empty until recovery re-arms it.
// Every fire re-reads the store before delivering, so a record deleted or
// rescheduled after arming never produces a stale notification.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-worker/internal/clock"
	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

// MaxTimerDelay is the longest single deferral (2^31-1 ms, about 24.8 days).
// Longer delays are served by chaining timers.
const MaxTimerDelay = (1<<31 - 1) * time.Millisecond

const defaultFireTimeout = 30 * time.Second

// Store is the subset of the Durable Store used by the scheduler.
type Store interface {
	Put(ctx context.Context, rec domain.ScheduledNotification) error
	Get(ctx context.Context, id string) (*domain.ScheduledNotification, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.ScheduledNotification, error)
}

// Deliverer shows a due reminder. A non-nil error means nothing was shown.
type Deliverer interface {
	Deliver(ctx context.Context, rec domain.ScheduledNotification) error
}

// Outcome reports what Schedule did with a record.
type Outcome string

const (
	// Armed: persisted and a timer is running.
	Armed Outcome = "armed"
	// Deferred: persisted, but the scheduler is stopped so no timer was armed.
	Deferred Outcome = "deferred"
	// Expired: fire time not in the future; nothing was persisted.
	Expired Outcome = "expired"
	// Dropped: the store rejected the write; nothing was armed.
	Dropped Outcome = "dropped"
)

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Clock         clock.Clock
	MaxTimerDelay time.Duration
	FireTimeout   time.Duration // bounds store access and delivery per fire
}

type handle struct {
	rec   domain.ScheduledNotification
	timer clock.Timer
	gen   uint64
}

// Scheduler arms one timer per pending reminder id.
type Scheduler struct {
	store   Store
	deliver Deliverer
	clock   clock.Clock
	maxWait time.Duration
	timeout time.Duration

	mu      sync.Mutex // serializes schedule, fire and cancel
	armed   map[string]*handle
	seq     uint64
	stopped bool
}

// New builds a Scheduler over st that hands due records to d.
func New(st Store, d Deliverer, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxTimerDelay <= 0 || opts.MaxTimerDelay > MaxTimerDelay {
		opts.MaxTimerDelay = MaxTimerDelay
	}
	if opts.FireTimeout <= 0 {
		opts.FireTimeout = defaultFireTimeout
	}
	return &Scheduler{
		store:   st,
		deliver: d,
		clock:   opts.Clock,
		maxWait: opts.MaxTimerDelay,
		timeout: opts.FireTimeout,
		armed:   make(map[string]*handle),
	}
}

// Now returns the scheduler's wall-clock time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule persists rec and arms a timer for it. The write completes before
// the timer exists, so a crash right after Schedule returns leaves a record
// recovery can re-arm. Re-scheduling an id replaces the previous record and
// timer. Schedule never fails the caller; storage errors yield Dropped.
func (s *Scheduler) Schedule(ctx context.Context, rec domain.ScheduledNotification) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.scheduleLocked(ctx, rec)
	scheduled.WithLabelValues(string(out)).Inc()
	return out
}

func (s *Scheduler) scheduleLocked(ctx context.Context, rec domain.ScheduledNotification) Outcome {
	if rec.DueIn(s.clock.Now()) <= 0 {
		log.Debug().Str("id", rec.ID).Int64("fire_at", rec.FireAtEpochMs).Msg("reminder already due, not scheduled")
		return Expired
	}
	if err := s.store.Put(ctx, rec); err != nil {
		log.Error().Err(err).Str("id", rec.ID).Msg("persist reminder")
		return Dropped
	}
	s.disarmLocked(rec.ID)
	if s.stopped {
		return Deferred
	}
	s.armLocked(rec)
	return Armed
}

func (s *Scheduler) armLocked(rec domain.ScheduledNotification) {
	s.seq++
	h := &handle{rec: rec, gen: s.seq}
	s.armed[rec.ID] = h
	h.timer = s.clock.AfterFunc(s.wait(rec), s.fireFunc(rec.ID, h.gen))
	armedGauge.Set(float64(len(s.armed)))
}

func (s *Scheduler) disarmLocked(id string) *handle {
	h, ok := s.armed[id]
	if !ok {
		return nil
	}
	h.timer.Stop()
	delete(s.armed, id)
	armedGauge.Set(float64(len(s.armed)))
	return h
}

func (s *Scheduler) wait(rec domain.ScheduledNotification) time.Duration {
	d := rec.DueIn(s.clock.Now())
	if d > s.maxWait {
		return s.maxWait
	}
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) fireFunc(id string, gen uint64) func() {
	return func() { s.fire(id, gen) }
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.armed[id]
	if !ok || h.gen != gen || s.stopped {
		return
	}
	// Chained timer: the cap elapsed but the fire time has not.
	if h.rec.DueIn(s.clock.Now()) > 0 {
		h.timer = s.clock.AfterFunc(s.wait(h.rec), s.fireFunc(id, gen))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rec, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.disarmLocked(id)
		log.Debug().Str("id", id).Msg("reminder cancelled before firing")
		return
	case err != nil:
		log.Warn().Err(err).Str("id", id).Msg("re-check reminder, delivering armed copy")
		rec = &h.rec
	}
	if rec.DueIn(s.clock.Now()) > 0 {
		s.disarmLocked(id)
		s.armLocked(*rec)
		return
	}
	s.disarmLocked(id)

	if err := s.deliver.Deliver(ctx, *rec); err != nil {
		// Record stays; the next recovery pass expires or re-arms it.
		renderFailures.Inc()
		log.Warn().Err(err).Str("id", id).Msg("deliver reminder")
		return
	}
	delivered.Inc()
	if err := s.store.Delete(ctx, id); err != nil {
		log.Error().Err(err).Str("id", id).Msg("delete delivered reminder")
	}
}

// Cancel removes a reminder from the store and disarms its timer. Absent ids
// are not an error.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(id)
	return s.store.Delete(ctx, id)
}

// CancelSource removes every pending reminder of a habit or task and returns
// how many records were deleted. Armed timers for the source are disarmed
// even when the store cannot be listed.
func (s *Scheduler) CancelSource(ctx context.Context, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.armed {
		if h.rec.Source() == sourceID {
			s.disarmLocked(id)
		}
	}

	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, r := range recs {
		if r.Source() != sourceID {
			continue
		}
		if err := s.store.Delete(ctx, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Pending returns the armed reminders ordered by fire time.
func (s *Scheduler) Pending() []domain.ScheduledNotification {
	s.mu.Lock()
	out := make([]domain.ScheduledNotification, 0, len(s.armed))
	for _, h := range s.armed {
		out = append(out, h.rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAtEpochMs != out[j].FireAtEpochMs {
			return out[i].FireAtEpochMs < out[j].FireAtEpochMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop disarms every timer. Persisted records are kept for the next
// activation, and later Schedule calls persist without arming.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id := range s.armed {
		s.disarmLocked(id)
	}
}
