package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"

	"github.com/tbourn/go-reminder-worker/internal/clock"
	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

// ---- helpers ----

var errBoom = errors.New("boom")

type memStore struct {
	mu      sync.Mutex
	recs    map[string]domain.ScheduledNotification
	failPut bool
	failGet bool
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]domain.ScheduledNotification{}}
}

func (m *memStore) Put(_ context.Context, r domain.ScheduledNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errBoom
	}
	m.recs[r.ID] = r
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.ScheduledNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errBoom
	}
	r, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memStore) List(_ context.Context) ([]domain.ScheduledNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ScheduledNotification, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recs[id]
	return ok
}

type recorder struct {
	shown []domain.ScheduledNotification
	err   error
	hook  func(domain.ScheduledNotification)
}

func (r *recorder) Deliver(_ context.Context, rec domain.ScheduledNotification) error {
	if r.err != nil {
		return r.err
	}
	if r.hook != nil {
		r.hook(rec)
	}
	r.shown = append(r.shown, rec)
	return nil
}

var epoch = time.UnixMilli(1_700_000_000_000)

func setup(opts Options) (*Scheduler, *memStore, *recorder, *clock.Fake) {
	fc := clock.NewFake(epoch)
	opts.Clock = fc
	st := newMemStore()
	rec := &recorder{}
	return New(st, rec, opts), st, rec, fc
}

func reminder(id, source string, at time.Time) domain.ScheduledNotification {
	return domain.ScheduledNotification{
		ID:            id,
		SourceID:      source,
		FireAtEpochMs: at.UnixMilli(),
		Title:         "Read",
		Body:          "Time to read",
		Tag:           source,
	}
}

// ---- tests ----

func TestSchedule_FiresOnceAndDeletes(t *testing.T) {
	s, st, rec, fc := setup(Options{})
	before := testutil.ToFloat64(delivered)

	if out := s.Schedule(context.Background(), reminder("h1-20:00", "h1", epoch.Add(5*time.Second))); out != Armed {
		t.Fatalf("outcome = %s; want armed", out)
	}
	if !st.has("h1-20:00") {
		t.Fatalf("record must be persisted before Schedule returns")
	}

	fc.Advance(4999 * time.Millisecond)
	if len(rec.shown) != 0 {
		t.Fatalf("fired early")
	}
	fc.Advance(time.Millisecond)

	if len(rec.shown) != 1 || rec.shown[0].Title != "Read" {
		t.Fatalf("want exactly one Read notification, got %+v", rec.shown)
	}
	if st.has("h1-20:00") {
		t.Fatalf("record should be deleted after display")
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("no timers should remain armed")
	}
	if got := testutil.ToFloat64(delivered) - before; got != 1 {
		t.Fatalf("delivered counter delta = %v; want 1", got)
	}

	fc.Advance(time.Hour)
	if len(rec.shown) != 1 {
		t.Fatalf("displayed twice")
	}
}

func TestSchedule_PastTimeIsExpiredAndNotPersisted(t *testing.T) {
	s, st, _, fc := setup(Options{})
	for _, at := range []time.Time{epoch, epoch.Add(-time.Second)} {
		if out := s.Schedule(context.Background(), reminder("x", "h", at)); out != Expired {
			t.Fatalf("outcome = %s; want expired", out)
		}
	}
	if st.has("x") || fc.Active() != 0 {
		t.Fatalf("expired schedule must not persist or arm")
	}
}

func TestSchedule_StoreFailureDropsWithoutArming(t *testing.T) {
	s, st, _, fc := setup(Options{})
	st.failPut = true

	if out := s.Schedule(context.Background(), reminder("x", "h", epoch.Add(time.Minute))); out != Dropped {
		t.Fatalf("outcome = %s; want dropped", out)
	}
	if fc.Active() != 0 || len(s.Pending()) != 0 {
		t.Fatalf("nothing may be armed when persistence failed")
	}
}

func TestSchedule_RescheduleSameIDSupersedes(t *testing.T) {
	s, st, rec, fc := setup(Options{})
	ctx := context.Background()

	s.Schedule(ctx, reminder("h1", "h1", epoch.Add(5*time.Second)))
	later := reminder("h1", "h1", epoch.Add(time.Hour+5*time.Second))
	s.Schedule(ctx, later)

	if n := len(st.recs); n != 1 {
		t.Fatalf("store holds %d records; want 1", n)
	}
	if got, _ := st.Get(ctx, "h1"); got.FireAtEpochMs != later.FireAtEpochMs {
		t.Fatalf("store kept the old fire time")
	}
	if fc.Active() != 1 {
		t.Fatalf("old timer should be stopped, active=%d", fc.Active())
	}

	fc.Advance(10 * time.Second)
	if len(rec.shown) != 0 {
		t.Fatalf("superseded timer fired")
	}
	fc.Advance(time.Hour)
	if len(rec.shown) != 1 {
		t.Fatalf("want one display after the new time, got %d", len(rec.shown))
	}
}

func TestFire_RechecksStore(t *testing.T) {
	t.Run("deleted record is not shown", func(t *testing.T) {
		s, st, rec, fc := setup(Options{})
		s.Schedule(context.Background(), reminder("a", "h", epoch.Add(time.Second)))
		_ = st.Delete(context.Background(), "a")

		fc.Advance(2 * time.Second)
		if len(rec.shown) != 0 || len(s.Pending()) != 0 {
			t.Fatalf("cancelled record fired: %+v", rec.shown)
		}
	})

	t.Run("record moved later in the store is re-armed", func(t *testing.T) {
		s, st, rec, fc := setup(Options{})
		s.Schedule(context.Background(), reminder("a", "h", epoch.Add(time.Second)))
		_ = st.Put(context.Background(), reminder("a", "h", epoch.Add(time.Minute)))

		fc.Advance(2 * time.Second)
		if len(rec.shown) != 0 {
			t.Fatalf("fired at the stale time")
		}
		fc.Advance(time.Minute)
		if len(rec.shown) != 1 {
			t.Fatalf("want one display at the stored time, got %d", len(rec.shown))
		}
	})

	t.Run("unreadable store delivers the armed copy", func(t *testing.T) {
		s, st, rec, fc := setup(Options{})
		s.Schedule(context.Background(), reminder("a", "h", epoch.Add(time.Second)))
		st.failGet = true

		fc.Advance(time.Second)
		if len(rec.shown) != 1 || rec.shown[0].ID != "a" {
			t.Fatalf("want armed copy delivered, got %+v", rec.shown)
		}
	})
}

func TestFire_RenderFailureKeepsRecord(t *testing.T) {
	s, st, rec, fc := setup(Options{})
	rec.err = errors.New("permission denied")
	before := testutil.ToFloat64(renderFailures)

	s.Schedule(context.Background(), reminder("a", "h", epoch.Add(time.Second)))
	fc.Advance(time.Second)

	if !st.has("a") {
		t.Fatalf("record must stay in the store when rendering fails")
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("failed timer must not stay armed")
	}
	if got := testutil.ToFloat64(renderFailures) - before; got != 1 {
		t.Fatalf("render failure counter delta = %v; want 1", got)
	}
}

func TestSchedule_LongDelayIsChained(t *testing.T) {
	s, st, rec, fc := setup(Options{MaxTimerDelay: time.Hour})
	s.Schedule(context.Background(), reminder("far", "h", epoch.Add(3*time.Hour+time.Minute)))

	fc.Advance(time.Hour)
	if len(rec.shown) != 0 {
		t.Fatalf("capped timer must re-arm, not deliver")
	}
	if fc.Active() != 1 {
		t.Fatalf("expected the chained timer to be active, got %d", fc.Active())
	}

	fc.Advance(2 * time.Hour)
	if len(rec.shown) != 0 {
		t.Fatalf("still early")
	}
	fc.Advance(time.Minute)
	if len(rec.shown) != 1 || st.has("far") {
		t.Fatalf("chained timer did not deliver exactly once")
	}
}

func TestNew_ClampsMaxTimerDelay(t *testing.T) {
	s := New(newMemStore(), &recorder{}, Options{MaxTimerDelay: 100 * 24 * time.Hour})
	if s.maxWait != MaxTimerDelay {
		t.Fatalf("maxWait = %v; want %v", s.maxWait, MaxTimerDelay)
	}
	if s.timeout != defaultFireTimeout {
		t.Fatalf("timeout = %v; want default", s.timeout)
	}
}

func TestCancel_And_CancelSource(t *testing.T) {
	s, st, rec, fc := setup(Options{})
	ctx := context.Background()

	s.Schedule(ctx, reminder("h1-1", "h1", epoch.Add(time.Minute)))
	s.Schedule(ctx, reminder("h1-2", "h1", epoch.Add(2*time.Minute)))
	s.Schedule(ctx, reminder("h2-1", "h2", epoch.Add(3*time.Minute)))
	// Persisted but not armed, as after a restart before recovery.
	_ = st.Put(ctx, reminder("h1-3", "h1", epoch.Add(4*time.Minute)))

	n, err := s.CancelSource(ctx, "h1")
	if err != nil {
		t.Fatalf("CancelSource: %v", err)
	}
	if n != 3 {
		t.Fatalf("removed %d; want 3", n)
	}
	if err := s.Cancel(ctx, "missing"); err != nil {
		t.Fatalf("cancel of absent id should be a no-op, got %v", err)
	}

	fc.Advance(10 * time.Minute)
	if len(rec.shown) != 1 || rec.shown[0].ID != "h2-1" {
		t.Fatalf("only h2-1 should fire, got %+v", rec.shown)
	}

	s.Schedule(ctx, reminder("z", "h3", epoch.Add(time.Hour)))
	if err := s.Cancel(ctx, "z"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st.has("z") || fc.Active() != 0 {
		t.Fatalf("Cancel must delete and disarm")
	}
}

func TestPending_SortedByFireTime(t *testing.T) {
	s, _, _, _ := setup(Options{})
	ctx := context.Background()
	s.Schedule(ctx, reminder("b", "h", epoch.Add(2*time.Minute)))
	s.Schedule(ctx, reminder("a", "h", epoch.Add(time.Minute)))
	s.Schedule(ctx, reminder("c", "h", epoch.Add(2*time.Minute)))

	var ids []string
	for _, r := range s.Pending() {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Fatalf("Pending order = %v", ids)
	}
}

func TestStop_DisarmsAndDefers(t *testing.T) {
	s, st, rec, fc := setup(Options{})
	ctx := context.Background()
	s.Schedule(ctx, reminder("a", "h", epoch.Add(time.Second)))

	s.Stop()
	fc.Advance(time.Minute)
	if len(rec.shown) != 0 {
		t.Fatalf("stopped scheduler delivered")
	}
	if !st.has("a") {
		t.Fatalf("Stop must keep persisted records")
	}
	if out := s.Schedule(ctx, reminder("b", "h", epoch.Add(time.Hour))); out != Deferred {
		t.Fatalf("outcome after Stop = %s; want deferred", out)
	}
	if !st.has("b") || fc.Active() != 0 {
		t.Fatalf("deferred schedule should persist without arming")
	}
}

// A reminder instance is shown at most once, and only the latest version of
// an id is ever shown, whatever the interleaving of schedules and time.
func TestProperty_AtMostOneDisplay(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, st, rec, fc := setup(Options{MaxTimerDelay: time.Duration(rapid.IntRange(1, 50).Draw(rt, "cap")) * time.Second})
		ctx := context.Background()
		latest := map[string]int64{}

		rec.hook = func(r domain.ScheduledNotification) {
			want, ok := latest[r.ID]
			if !ok {
				rt.Fatalf("%s shown but not pending", r.ID)
			}
			if want != r.FireAtEpochMs {
				rt.Fatalf("%s shown with stale fire time %d (latest %d)", r.ID, r.FireAtEpochMs, want)
			}
			delete(latest, r.ID)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "schedule") {
				id := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(rt, "id")
				off := time.Duration(rapid.IntRange(-5, 120).Draw(rt, "offset")) * time.Second
				r := reminder(id, "h", fc.Now().Add(off))
				if s.Schedule(ctx, r) == Armed {
					latest[id] = r.FireAtEpochMs
				}
			} else {
				fc.Advance(time.Duration(rapid.IntRange(0, 60).Draw(rt, "advance")) * time.Second)
			}
		}
		fc.Advance(10 * time.Minute)

		if len(latest) != 0 {
			rt.Fatalf("pending reminders never shown: %v", latest)
		}
		if len(st.recs) != 0 {
			rt.Fatalf("store not empty after all fires: %v", st.recs)
		}
	})
}
