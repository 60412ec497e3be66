package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-worker/internal/domain"
)

// Store is the Durable Store. It owns every persisted ScheduledNotification
// and hides backend selection from callers:
//
//   - Writes go to the primary unless it failed earlier in this activation,
//     in which case they go straight to the fallback. A failing write is
//     retried on the other backend before giving up.
//   - Reads consult every reachable backend. When both hold the same id, the
//     copy from the backend currently receiving writes wins.
//   - Deletes are applied to every reachable backend.
//
// Callers only ever see ErrNotFound or an ErrExhausted *StorageError.
type Store struct {
	primary  Backend
	fallback Backend

	mu          sync.Mutex
	primaryDown bool // sticky until the next Open
}

// New composes a Durable Store from a primary and a fallback backend.
func New(primary, fallback Backend) *Store {
	return &Store{primary: primary, fallback: fallback}
}

// Open prepares both backends. A primary that fails to open is marked
// unavailable for the rest of the activation. When both backends are
// healthy, deletes that missed the primary are replayed and records left in
// the fallback by a degraded activation are moved into the primary. Open
// fails only when neither backend can be opened.
func (s *Store) Open(ctx context.Context) error {
	return s.open(ctx, true)
}

// OpenReadOnly prepares both backends like Open but never moves data
// between them, so inspecting the store cannot race a running worker.
func (s *Store) OpenReadOnly(ctx context.Context) error {
	return s.open(ctx, false)
}

func (s *Store) open(ctx context.Context, drain bool) error {
	perr := s.primary.Open(ctx)
	ferr := s.fallback.Open(ctx)

	s.mu.Lock()
	s.primaryDown = perr != nil
	s.mu.Unlock()

	switch {
	case perr != nil && ferr != nil:
		return exhausted("open", perr, ferr)
	case perr != nil:
		log.Warn().Err(unavailable("open", s.primary.Name(), perr)).
			Str("fallback", s.fallback.Name()).
			Msg("primary store unavailable, using fallback")
		fallbackOps.WithLabelValues("open").Inc()
		return nil
	case ferr != nil:
		log.Warn().Err(unavailable("open", s.fallback.Name(), ferr)).
			Msg("fallback store unavailable")
		return nil
	}

	if drain {
		s.replayTombstones(ctx)
		s.drain(ctx)
	}
	return nil
}

// Close closes both backends.
func (s *Store) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}

// Degraded reports whether the primary backend has been bypassed in this
// activation.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryDown
}

// Put inserts or overwrites rec by id. A successful put revives an id
// whose earlier delete is still pending against the primary.
func (s *Store) Put(ctx context.Context, rec domain.ScheduledNotification) error {
	_, err := attempt(ctx, s, "put", func(b Backend) (struct{}, error) {
		return struct{}{}, b.Put(ctx, rec)
	})
	if err != nil {
		return err
	}
	if ts, ok := s.fallback.(Tombstoner); ok {
		if cerr := ts.ClearTombstones(ctx, rec.ID); cerr != nil {
			log.Warn().Err(cerr).Str("id", rec.ID).Msg("clear tombstone failed")
		}
	}
	return nil
}

// Get returns the record with id from whichever backend holds it.
func (s *Store) Get(ctx context.Context, id string) (*domain.ScheduledNotification, error) {
	var errs []error
	for _, b := range s.order() {
		rec, err := b.Get(ctx, id)
		switch {
		case err == nil:
			if b == s.primary {
				if _, dead := s.buried(ctx)[id]; dead {
					continue
				}
			}
			return rec, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			s.fail("get", b, err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 2 {
		return nil, exhausted("get", errs...)
	}
	return nil, ErrNotFound
}

// Delete removes id from every backend. Deleting a missing id is not an
// error. When only the primary fails, the id is tombstoned in the fallback
// so the primary copy stays hidden and is removed on the next healthy Open.
func (s *Store) Delete(ctx context.Context, id string) error {
	var (
		errs []error
		perr error
	)
	for _, b := range s.order() {
		if err := b.Delete(ctx, id); err != nil {
			s.fail("delete", b, err)
			errs = append(errs, err)
			if b == s.primary {
				perr = err
			}
		}
	}
	if len(errs) == 2 {
		return exhausted("delete", errs...)
	}
	if perr == nil {
		return nil
	}
	ts, ok := s.fallback.(Tombstoner)
	if !ok {
		return exhausted("delete", perr)
	}
	if err := ts.AddTombstone(ctx, id); err != nil {
		return exhausted("delete", perr, err)
	}
	fallbackOps.WithLabelValues("delete").Inc()
	return nil
}

// List returns every persisted record, in no particular order.
func (s *Store) List(ctx context.Context) ([]domain.ScheduledNotification, error) {
	order := s.order()
	dead := s.buried(ctx)
	byID := make(map[string]domain.ScheduledNotification)
	var errs []error
	// Lowest preference first so the preferred backend overwrites.
	for i := len(order) - 1; i >= 0; i-- {
		list, err := order[i].List(ctx)
		if err != nil {
			s.fail("list", order[i], err)
			errs = append(errs, err)
			continue
		}
		for _, r := range list {
			if _, gone := dead[r.ID]; gone && order[i] == s.primary {
				continue
			}
			byID[r.ID] = r
		}
	}
	if len(errs) == 2 {
		return nil, exhausted("list", errs...)
	}
	out := make([]domain.ScheduledNotification, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out, nil
}

// attempt is the backend decision function for writes: it runs fn on the
// preferred backend and, if that fails, on the other one.
func attempt[T any](ctx context.Context, s *Store, op string, fn func(Backend) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	for i, b := range s.order() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(b)
		if err == nil {
			if i > 0 && b == s.fallback {
				fallbackOps.WithLabelValues(op).Inc()
			}
			return v, nil
		}
		s.fail(op, b, err)
		errs = append(errs, err)
	}
	return zero, exhausted(op, errs...)
}

// order returns the backends in preference order.
func (s *Store) order() []Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primaryDown {
		return []Backend{s.fallback, s.primary}
	}
	return []Backend{s.primary, s.fallback}
}

// fail records a backend failure. A primary failure degrades the store for
// the rest of the activation.
func (s *Store) fail(op string, b Backend, err error) {
	if b != s.primary {
		log.Debug().Err(err).Str("op", op).Str("backend", b.Name()).Msg("fallback store error")
		return
	}
	s.mu.Lock()
	wasDown := s.primaryDown
	s.primaryDown = true
	s.mu.Unlock()
	if !wasDown {
		log.Warn().Err(unavailable(op, b.Name(), err)).
			Str("fallback", s.fallback.Name()).
			Msg("primary store failed, switching to fallback")
	}
}

// buried returns the ids whose primary copy must be ignored.
func (s *Store) buried(ctx context.Context) map[string]struct{} {
	ts, ok := s.fallback.(Tombstoner)
	if !ok {
		return nil
	}
	ids, err := ts.Tombstones(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("read tombstones")
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// replayTombstones applies deletes that missed the primary.
func (s *Store) replayTombstones(ctx context.Context) {
	ts, ok := s.fallback.(Tombstoner)
	if !ok {
		return
	}
	ids, err := ts.Tombstones(ctx)
	if err != nil || len(ids) == 0 {
		return
	}
	done := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.primary.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("replay delete on primary failed")
			continue
		}
		done = append(done, id)
	}
	if err := ts.ClearTombstones(ctx, done...); err != nil {
		log.Warn().Err(err).Msg("clear replayed tombstones failed")
		return
	}
	log.Info().Int("replayed", len(done)).Int("found", len(ids)).Msg("replayed pending deletes on primary")
}

// drain moves records from the fallback into the primary.
func (s *Store) drain(ctx context.Context) {
	list, err := s.fallback.List(ctx)
	if err != nil || len(list) == 0 {
		return
	}
	moved := 0
	for _, r := range list {
		if err := s.primary.Put(ctx, r); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("drain: primary put failed")
			continue
		}
		if err := s.fallback.Delete(ctx, r.ID); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("drain: fallback delete failed")
			continue
		}
		moved++
	}
	log.Info().Int("moved", moved).Int("found", len(list)).Msg("drained fallback store into primary")
}
