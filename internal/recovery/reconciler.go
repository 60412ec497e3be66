// Package recovery rebuilds in-process timers from the Durable Store when a
// worker activation starts.
//
// Each persisted record is judged on its own against the current wall-clock
// time: future records are re-armed, past records are deleted without being
// shown. A reminder shown hours late is worse than no reminder.
package recovery

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/scheduler"
)

var expired = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "reminders_expired_total",
	Help: "Persisted reminders discarded because their fire time passed.",
})

func init() {
	prometheus.MustRegister(expired)
}

// Store is the part of the Durable Store the reconciler needs.
type Store interface {
	List(ctx context.Context) ([]domain.ScheduledNotification, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler re-arms future reminders.
type Scheduler interface {
	Schedule(ctx context.Context, rec domain.ScheduledNotification) scheduler.Outcome
	Now() time.Time
}

// Report summarizes one reconciliation pass.
type Report struct {
	Rearmed int `json:"rearmed"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Reconciler runs the activation-time recovery pass.
type Reconciler struct {
	store Store
	sched Scheduler
	group singleflight.Group
}

// New returns a Reconciler over st that re-arms through s.
func New(st Store, s Scheduler) *Reconciler {
	return &Reconciler{store: st, sched: s}
}

// Run reconciles every persisted record. Overlapping calls share one pass.
// The only error is a store that cannot be listed at all.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	v, err, _ := r.group.Do("reconcile", func() (any, error) {
		return r.run(ctx)
	})
	rep, _ := v.(Report)
	return rep, err
}

func (r *Reconciler) run(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer("recovery/Reconciler").Start(ctx, "Run")
	defer span.End()

	var rep Report
	recs, err := r.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list")
		log.Error().Err(err).Msg("recovery: list reminders")
		return rep, err
	}

	now := r.sched.Now()
	for _, rec := range recs {
		if rec.DueIn(now) > 0 {
			switch r.sched.Schedule(ctx, rec) {
			case scheduler.Armed, scheduler.Deferred:
				rep.Rearmed++
				continue
			case scheduler.Dropped:
				rep.Failed++
				continue
			}
			// Became due between the listing and the re-arm.
		}
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			rep.Failed++
			log.Warn().Err(err).Str("id", rec.ID).Msg("recovery: delete expired reminder")
			continue
		}
		rep.Expired++
		expired.Inc()
		log.Debug().Str("id", rec.ID).Time("fire_at", rec.FireAt()).Msg("recovery: reminder missed, discarded")
	}

	span.SetAttributes(
		attribute.Int("reminders.total", len(recs)),
		attribute.Int("reminders.rearmed", rep.Rearmed),
		attribute.Int("reminders.expired", rep.Expired),
		attribute.Int("reminders.failed", rep.Failed),
	)
	log.Info().
		Int("rearmed", rep.Rearmed).
		Int("expired", rep.Expired).
		Int("failed", rep.Failed).
		Msg("recovery complete")
	return rep, nil
}
