package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-reminder-worker/internal/delivery"
	"github.com/tbourn/go-reminder-worker/internal/realtime"
	"github.com/tbourn/go-reminder-worker/internal/recovery"
)

// Message-channel envelope types.
const (
	MsgScheduleReminder = "SCHEDULE_REMINDER"
	MsgCancelReminders  = "CANCEL_REMINDERS"
	MsgTestReminder     = "TEST_REMINDER"
)

// Lifecycle is the storage lifecycle driven by Install and Shutdown.
type Lifecycle interface {
	Open(ctx context.Context) error
	Close() error
}

// Reconciler re-derives armed timers from storage.
type Reconciler interface {
	Run(ctx context.Context) (recovery.Report, error)
}

// InteractionRouter resolves notification clicks into intents.
type InteractionRouter interface {
	HandleInteraction(ctx context.Context, in delivery.Interaction) (delivery.Intent, error)
}

// Stopper disarms in-process timers.
type Stopper interface {
	Stop()
}

// Envelope is one message-channel request.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelRequest is the CANCEL_REMINDERS payload.
type CancelRequest struct {
	SourceID string `json:"habitOrTaskId"`
}

// CancelResult reports how many reminders were removed.
type CancelResult struct {
	SourceID string `json:"habitOrTaskId"`
	Removed  int    `json:"removed"`
}

// Worker exposes the five entry points of the background worker: install,
// activate, notification click, notification action click and message.
// Each hook is a plain method so it can be driven without a host runtime.
type Worker struct {
	store     Lifecycle
	recon     Reconciler
	router    InteractionRouter
	reminders *ReminderService
	sched     Stopper

	installed atomic.Bool
}

// NewWorker wires the lifecycle hooks.
func NewWorker(st Lifecycle, rc Reconciler, rt InteractionRouter, rs *ReminderService, sched Stopper) *Worker {
	return &Worker{store: st, recon: rc, router: rt, reminders: rs, sched: sched}
}

// Reminders returns the message-channel service.
func (w *Worker) Reminders() *ReminderService { return w.reminders }

// Install prepares storage. Nothing is seeded.
func (w *Worker) Install(ctx context.Context) error {
	ctx, span := otel.Tracer("services/Worker").Start(ctx, "Install")
	defer span.End()

	if err := w.store.Open(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("install: %w", err)
	}
	w.installed.Store(true)
	log.Info().Msg("worker installed")
	return nil
}

// Activate runs the recovery pass. It may be called again to resume after
// the host suspended the process.
func (w *Worker) Activate(ctx context.Context) (recovery.Report, error) {
	if !w.installed.Load() {
		return recovery.Report{}, ErrNotInstalled
	}
	ctx, span := otel.Tracer("services/Worker").Start(ctx, "Activate")
	defer span.End()

	rep, err := w.recon.Run(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return rep, err
}

// NotificationClick handles a tap on the notification body. Any action in
// the event is ignored.
func (w *Worker) NotificationClick(ctx context.Context, ev delivery.Interaction) (delivery.Intent, error) {
	ev.Action = ""
	return w.interact(ctx, "NotificationClick", ev)
}

// NotificationActionClick handles a tap on one of the notification buttons.
func (w *Worker) NotificationActionClick(ctx context.Context, ev delivery.Interaction) (delivery.Intent, error) {
	return w.interact(ctx, "NotificationActionClick", ev)
}

func (w *Worker) interact(ctx context.Context, name string, ev delivery.Interaction) (delivery.Intent, error) {
	ctx, span := otel.Tracer("services/Worker").Start(ctx, name,
		trace.WithAttributes(
			attribute.String("notification.id", ev.NotificationID),
			attribute.String("notification.action", ev.Action),
		),
	)
	defer span.End()
	return w.router.HandleInteraction(ctx, ev)
}

// Message dispatches one message-channel envelope. The result is a
// *ScheduleResult for SCHEDULE_REMINDER and TEST_REMINDER and a
// CancelResult for CANCEL_REMINDERS.
func (w *Worker) Message(ctx context.Context, env Envelope) (any, error) {
	switch env.Type {
	case MsgScheduleReminder:
		var req ReminderRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		return w.reminders.ScheduleReminder(ctx, req)
	case MsgCancelReminders:
		var req CancelRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		n, err := w.reminders.CancelReminders(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
		return CancelResult{SourceID: req.SourceID, Removed: n}, nil
	case MsgTestReminder:
		return w.reminders.TestReminder(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// HandleInbound routes frames received from realtime clients to the hooks.
// Errors are logged; nothing is sent back to the client.
func (w *Worker) HandleInbound(ctx context.Context, msg realtime.Message) {
	var err error
	switch msg.Type {
	case realtime.MsgNotificationClick, realtime.MsgNotificationActionClick:
		var ev delivery.Interaction
		if err = decodePayload(msg.Payload, &ev); err != nil {
			break
		}
		if msg.Type == realtime.MsgNotificationClick {
			_, err = w.NotificationClick(ctx, ev)
		} else {
			_, err = w.NotificationActionClick(ctx, ev)
		}
	case realtime.MsgMessage:
		var env Envelope
		if err = decodePayload(msg.Payload, &env); err != nil {
			break
		}
		_, err = w.Message(ctx, env)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("inbound message")
	}
}

// Shutdown disarms every timer and closes storage. Persisted reminders are
// kept for the next activation.
func (w *Worker) Shutdown() error {
	w.sched.Stop()
	if !w.installed.Swap(false) {
		return nil
	}
	return w.store.Close()
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidReminder)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrInvalidReminder, err)
	}
	return nil
}
