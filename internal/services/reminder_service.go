// ReminderService implements the message-channel operations: schedule a
// reminder, cancel reminders of a habit or task, and send a diagnostic test
// reminder. Requests are validated and normalised here; timing and
// persistence belong to the scheduler.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/scheduler"
)

const (
	defaultTitleMaxLen = 120
	defaultBodyMaxLen  = 512
	defaultTestDelay   = 5 * time.Second

	testSourceID = "test"
)

// Scheduler is the scheduler surface used by ReminderService.
type Scheduler interface {
	Schedule(ctx context.Context, rec domain.ScheduledNotification) scheduler.Outcome
	Cancel(ctx context.Context, id string) error
	CancelSource(ctx context.Context, sourceID string) (int, error)
	Pending() []domain.ScheduledNotification
	Now() time.Time
}

// ReminderRequest is the ScheduleReminder payload.
type ReminderRequest struct {
	ID            string             `json:"id,omitempty"`
	SourceID      string             `json:"habitOrTaskId"`
	FireAtEpochMs int64              `json:"fireAtEpochMs"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	Icon          string             `json:"icon,omitempty"`
	Badge         string             `json:"badge,omitempty"`
	Tag           string             `json:"tag,omitempty"`
	RoutingData   domain.RoutingData `json:"routingData,omitempty"`
}

// ScheduleResult reports the stored reminder and what the scheduler did
// with it. A dropped reminder is not an error for the caller.
type ScheduleResult struct {
	Reminder domain.ScheduledNotification `json:"reminder"`
	Outcome  scheduler.Outcome            `json:"outcome"`
}

// ReminderService validates reminder requests and hands them to the
// scheduler.
type ReminderService struct {
	Sched Scheduler

	TitleMaxLen int
	BodyMaxLen  int
	// TestDelay is how far ahead TestReminder schedules.
	TestDelay time.Duration
}

// NewReminderService returns a ReminderService with default limits.
func NewReminderService(s Scheduler) *ReminderService {
	return &ReminderService{
		Sched:       s,
		TitleMaxLen: defaultTitleMaxLen,
		BodyMaxLen:  defaultBodyMaxLen,
		TestDelay:   defaultTestDelay,
	}
}

// ScheduleReminder normalises req into a ScheduledNotification and schedules
// it. The id defaults to ReminderID(source, fireAt), so repeating a request
// overwrites instead of duplicating. The tag defaults to the source id.
func (s *ReminderService) ScheduleReminder(ctx context.Context, req ReminderRequest) (*ScheduleResult, error) {
	ctx, span := otel.Tracer("services/ReminderService").Start(ctx, "ScheduleReminder",
		trace.WithAttributes(
			attribute.String("reminder.source", req.SourceID),
			attribute.Int64("reminder.fire_at", req.FireAtEpochMs),
		),
	)
	defer span.End()

	rec, err := s.build(req)
	if err != nil {
		return nil, err
	}
	out := s.Sched.Schedule(ctx, rec)
	span.SetAttributes(attribute.String("reminder.id", rec.ID), attribute.String("reminder.outcome", string(out)))
	return &ScheduleResult{Reminder: rec, Outcome: out}, nil
}

// CancelReminders deletes every pending reminder of sourceID and returns how
// many were removed.
func (s *ReminderService) CancelReminders(ctx context.Context, sourceID string) (int, error) {
	ctx, span := otel.Tracer("services/ReminderService").Start(ctx, "CancelReminders",
		trace.WithAttributes(attribute.String("reminder.source", sourceID)),
	)
	defer span.End()

	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return 0, fmt.Errorf("%w: habitOrTaskId is required", ErrInvalidReminder)
	}
	n, err := s.Sched.CancelSource(ctx, sourceID)
	span.SetAttributes(attribute.Int("reminders.removed", n))
	return n, err
}

// CancelReminder deletes one reminder by id. Unknown ids are not an error.
func (s *ReminderService) CancelReminder(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("services/ReminderService").Start(ctx, "CancelReminder",
		trace.WithAttributes(attribute.String("reminder.id", id)),
	)
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidReminder)
	}
	return s.Sched.Cancel(ctx, id)
}

// TestReminder schedules a fixed diagnostic reminder TestDelay from now.
func (s *ReminderService) TestReminder(ctx context.Context) (*ScheduleResult, error) {
	delay := s.TestDelay
	if delay <= 0 {
		delay = defaultTestDelay
	}
	return s.ScheduleReminder(ctx, ReminderRequest{
		ID:            testSourceID + "-" + uuid.NewString(),
		SourceID:      testSourceID,
		FireAtEpochMs: s.Sched.Now().Add(delay).UnixMilli(),
		Title:         "Test reminder",
		Body:          "Notifications are working.",
		RoutingData:   domain.RoutingData{domain.RouteKeyType: "test"},
	})
}

// Pending returns the currently armed reminders.
func (s *ReminderService) Pending() []domain.ScheduledNotification {
	return s.Sched.Pending()
}

func (s *ReminderService) build(req ReminderRequest) (domain.ScheduledNotification, error) {
	source := strings.TrimSpace(req.SourceID)
	if source == "" {
		return domain.ScheduledNotification{}, fmt.Errorf("%w: habitOrTaskId is required", ErrInvalidReminder)
	}
	if req.FireAtEpochMs <= 0 {
		return domain.ScheduledNotification{}, fmt.Errorf("%w: fireAtEpochMs must be positive", ErrInvalidReminder)
	}
	title := clip(normalizeText(req.Title), s.TitleMaxLen)
	if title == "" {
		return domain.ScheduledNotification{}, fmt.Errorf("%w: title is required", ErrInvalidReminder)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = domain.ReminderID(source, req.FireAtEpochMs)
	}
	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		tag = source
	}
	data := req.RoutingData.Clone()
	data[domain.RouteKeySource] = source

	return domain.ScheduledNotification{
		ID:            id,
		SourceID:      source,
		FireAtEpochMs: req.FireAtEpochMs,
		Title:         title,
		Body:          clip(normalizeText(req.Body), s.BodyMaxLen),
		Icon:          strings.TrimSpace(req.Icon),
		Badge:         strings.TrimSpace(req.Badge),
		Tag:           tag,
		RoutingData:   data,
	}, nil
}

// normalizeText applies NFC, trims, and collapses runs of whitespace.
func normalizeText(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

func clip(s string, max int) string {
	if max > 0 && utf8.RuneCountInString(s) > max {
		return string([]rune(s)[:max])
	}
	return s
}

var whitespaceRE = regexp.MustCompile(`\s+`)
