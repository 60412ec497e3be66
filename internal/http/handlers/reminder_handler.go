// Reminder HTTP handlers.
//
//   - POST   /reminders                 schedule
//   - GET    /reminders                 list armed reminders
//   - DELETE /reminders/{id}            cancel one
//   - DELETE /sources/{id}/reminders    cancel every reminder of a habit/task
//   - POST   /reminders/test            schedule the diagnostic reminder
//
// Scheduling is best-effort: a reminder the store could not keep is still
// answered with 202 and outcome "dropped" rather than an error.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-worker/internal/delivery"
	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/recovery"
	"github.com/tbourn/go-reminder-worker/internal/scheduler"
	"github.com/tbourn/go-reminder-worker/internal/services"
	"github.com/tbourn/go-reminder-worker/internal/utils"
)

// ReminderService is the message-channel surface used by the handlers.
type ReminderService interface {
	ScheduleReminder(ctx context.Context, req services.ReminderRequest) (*services.ScheduleResult, error)
	CancelReminders(ctx context.Context, sourceID string) (int, error)
	CancelReminder(ctx context.Context, id string) error
	TestReminder(ctx context.Context) (*services.ScheduleResult, error)
	Pending() []domain.ScheduledNotification
}

// Worker is the lifecycle-hook surface used by the handlers.
type Worker interface {
	Activate(ctx context.Context) (recovery.Report, error)
	NotificationClick(ctx context.Context, ev delivery.Interaction) (delivery.Intent, error)
	NotificationActionClick(ctx context.Context, ev delivery.Interaction) (delivery.Intent, error)
	Message(ctx context.Context, env services.Envelope) (any, error)
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	reminders ReminderService
	worker    Worker
}

// New binds Handlers to its services.
func New(rs ReminderService, w Worker) *Handlers {
	return &Handlers{reminders: rs, worker: w}
}

// ListRemindersResponse is the GET /reminders body.
type ListRemindersResponse struct {
	Reminders []domain.ScheduledNotification `json:"reminders"`
	Total     int                            `json:"total"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// scheduleStatus is 201 when a timer is armed or the record is persisted
// for later, 202 when nothing will fire.
func scheduleStatus(out scheduler.Outcome) int {
	switch out {
	case scheduler.Armed, scheduler.Deferred:
		return http.StatusCreated
	default:
		return http.StatusAccepted
	}
}

// ScheduleReminder godoc
// @ID          scheduleReminder
// @Summary     Schedule a reminder
// @Description Persists a reminder and arms its timer. Fire times in the past fire immediately.
// @Description Storage failure is not an error: the reminder is answered 202 with outcome "dropped".
// @Tags        Reminders
// @Accept      json
// @Produce     json
//
// @Param       X-Client-ID  header  string  false "Calling app instance"  example(tablet-7)
// @Param       body         body    services.ReminderRequest  true  "Reminder to schedule"
//
// @Success     201  {object}  services.ScheduleResult  "Armed or deferred"
// @Success     202  {object}  services.ScheduleResult  "Dropped"
// @Failure     400  {object}  handlers.ErrorResponse   "Invalid reminder"
// @Failure     429  {object}  handlers.ErrorResponse   "Rate limited"
// @Router      /reminders [post]
func (h *Handlers) ScheduleReminder(c *gin.Context) {
	var req services.ReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.reminders.ScheduleReminder(c.Request.Context(), req)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, scheduleStatus(res.Outcome), res)
}

// ListReminders godoc
// @ID          listReminders
// @Summary     List armed reminders
// @Description Returns the reminders with a live timer, earliest first.
// @Tags        Reminders
// @Produce     json
//
// @Param       limit  query  int  false  "Max reminders returned"  minimum(1) maximum(1000) default(100)
//
// @Success     200  {object}  handlers.ListRemindersResponse
// @Header      200  {string}  Cache-Control  "no-store"
// @Router      /reminders [get]
func (h *Handlers) ListReminders(c *gin.Context) {
	limit := utils.ClampInt(utils.AtoiDefault(c.Query("limit"), defaultListLimit), 1, maxListLimit)
	all := h.reminders.Pending()
	page := all
	if len(page) > limit {
		page = page[:limit]
	}
	ok(c, http.StatusOK, ListRemindersResponse{Reminders: page, Total: len(all)})
}

// CancelReminder godoc
// @ID          cancelReminder
// @Summary     Cancel one reminder
// @Description Disarms the timer and deletes the record. Unknown ids succeed.
// @Tags        Reminders
//
// @Param       id  path  string  true  "Notification ID"  example(h1-1700000000000)
//
// @Success     204  {string}  string  "No Content"
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /reminders/{id} [delete]
func (h *Handlers) CancelReminder(c *gin.Context) {
	if err := h.reminders.CancelReminder(c.Request.Context(), c.Param("id")); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// CancelSource godoc
// @ID          cancelSourceReminders
// @Summary     Cancel every reminder of a habit or task
// @Tags        Reminders
// @Produce     json
//
// @Param       id  path  string  true  "Habit or task ID"  example(h1)
//
// @Success     200  {object}  services.CancelResult
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /sources/{id}/reminders [delete]
func (h *Handlers) CancelSource(c *gin.Context) {
	src := c.Param("id")
	n, err := h.reminders.CancelReminders(c.Request.Context(), src)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, services.CancelResult{SourceID: src, Removed: n})
}

// TestReminder godoc
// @ID          testReminder
// @Summary     Schedule the diagnostic reminder
// @Description Arms a fixed reminder a few seconds from now.
// @Tags        Reminders
// @Produce     json
//
// @Success     201  {object}  services.ScheduleResult
// @Success     202  {object}  services.ScheduleResult  "Dropped"
// @Router      /reminders/test [post]
func (h *Handlers) TestReminder(c *gin.Context) {
	res, err := h.reminders.TestReminder(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, scheduleStatus(res.Outcome), res)
}
