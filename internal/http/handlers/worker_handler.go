// Lifecycle HTTP handlers.
//
//   - POST /messages                               message channel envelope
//   - POST /lifecycle/activate                     run recovery
//   - POST /notifications/{id}/click               body tap
//   - POST /notifications/{id}/actions/{action}    action button
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-worker/internal/delivery"
	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/services"
)

// InteractionRequest is the optional body of the click endpoints.
type InteractionRequest struct {
	Data domain.RoutingData `json:"data"`
}

// Message godoc
// @ID          postMessage
// @Summary     Deliver a message-channel envelope
// @Description Dispatches SCHEDULE_REMINDER, CANCEL_REMINDERS or TEST_REMINDER.
// @Tags        Lifecycle
// @Accept      json
// @Produce     json
//
// @Param       body  body  services.Envelope  true  "Message envelope"
//
// @Success     200  {object}  services.CancelResult
// @Success     201  {object}  services.ScheduleResult
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid or unknown message"
// @Router      /messages [post]
func (h *Handlers) Message(c *gin.Context) {
	var env services.Envelope
	if err := c.ShouldBindJSON(&env); err != nil || env.Type == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid message envelope")
		return
	}
	out, err := h.worker.Message(c.Request.Context(), env)
	if err != nil {
		serviceError(c, err)
		return
	}
	status := http.StatusOK
	if res, isSchedule := out.(*services.ScheduleResult); isSchedule {
		status = scheduleStatus(res.Outcome)
	}
	ok(c, status, out)
}

// Activate godoc
// @ID          activateWorker
// @Summary     Run recovery
// @Description Re-arms every persisted reminder. Concurrent calls share one pass.
// @Tags        Lifecycle
// @Produce     json
//
// @Success     200  {object}  recovery.Report
// @Failure     503  {object}  handlers.ErrorResponse  "Not installed or storage unavailable"
// @Router      /lifecycle/activate [post]
func (h *Handlers) Activate(c *gin.Context) {
	rep, err := h.worker.Activate(c.Request.Context())
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}

// NotificationClick godoc
// @ID          notificationClick
// @Summary     Route a tap on a shown notification
// @Tags        Notifications
// @Accept      json
// @Produce     json
//
// @Param       id    path  string                       true   "Notification ID"
// @Param       body  body  handlers.InteractionRequest  false  "Routing data of the shown notification"
//
// @Success     200  {object}  delivery.Intent
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse  "No client connected"
// @Router      /notifications/{id}/click [post]
func (h *Handlers) NotificationClick(c *gin.Context) {
	ev, good := bindInteraction(c)
	if !good {
		return
	}
	in, err := h.worker.NotificationClick(c.Request.Context(), ev)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, in)
}

// NotificationAction godoc
// @ID          notificationAction
// @Summary     Route an action button on a shown notification
// @Description Known actions are complete and snooze. Anything else is treated as a tap.
// @Tags        Notifications
// @Accept      json
// @Produce     json
//
// @Param       id      path  string                       true   "Notification ID"
// @Param       action  path  string                       true   "Action"  Enums(complete, snooze)
// @Param       body    body  handlers.InteractionRequest  false  "Routing data of the shown notification"
//
// @Success     200  {object}  delivery.Intent
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse  "No client connected"
// @Router      /notifications/{id}/actions/{action} [post]
func (h *Handlers) NotificationAction(c *gin.Context) {
	ev, good := bindInteraction(c)
	if !good {
		return
	}
	ev.Action = c.Param("action")
	in, err := h.worker.NotificationActionClick(c.Request.Context(), ev)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, in)
}

// bindInteraction reads the optional JSON body. An empty body is allowed.
func bindInteraction(c *gin.Context) (delivery.Interaction, bool) {
	var req InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return delivery.Interaction{}, false
	}
	return delivery.Interaction{NotificationID: c.Param("id"), Data: req.Data}, true
}
