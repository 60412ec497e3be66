// Package delivery renders due reminders and turns user interaction with a
// shown notification into an open-app intent for the host application.
//
// Rendering and navigation are behind the Renderer and Navigator interfaces;
// the router never touches the Durable Store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/sysutil"
)

// ErrRenderDenied reports that the notification surface declined to show a
// notification (no permission, nobody listening, transport failure).
var ErrRenderDenied = errors.New("notification display denied")

// Action is the interaction discriminator carried by a click.
type Action string

const (
	ActionDefault  Action = ""
	ActionComplete Action = "complete"
	ActionSnooze   Action = "snooze"
)

// NotificationAction is one button shown on a notification.
type NotificationAction struct {
	Action Action `json:"action"`
	Title  string `json:"title"`
}

// Notification is what a Renderer displays.
type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Actions []NotificationAction `json:"actions"`
	Data    domain.RoutingData   `json:"data"`
}

// Renderer is the platform notification surface.
type Renderer interface {
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, notificationID string) error
}

// Intent asks the host application to open at URL.
type Intent struct {
	SourceID       string            `json:"habitOrTaskId,omitempty"`
	NotificationID string            `json:"notificationId,omitempty"`
	Action         Action            `json:"action,omitempty"`
	Params         map[string]string `json:"params"`
	URL            string            `json:"url"`
}

// Navigator delivers open-app intents to the host application.
type Navigator interface {
	Open(ctx context.Context, in Intent) error
}

// Interaction is a click on a shown notification. Action is empty for a tap
// on the notification body.
type Interaction struct {
	NotificationID string             `json:"notificationId"`
	Action         string             `json:"action,omitempty"`
	Data           domain.RoutingData `json:"data,omitempty"`
}

// Options configures display defaults and the app entry point.
type Options struct {
	BaseURL      string
	DefaultIcon  string
	DefaultBadge string
}

// Router implements delivery and interaction routing.
type Router struct {
	renderer Renderer
	nav      Navigator
	opts     Options
}

// NewRouter wires a Router. BaseURL defaults to "/".
func NewRouter(r Renderer, n Navigator, opts Options) *Router {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = "/"
	}
	return &Router{renderer: r, nav: n, opts: opts}
}

// Build maps a record to the notification shown for it.
func (r *Router) Build(rec domain.ScheduledNotification) Notification {
	data := rec.RoutingData.Clone()
	data[domain.RouteKeyNotificationID] = rec.ID
	if src := rec.Source(); src != "" {
		data[domain.RouteKeySource] = src
	}

	n := Notification{
		ID:    rec.ID,
		Title: rec.Title,
		Body:  rec.Body,
		Icon:  sysutil.FirstNonEmpty(rec.Icon, r.opts.DefaultIcon),
		Badge: sysutil.FirstNonEmpty(rec.Badge, r.opts.DefaultBadge),
		Tag:   rec.Tag,
		Actions: []NotificationAction{
			{Action: ActionComplete, Title: "Mark complete"},
			{Action: ActionSnooze, Title: "Snooze"},
		},
		Data: data,
	}
	return n
}

// Deliver shows rec. Every failure is reported as ErrRenderDenied so the
// scheduler keeps the record.
func (r *Router) Deliver(ctx context.Context, rec domain.ScheduledNotification) error {
	if err := r.renderer.Show(ctx, r.Build(rec)); err != nil {
		if errors.Is(err, ErrRenderDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRenderDenied, err)
	}
	log.Info().Str("id", rec.ID).Str("tag", rec.Tag).Msg("reminder shown")
	return nil
}

// Resolve maps an interaction to an intent. Unknown actions are handled as
// a tap on the notification body.
func (r *Router) Resolve(in Interaction) Intent {
	act := Action(in.Action)
	switch act {
	case ActionComplete, ActionSnooze:
	default:
		act = ActionDefault
	}

	params := make(map[string]string, len(in.Data)+3)
	for k, v := range in.Data {
		params[k] = v
	}
	delete(params, domain.RouteKeyAction)
	if in.NotificationID != "" {
		params[domain.RouteKeyNotificationID] = in.NotificationID
	}
	if act != ActionDefault {
		params[domain.RouteKeyAction] = string(act)
	}

	return Intent{
		SourceID:       params[domain.RouteKeySource],
		NotificationID: params[domain.RouteKeyNotificationID],
		Action:         act,
		Params:         params,
		URL:            r.intentURL(params),
	}
}

// HandleInteraction dismisses the notification, resolves the intent and
// sends it to the host application. The dismissal is unconditional; its
// failure is logged and does not stop navigation.
func (r *Router) HandleInteraction(ctx context.Context, in Interaction) (Intent, error) {
	if err := r.renderer.Dismiss(ctx, in.NotificationID); err != nil {
		log.Warn().Err(err).Str("id", in.NotificationID).Msg("dismiss notification")
	}
	intent := r.Resolve(in)
	if err := r.nav.Open(ctx, intent); err != nil {
		return intent, err
	}
	log.Debug().Str("id", in.NotificationID).Str("action", string(intent.Action)).Msg("notification interaction routed")
	return intent, nil
}

func (r *Router) intentURL(params map[string]string) string {
	base := r.opts.BaseURL
	if len(params) == 0 {
		return base
	}
	q := make(url.Values, len(params))
	for k, v := range params {
		q.Set(k, v)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
