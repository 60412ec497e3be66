// Package domain defines the persistence model for scheduled reminder
// notifications. ScheduledNotification is the only persisted entity of the
// worker: it is mapped with GORM for the primary backend and serialized as
// JSON for the fallback backend, so both tag sets must stay in sync.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Routing keys written into RoutingData and forwarded on user interaction.
const (
	RouteKeySource         = "habitOrTaskId"
	RouteKeyNotificationID = "notificationId"
	RouteKeyAction         = "action"
	RouteKeyType           = "type"
)

// RoutingData is the opaque mapping forwarded verbatim to the host
// application when the user interacts with a notification.
type RoutingData map[string]string

// Clone returns a shallow copy that is safe to mutate.
func (r RoutingData) Clone() RoutingData {
	out := make(RoutingData, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ScheduledNotification is one future notification to show.
//
// Fields:
//   - ID: unique per reminder instance; see ReminderID. Writes with an
//     existing ID replace the stored record.
//   - SourceID: habit/task the reminder belongs to (indexed for
//     deletion-by-habit).
//   - FireAtEpochMs: absolute wall-clock fire time in Unix milliseconds.
//   - Title / Body: display strings.
//   - Icon / Badge: display asset references (defaults applied at render).
//   - Tag: grouping key used to coalesce notifications of the same habit.
//   - RoutingData: forwarded on interaction.
type ScheduledNotification struct {
	ID            string      `json:"id"                gorm:"type:varchar(191);primaryKey"`
	SourceID      string      `json:"habitOrTaskId"     gorm:"type:varchar(191);not null;default:'';index:idx_scheduled_source"`
	FireAtEpochMs int64       `json:"fireAtEpochMs"     gorm:"not null;index:idx_scheduled_fire_at"`
	Title         string      `json:"title"             gorm:"type:text;not null"`
	Body          string      `json:"body"              gorm:"type:text;not null"`
	Icon          string      `json:"icon,omitempty"    gorm:"type:text"`
	Badge         string      `json:"badge,omitempty"   gorm:"type:text"`
	Tag           string      `json:"tag"               gorm:"type:varchar(191)"`
	RoutingData   RoutingData `json:"routingData"       gorm:"type:text;serializer:json"`
}

// TableName returns the database table name for ScheduledNotification.
func (ScheduledNotification) TableName() string { return "scheduled_notifications" }

// FireAt returns the fire time as a time.Time in UTC.
func (n ScheduledNotification) FireAt() time.Time {
	return time.UnixMilli(n.FireAtEpochMs).UTC()
}

// DueIn returns the remaining delay relative to now. A non-positive result
// means the reminder is due (or past).
func (n ScheduledNotification) DueIn(now time.Time) time.Duration {
	return time.Duration(n.FireAtEpochMs-now.UnixMilli()) * time.Millisecond
}

// Source returns the habit/task id, preferring the column and falling back
// to the routing data for records written by older clients.
func (n ScheduledNotification) Source() string {
	if n.SourceID != "" {
		return n.SourceID
	}
	return n.RoutingData[RouteKeySource]
}

// ReminderID derives the id for a reminder of sourceID firing at
// fireAtEpochMs. Re-scheduling the same logical reminder for the same time
// yields the same id and therefore overwrites instead of duplicating.
func ReminderID(sourceID string, fireAtEpochMs int64) string {
	return fmt.Sprintf("%s-%d", strings.TrimSpace(sourceID), fireAtEpochMs)
}
