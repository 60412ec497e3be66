// Package repo implements the data persistence layer for scheduled
// notifications, backed by GORM. This file provides repository functions for
// the ScheduledNotification model.
//
// All functions are context-aware and accept a *gorm.DB handle. They follow
// the "thin repository" approach: no business logic, only persistence and
// query composition.
//
// Error semantics:
//   - When a record is not found, GetNotification returns ErrNotFound.
//   - DeleteNotification is a no-op (nil error) when the id is absent.
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-reminder-worker/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// PutNotification inserts rec or, when a row with the same id exists,
// replaces every column with the new values (last write wins).
func PutNotification(ctx context.Context, db *gorm.DB, rec *domain.ScheduledNotification) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// GetNotification fetches a single record by id, or ErrNotFound.
func GetNotification(ctx context.Context, db *gorm.DB, id string) (*domain.ScheduledNotification, error) {
	var rec domain.ScheduledNotification
	err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteNotification removes the record with the given id. Deleting a
// missing id is not an error.
func DeleteNotification(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.ScheduledNotification{}).Error
}

// ListNotifications returns every persisted record ordered by fire time.
func ListNotifications(ctx context.Context, db *gorm.DB) ([]domain.ScheduledNotification, error) {
	var out []domain.ScheduledNotification
	err := db.WithContext(ctx).
		Order("fire_at_epoch_ms ASC, id ASC").
		Find(&out).Error
	return out, err
}
