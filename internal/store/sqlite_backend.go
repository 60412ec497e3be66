package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/repo"
)

// errNotOpen is returned by backends used before a successful Open.
var errNotOpen = errors.New("backend not open")

// SQLiteBackend is the primary backend: one scheduled_notifications table
// keyed by id with an index on the fire time.
type SQLiteBackend struct {
	path string
	db   *gorm.DB
	own  bool // db was opened by this backend and must be closed by it
}

// NewSQLiteBackend returns a backend that opens the database at path.
func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

// NewSQLiteBackendWithDB wraps an already opened handle. Open only migrates
// the schema and Close leaves the handle alone.
func NewSQLiteBackendWithDB(db *gorm.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Open(ctx context.Context) error {
	if b.db == nil {
		db, err := repo.OpenSQLite(b.path)
		if err != nil {
			return err
		}
		b.db, b.own = db, true
	}
	return repo.AutoMigrate(b.db.WithContext(ctx))
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil || !b.own {
		return nil
	}
	sqlDB, err := b.db.DB()
	b.db, b.own = nil, false
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *SQLiteBackend) Put(ctx context.Context, rec domain.ScheduledNotification) error {
	if b.db == nil {
		return errNotOpen
	}
	return repo.PutNotification(ctx, b.db, &rec)
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*domain.ScheduledNotification, error) {
	if b.db == nil {
		return nil, errNotOpen
	}
	rec, err := repo.GetNotification(ctx, b.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if b.db == nil {
		return errNotOpen
	}
	return repo.DeleteNotification(ctx, b.db, id)
}

func (b *SQLiteBackend) List(ctx context.Context) ([]domain.ScheduledNotification, error) {
	if b.db == nil {
		return nil, errNotOpen
	}
	return repo.ListNotifications(ctx, b.db)
}
