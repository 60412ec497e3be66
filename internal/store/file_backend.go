package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tbourn/go-reminder-worker/internal/domain"
)

// FallbackKey is the well-known key holding the serialized list of
// scheduled notifications inside the fallback document.
const FallbackKey = "scheduledNotifications"

// TombstoneKey holds ids deleted while the primary could not be reached.
const TombstoneKey = "deletedNotifications"

// FileBackend is the fallback backend: a flat key-value JSON document on
// disk whose FallbackKey entry is a JSON array of ScheduledNotification.
// Other keys in the document are preserved untouched.
//
// Every mutation rewrites the document through a temporary file followed by
// a rename, so a crash leaves either the old or the new document.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileBackend returns a fallback backend persisting to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Name() string { return "file" }

// Open creates the parent directory and validates an existing document.
func (b *FileBackend) Open(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	_, _, err := b.load()
	return err
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) Put(_ context.Context, rec domain.ScheduledNotification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, list, err := b.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rec)
	}
	return b.save(doc, list)
}

func (b *FileBackend) Get(_ context.Context, id string) (*domain.ScheduledNotification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, list, err := b.load()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			rec := list[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, list, err := b.load()
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, r := range list {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return b.save(doc, kept)
}

func (b *FileBackend) List(_ context.Context) ([]domain.ScheduledNotification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, list, err := b.load()
	return list, err
}

func (b *FileBackend) AddTombstone(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, _, err := b.load()
	if err != nil {
		return err
	}
	dead, err := b.tombstones(doc)
	if err != nil {
		return err
	}
	if slices.Contains(dead, id) {
		return nil
	}
	return b.setKey(doc, TombstoneKey, append(dead, id))
}

func (b *FileBackend) ClearTombstones(_ context.Context, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, _, err := b.load()
	if err != nil {
		return err
	}
	dead, err := b.tombstones(doc)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(slices.Clone(dead), func(id string) bool { return slices.Contains(ids, id) })
	if len(kept) == len(dead) {
		return nil
	}
	return b.setKey(doc, TombstoneKey, kept)
}

func (b *FileBackend) Tombstones(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, _, err := b.load()
	if err != nil {
		return nil, err
	}
	return b.tombstones(doc)
}

func (b *FileBackend) tombstones(doc map[string]json.RawMessage) ([]string, error) {
	var dead []string
	if raw, ok := doc[TombstoneKey]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &dead); err != nil {
			return nil, fmt.Errorf("decode %s[%s]: %w", b.path, TombstoneKey, err)
		}
	}
	return dead, nil
}

// load reads the whole document. A missing file is an empty document.
func (b *FileBackend) load() (map[string]json.RawMessage, []domain.ScheduledNotification, error) {
	doc := map[string]json.RawMessage{}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil, nil
		}
		return nil, nil, err
	}
	if len(data) == 0 {
		return doc, nil, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	var list []domain.ScheduledNotification
	if raw, ok := doc[FallbackKey]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, nil, fmt.Errorf("decode %s[%s]: %w", b.path, FallbackKey, err)
		}
	}
	return doc, list, nil
}

func (b *FileBackend) save(doc map[string]json.RawMessage, list []domain.ScheduledNotification) error {
	if list == nil {
		list = []domain.ScheduledNotification{}
	}
	return b.setKey(doc, FallbackKey, list)
}

// setKey replaces one key of doc and rewrites the file.
func (b *FileBackend) setKey(doc map[string]json.RawMessage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc[key] = raw
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
