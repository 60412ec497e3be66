package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/tbourn/go-reminder-worker/internal/domain"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

// pending must show reminders parked in the fallback file without draining
// them into the database behind a running worker's back.
func TestPending_ListsFallbackWithoutMovingIt(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "kv.json")
	t.Setenv("DB_PATH", filepath.Join(dir, "reminders.db"))
	t.Setenv("FALLBACK_PATH", fallback)
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	fb := store.NewFileBackend(fallback)
	if err := fb.Open(ctx); err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	parked := domain.ScheduledNotification{ID: "h1-1700000000000", SourceID: "h1", FireAtEpochMs: 1_700_000_000_000, Title: "Read", Body: "Time to read"}
	if err := fb.Put(ctx, parked); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}

	var out bytes.Buffer
	cmd := pendingCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("pending: %v", err)
	}

	var listed []domain.ScheduledNotification
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(listed) != 1 || listed[0].ID != parked.ID {
		t.Fatalf("listed = %+v", listed)
	}

	left, err := store.NewFileBackend(fallback).List(ctx)
	if err != nil {
		t.Fatalf("list fallback: %v", err)
	}
	if len(left) != 1 || left[0].ID != parked.ID {
		t.Fatalf("pending drained the fallback: %+v", left)
	}
}
