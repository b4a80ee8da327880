package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("expected ephemeral store to be disabled")
	}
	if err := es.BeginRequest(ctx, "r", "a.wav", "zh-CN"); err != nil {
		t.Fatalf("expected no-op write, got %v", err)
	}
	if _, err := es.ListEvents(ctx, "r", 10); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestRecordRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginRequest(ctx, "req-1", "meeting.wav", "zh-CN"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i, kind := range []string{"partial", "partial", "final"} {
		if err := es.Append(ctx, "req-1", kind, i, []byte(`{"success":true}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := es.FinishRequest(ctx, "req-1", StatusCompleted); err != nil {
		t.Fatalf("finish: %v", err)
	}

	req, err := es.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusCompleted || req.FileName != "meeting.wav" {
		t.Fatalf("unexpected request %+v", req)
	}
	records, err := es.ListEvents(ctx, "req-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, r := range records {
		if r.ChunkIndex != i {
			t.Fatalf("records out of order: %+v", records)
		}
	}
	if records[2].Kind != "final" {
		t.Fatalf("expected final last, got %s", records[2].Kind)
	}
	if _, err := es.GetRequest(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestBeginRequestRestartsReusedID(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginRequest(ctx, "req-1", "first.wav", "en"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.Append(ctx, "req-1", "final", 0, []byte(`{"success":true}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.FinishRequest(ctx, "req-1", StatusCompleted); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := es.BeginRequest(ctx, "req-1", "second.wav", "ja"); err != nil {
		t.Fatalf("begin again: %v", err)
	}
	req, err := es.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusRunning || req.FileName != "second.wav" || req.Language != "ja" {
		t.Fatalf("request not restarted: %+v", req)
	}
	records, err := es.ListEvents(ctx, "req-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected earlier events dropped, got %d", len(records))
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRequest(ctx, "old", "a.wav", "en"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.Append(ctx, "old", "final", 0, []byte("{}")); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRequest(ctx, "new-1", "b.wav", "en"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	if err := es.BeginRequest(ctx, "new-2", "c.wav", "en"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := es.ListEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected old request events cascaded away")
	}
	if _, err := es.GetRequest(ctx, "new-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected new-1 trimmed by max sessions, got %v", err)
	}
	if _, err := es.GetRequest(ctx, "new-2"); err != nil {
		t.Fatalf("expected newest request kept: %v", err)
	}
}
