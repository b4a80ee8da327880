package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeAged(t *testing.T, path string, age time.Duration, now time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mod := now.Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	oldPath := filepath.Join(dir, "old.wav")
	freshPath := filepath.Join(dir, "fresh.wav")
	writeAged(t, oldPath, 2*time.Hour, now)
	writeAged(t, freshPath, time.Minute, now)
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s := NewSweeper(dir, 30*time.Minute, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := s.Sweep(now); got != 1 {
		t.Fatalf("expected 1 deletion, got %d", got)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old file removed")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("expected fresh file retained: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Fatalf("expected directory untouched: %v", err)
	}
	if got := s.Sweep(now); got != 0 {
		t.Fatalf("expected second sweep to delete nothing, got %d", got)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	stuck := filepath.Join(dir, "a_stuck.wav")
	writeAged(t, stuck, time.Hour, now)
	writeAged(t, filepath.Join(dir, "b_old.wav"), time.Hour, now)

	s := NewSweeper(dir, time.Minute, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.remove = func(path string) error {
		if path == stuck {
			return errors.New("permission denied")
		}
		return os.Remove(path)
	}
	if got := s.Sweep(now); got != 1 {
		t.Fatalf("expected 1 deletion despite failure, got %d", got)
	}
	if _, err := os.Stat(stuck); err != nil {
		t.Fatalf("expected stuck file to remain: %v", err)
	}
}

func TestSweepMissingDirectory(t *testing.T) {
	s := NewSweeper(filepath.Join(t.TempDir(), "gone"), time.Minute, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := s.Sweep(time.Now()); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestRunInvokesHooksAndStops(t *testing.T) {
	dir := t.TempDir()
	s := NewSweeper(dir, time.Minute, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var calls atomic.Int32
	s.OnSweep(func(context.Context) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper hook never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
