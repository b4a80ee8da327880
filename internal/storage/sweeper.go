package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Sweeper periodically deletes files in the storage directory whose age
// exceeds the retention period.
type Sweeper struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
	clock     func() time.Time
	remove    func(string) error
	after     []func(context.Context)
	deleted   metric.Int64Counter
}

func NewSweeper(dir string, retention, interval time.Duration, log *slog.Logger) *Sweeper {
	s := &Sweeper{
		dir:       dir,
		retention: retention,
		interval:  interval,
		log:       log.With(slog.String("component", "storage.sweeper")),
		clock:     time.Now,
		remove:    os.Remove,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/storage").Int64Counter("scribe.sweeper.deleted",
		metric.WithDescription("Files removed by the retention sweep"))
	if err != nil {
		s.log.Warn("failed to create sweeper counter", slog.String("error", err.Error()))
	} else {
		s.deleted = counter
	}
	return s
}

// OnSweep registers fn to run after every scheduled sweep.
func (s *Sweeper) OnSweep(fn func(context.Context)) {
	s.after = append(s.after, fn)
}

// Sweep removes every regular file older than the retention period and
// returns how many were deleted. A file that cannot be removed is logged and
// skipped.
func (s *Sweeper) Sweep(now time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("failed to list storage directory", slog.String("dir", s.dir), slog.String("error", err.Error()))
		return 0
	}
	deleted := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if now.Sub(info.ModTime()) <= s.retention {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Error("failed to delete expired file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		deleted++
		s.log.Debug("expired file deleted", slog.String("path", path))
	}
	if s.deleted != nil && deleted > 0 {
		s.deleted.Add(context.Background(), int64(deleted))
	}
	s.log.Info("retention sweep complete", slog.Int("deleted", deleted))
	return deleted
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock())
			for _, fn := range s.after {
				fn(ctx)
			}
		}
	}
}
