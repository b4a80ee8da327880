// Package capability advertises this transcription node on the bus so other
// services can discover it and track whether its engine is ready.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Presence subjects.
const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Ready        bool         `json:"ready"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends a JSON payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject, requestID string, v any) error
}

// Readiness reports whether the engine can take work.
type Readiness interface {
	Ready() bool
}

// Announcer publishes an announcement on start and whenever readiness
// changes, and a heartbeat on every tick in between.
type Announcer struct {
	pub      Publisher
	status   Readiness
	nodeID   string
	role     string
	caps     []Capability
	interval time.Duration
	log      *slog.Logger
	clock    func() time.Time
	ready    atomic.Bool
}

func NewAnnouncer(pub Publisher, status Readiness, nodeID string, interval time.Duration, caps []Capability, log *slog.Logger) *Announcer {
	a := &Announcer{
		pub:      pub,
		status:   status,
		nodeID:   nodeID,
		role:     "stt",
		caps:     caps,
		interval: interval,
		log:      log.With(slog.String("component", "capability-announcer")),
		clock:    time.Now,
	}
	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return a
}

// HeartbeatSubject is the per-node heartbeat subject.
func (a *Announcer) HeartbeatSubject() string {
	return SubjectHeartbeatPrefix + a.nodeID
}

// Run blocks until ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	a.ready.Store(a.status.Ready())
	if err := a.announce(ctx); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("failed to publish presence", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) tick(ctx context.Context) error {
	ready := a.status.Ready()
	if a.ready.Swap(ready) != ready {
		a.log.Info("engine readiness changed", slog.Bool("ready", ready))
		return a.announce(ctx)
	}
	return a.pub.Publish(ctx, a.HeartbeatSubject(), "", Heartbeat{
		NodeID:    a.nodeID,
		Ready:     ready,
		Timestamp: a.clock().UTC(),
	})
}

func (a *Announcer) announce(ctx context.Context) error {
	msg := Announcement{
		NodeID:       a.nodeID,
		Role:         a.role,
		Capabilities: a.caps,
		Ready:        a.ready.Load(),
		Timestamp:    a.clock().UTC(),
	}
	if err := a.pub.Publish(ctx, SubjectAnnounce, "", msg); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

func (a *Announcer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	gauge, err := meter.Int64ObservableGauge("scribe.engine.ready",
		metric.WithDescription("1 when the transcription engine is loaded"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if a.status.Ready() {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}

// Transcription describes the speech-to-text capability. Attributes are
// flattened to strings; languages are joined with commas in sorted order.
func Transcription(backend, model, device string, languages []string) Capability {
	langs := append([]string(nil), languages...)
	sort.Strings(langs)
	return Capability{
		Name: "stt",
		Tier: device,
		Attributes: map[string]string{
			"backend":   backend,
			"model":     model,
			"languages": strings.Join(langs, ","),
			"streaming": "true",
		},
	}
}
