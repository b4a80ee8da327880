// Package api exposes the transcription pipeline over HTTP.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// EngineStatus is the read-only view of the engine adapter.
type EngineStatus interface {
	Ready() bool
	ModelInfo() stt.ModelInfo
	DeviceInfo() stt.DeviceInfo
	SupportedLanguages() []string
}

// HistoryReader serves recorded requests.
type HistoryReader interface {
	Enabled() bool
	GetRequest(ctx context.Context, requestID string) (eventstore.Request, error)
	ListEvents(ctx context.Context, requestID string, limit int) ([]eventstore.Record, error)
}

// Server holds the handlers' shared dependencies.
type Server struct {
	cfg      config.Config
	version  string
	orc      *pipeline.Orchestrator
	engine   EngineStatus
	history  HistoryReader
	metrics  http.Handler
	uploadTo string
	log      *slog.Logger
	started  time.Time
	clock    func() time.Time
}

// Deps bundles what NewServer needs. History and Metrics may be nil.
type Deps struct {
	Config       config.Config
	Version      string
	Orchestrator *pipeline.Orchestrator
	Engine       EngineStatus
	History      HistoryReader
	Metrics      http.Handler
	UploadDir    string
	Logger       *slog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		version:  d.Version,
		orc:      d.Orchestrator,
		engine:   d.Engine,
		history:  d.History,
		metrics:  d.Metrics,
		uploadTo: d.UploadDir,
		log:      d.Logger.With(slog.String("component", "api")),
		started:  time.Now(),
		clock:    time.Now,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/info", s.handleInfo)
	r.Post("/upload", s.handleUpload)
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/transcribe-stream", s.handleTranscribeStream)
	r.Get("/download/{text}", s.handleDownload)
	r.Get("/history/{requestID}", s.handleHistory)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": s.cfg.ServiceName + " speech-to-text service",
		"version": s.version,
		"endpoints": map[string]string{
			"health":            "/health",
			"info":              "/info",
			"upload":            "/upload",
			"transcribe":        "/transcribe",
			"transcribe_stream": "/transcribe-stream",
			"download":          "/download/{text}",
			"history":           "/history/{request_id}",
			"metrics":           "/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.clock()
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: now.Unix(),
		Uptime:    now.Sub(s.started).Seconds(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(s.engine.ModelInfo().Status))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.SystemInfo{
		AppName:            s.cfg.ServiceName,
		Version:            s.version,
		Debug:              s.cfg.Debug,
		UploadDir:          s.uploadTo,
		MaxFileSize:        s.cfg.Storage.MaxFileSize,
		AllowedExtensions:  s.cfg.Storage.AllowedExtensions,
		SupportedLanguages: s.engine.SupportedLanguages(),
		ModelInfo:          s.engine.ModelInfo(),
		DeviceInfo:         s.engine.DeviceInfo(),
	})
}

// handleDownload returns the path text as a plain-text attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "text")
	text, err := url.PathUnescape(raw)
	if err != nil {
		text = raw
	}
	name := "transcription_" + s.clock().Format("20060102_150405") + ".txt"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

type historyResponse struct {
	RequestID string            `json:"request_id"`
	FileName  string            `json:"file_name"`
	Language  string            `json:"language"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Events    []json.RawMessage `json:"events"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil || !s.history.Enabled() {
		s.writeError(w, http.StatusNotFound, "HISTORY_DISABLED", eventstore.ErrDisabled)
		return
	}
	id := chi.URLParam(r, "requestID")
	req, err := s.history.GetRequest(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", errors.New("request not found"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err)
		return
	}
	records, err := s.history.ListEvents(r.Context(), id, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err)
		return
	}
	resp := historyResponse{
		RequestID: req.RequestID,
		FileName:  req.FileName,
		Language:  req.Language,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
		Events:    make([]json.RawMessage, 0, len(records)),
	}
	for _, rec := range records {
		resp.Events = append(resp.Events, json.RawMessage(rec.Payload))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, protocol.ErrorResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: code,
		Timestamp: s.clock().Unix(),
	})
}

// writeClassified picks status and code from the error taxonomy.
func (s *Server) writeClassified(w http.ResponseWriter, err error) {
	status, code := pipeline.Classify(err)
	s.writeError(w, status, code, err)
}
