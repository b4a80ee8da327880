package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/storage"
)

const maxFieldBytes = 64 << 10

// form is the parsed multipart request. The file part has already been
// written to storage when asset is set.
type form struct {
	asset         *storage.Asset
	err           error
	language      string
	keywords      string
	chunkDuration string
}

// readForm walks the multipart body part by part. The file part is streamed
// into the receiver as soon as it is reached, so fields may come before or
// after it. Reading stops at the first error.
func (s *Server) readForm(ctx context.Context, r *http.Request) form {
	var f form
	mr, err := r.MultipartReader()
	if err != nil {
		f.err = fmt.Errorf("read form: %w", storage.ErrMissingFile)
		return f
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.err = &storage.IOError{Op: "read multipart", Err: err}
			break
		}
		name := part.FormName()
		if name == "file" {
			if f.asset != nil {
				_ = part.Close()
				continue
			}
			if part.FileName() == "" {
				_ = part.Close()
				f.err = storage.ErrMissingFile
				break
			}
			asset, err := s.orc.Receive(ctx, part, part.FileName())
			_ = part.Close()
			if err != nil {
				f.err = err
				break
			}
			f.asset = asset
			continue
		}
		var dst *string
		switch name {
		case "language":
			dst = &f.language
		case "keywords":
			dst = &f.keywords
		case "chunk_duration":
			dst = &f.chunkDuration
		}
		if dst == nil {
			_ = part.Close()
			continue
		}
		b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if err != nil {
			f.err = &storage.IOError{Op: "read field " + name, Err: err}
			break
		}
		if len(b) > maxFieldBytes {
			f.err = fmt.Errorf("field %s exceeds %d bytes: %w", name, maxFieldBytes, pipeline.ErrInvalidArgument)
			break
		}
		*dst = strings.TrimSpace(string(b))
	}

	q := r.URL.Query()
	if f.language == "" {
		f.language = q.Get("language")
	}
	if f.keywords == "" {
		f.keywords = q.Get("keywords")
	}
	if f.chunkDuration == "" {
		f.chunkDuration = q.Get("chunk_duration")
	}
	if f.language == "" {
		f.language = s.cfg.Stream.DefaultLanguage
	}
	return f
}

func (s *Server) job(r *http.Request, f form) pipeline.Job {
	return pipeline.Job{
		RequestID:  middleware.GetReqID(r.Context()),
		Asset:      f.asset,
		ReceiveErr: f.err,
		Language:   f.language,
		Keywords:   f.keywords,
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f := s.readForm(r.Context(), r)
	if f.err == nil && f.asset == nil {
		f.err = storage.ErrMissingFile
	}
	if f.err != nil {
		if f.asset != nil {
			if err := storage.Delete(f.asset.Path); err != nil {
				s.log.Warn("remove rejected upload failed", slog.String("path", f.asset.Path), slogError(err))
			}
		}
		s.writeClassified(w, f.err)
		return
	}
	a := f.asset
	writeJSON(w, http.StatusOK, protocol.UploadResponse{
		Success: true,
		FileID:  a.Name,
		FileInfo: &protocol.FileInfo{
			Name:         a.Name,
			Size:         a.Size,
			Extension:    a.Extension,
			CreatedTime:  float64(a.CreatedAt.UnixNano()) / 1e9,
			ModifiedTime: float64(a.ModifiedAt.UnixNano()) / 1e9,
		},
		Message: "file uploaded",
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	f := s.readForm(r.Context(), r)
	res, err := s.orc.Transcribe(r.Context(), s.job(r, f))
	if err != nil {
		status, code := pipeline.Classify(err)
		if code == pipeline.CodeCancelled {
			s.log.Info("client went away", slog.String("request_id", res.TaskID))
			return
		}
		writeJSON(w, status, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTranscribeStream relays pipeline events as server-sent events. The
// loop always drains the channel so the producer's cleanup has finished
// before the handler returns.
func (s *Server) handleTranscribeStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	f := s.readForm(ctx, r)
	job := s.job(r, f)
	job.ChunkSeconds = s.cfg.Stream.DefaultChunkSeconds
	if f.chunkDuration != "" {
		v, err := strconv.ParseFloat(f.chunkDuration, 64)
		switch {
		case err != nil && job.ReceiveErr == nil:
			job.ReceiveErr = fmt.Errorf("chunk_duration %q: %w", f.chunkDuration, pipeline.ErrInvalidArgument)
		case err == nil:
			job.ChunkSeconds = v
		}
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		cancel()
		for range s.orc.Stream(ctx, job) {
		}
		s.writeError(w, http.StatusInternalServerError, pipeline.CodeInternal, err)
		return
	}
	sse.start()
	broken := false
	for ev := range s.orc.Stream(ctx, job) {
		if broken {
			continue
		}
		if err := sse.send(ev.Payload()); err != nil {
			s.log.Debug("event write failed", slog.String("request_id", job.RequestID), slogError(err))
			broken = true
			cancel()
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
