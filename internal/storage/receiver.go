package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	partSuffix     = ".part"
	progressStep   = 1 << 20
	maxNameRetries = 16
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Dir               string
	MaxFileSize       int64
	AllowedExtensions []string
	ReadBufferBytes   int
}

// Receiver streams uploads into the storage directory in bounded increments.
type Receiver struct {
	dir     string
	maxSize int64
	allowed map[string]struct{}
	bufSize int
	log     *slog.Logger
	clock   func() time.Time

	bytesIn  metric.Int64Counter
	rejected metric.Int64Counter
}

func NewReceiver(cfg ReceiverConfig, log *slog.Logger) (*Receiver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory not configured")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, errors.New("max file size must be positive")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	bufSize := cfg.ReadBufferBytes
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	r := &Receiver{
		dir:     dir,
		maxSize: cfg.MaxFileSize,
		allowed: allowed,
		bufSize: bufSize,
		log:     log.With(slog.String("component", "storage.receiver")),
		clock:   time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/storage")
	if r.bytesIn, err = meter.Int64Counter("scribe.upload.bytes",
		metric.WithDescription("Bytes accepted from client uploads"), metric.WithUnit("By")); err != nil {
		r.log.Warn("failed to create upload counter", slog.String("error", err.Error()))
	}
	if r.rejected, err = meter.Int64Counter("scribe.upload.rejected",
		metric.WithDescription("Uploads rejected or rolled back")); err != nil {
		r.log.Warn("failed to create rejection counter", slog.String("error", err.Error()))
	}
	return r, nil
}

// Dir returns the absolute storage directory.
func (r *Receiver) Dir() string { return r.dir }

// MaxFileSize returns the configured upload limit in bytes.
func (r *Receiver) MaxFileSize() int64 { return r.maxSize }

// AllowedExtensions returns the allow-list without dots.
func (r *Receiver) AllowedExtensions() []string {
	out := make([]string, 0, len(r.allowed))
	for ext := range r.allowed {
		out = append(out, ext)
	}
	return out
}

// Allowed reports whether filename carries an allow-listed extension.
func (r *Receiver) Allowed(filename string) bool {
	ext := Extension(filename)
	if ext == "" {
		return false
	}
	_, ok := r.allowed[ext]
	return ok
}

// Receive copies body into the storage directory. The extension is checked
// before anything is read. Bytes go to a ".part" file that is renamed into
// place only after the whole stream was accepted; on any failure the part
// file is removed and a nil asset is returned.
func (r *Receiver) Receive(ctx context.Context, body io.Reader, filename string) (*Asset, error) {
	base := baseName(filename)
	if !r.Allowed(base) {
		r.reject(ctx, CodeInvalidFileType)
		r.log.Warn("rejected upload extension", slog.String("filename", filename))
		return nil, &ValidationError{Code: CodeInvalidFileType, Filename: filename, Reason: "file type not allowed"}
	}

	f, name, err := r.createPart(base)
	if err != nil {
		r.reject(ctx, "io")
		return nil, &IOError{Op: "create", Err: err}
	}
	partPath := f.Name()
	finalPath := filepath.Join(r.dir, name)

	committed := false
	closed := false
	defer func() {
		if committed {
			return
		}
		if !closed {
			_ = f.Close()
		}
		if err := os.Remove(partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Error("failed to remove partial upload", slog.String("path", partPath), slog.String("error", err.Error()))
		}
	}()

	buf := make([]byte, r.bufSize)
	var total int64
	nextProgress := int64(progressStep)
	for {
		if err := ctx.Err(); err != nil {
			r.reject(ctx, "cancelled")
			return nil, &IOError{Op: "receive", Err: err}
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > r.maxSize {
				r.reject(ctx, CodeFileTooLarge)
				r.log.Warn("upload exceeds size limit",
					slog.String("filename", base),
					slog.Int64("received", total),
					slog.Int64("limit", r.maxSize))
				return nil, &ValidationError{
					Code:     CodeFileTooLarge,
					Filename: filename,
					Reason:   fmt.Sprintf("file exceeds maximum size of %d bytes", r.maxSize),
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				r.reject(ctx, "io")
				return nil, &IOError{Op: "write", Err: err}
			}
			if r.bytesIn != nil {
				r.bytesIn.Add(ctx, int64(n))
			}
			if total >= nextProgress {
				r.log.Debug("upload progress", slog.String("filename", name), slog.Int64("bytes", total))
				nextProgress += progressStep
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			r.reject(ctx, "io")
			return nil, &IOError{Op: "read", Err: readErr}
		}
	}

	if total == 0 {
		r.reject(ctx, CodeFileEmpty)
		return nil, &ValidationError{Code: CodeFileEmpty, Filename: filename, Reason: "file is empty"}
	}

	closed = true
	if err := f.Close(); err != nil {
		r.reject(ctx, "io")
		return nil, &IOError{Op: "close", Err: err}
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		r.reject(ctx, "io")
		return nil, &IOError{Op: "commit", Err: err}
	}
	committed = true

	asset, err := Info(finalPath)
	if err != nil {
		_ = Delete(finalPath)
		return nil, err
	}
	r.log.Info("upload stored", slog.String("path", asset.Path), slog.Int64("size", asset.Size))
	return asset, nil
}

func (r *Receiver) reject(ctx context.Context, reason string) {
	if r.rejected != nil {
		r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// createPart opens a new part file named after the current millisecond and
// base. A collision with an existing part or final file moves the timestamp
// forward by one millisecond.
func (r *Receiver) createPart(base string) (*os.File, string, error) {
	ms := r.clock().UnixMilli()
	var lastErr error
	for i := 0; i < maxNameRetries; i++ {
		name := fmt.Sprintf("%d_%s", ms+int64(i), base)
		final := filepath.Join(r.dir, name)
		if _, err := os.Lstat(final); err == nil {
			lastErr = fs.ErrExist
			continue
		}
		f, err := os.OpenFile(final+partSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("allocate upload name for %s: %w", base, lastErr)
}

func baseName(filename string) string {
	name := strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
