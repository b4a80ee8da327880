package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestReceiver(t *testing.T, maxSize int64) *Receiver {
	t.Helper()
	r, err := NewReceiver(ReceiverConfig{
		Dir:               t.TempDir(),
		MaxFileSize:       maxSize,
		AllowedExtensions: []string{"wav", ".MP3"},
		ReadBufferBytes:   256,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return r
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// countingReader records how many bytes have been pulled from it.
type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

type failingReader struct {
	served int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.served > 0 {
		return 0, errors.New("connection reset")
	}
	n := copy(p, bytes.Repeat([]byte{1}, len(p)))
	f.served += n
	return n, nil
}

func TestReceiveStoresAsset(t *testing.T) {
	r := newTestReceiver(t, 1000)
	r.clock = func() time.Time { return time.UnixMilli(1700000000123) }

	asset, err := r.Receive(context.Background(), bytes.NewReader(bytes.Repeat([]byte{7}, 600)), "clip.WAV")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if asset.Name != "1700000000123_clip.WAV" {
		t.Fatalf("unexpected name %q", asset.Name)
	}
	if asset.Size != 600 || asset.Extension != "wav" {
		t.Fatalf("unexpected asset %+v", asset)
	}
	names := dirEntries(t, r.Dir())
	if len(names) != 1 || names[0] != asset.Name {
		t.Fatalf("expected only the committed file, got %v", names)
	}
}

func TestReceiveRejectsOversizeWithoutResidue(t *testing.T) {
	r := newTestReceiver(t, 1000)
	src := &countingReader{r: bytes.NewReader(bytes.Repeat([]byte{1}, 2000))}

	_, err := r.Receive(context.Background(), src, "big.wav")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeFileTooLarge {
		t.Fatalf("expected FILE_TOO_LARGE, got %v", err)
	}
	if src.read >= 2000 {
		t.Fatalf("expected receiver to stop reading early, read %d bytes", src.read)
	}
	if names := dirEntries(t, r.Dir()); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
}

func TestReceiveAcceptsExactLimit(t *testing.T) {
	r := newTestReceiver(t, 1000)
	asset, err := r.Receive(context.Background(), bytes.NewReader(make([]byte, 1000)), "edge.mp3")
	if err != nil {
		t.Fatalf("expected file at limit to be accepted: %v", err)
	}
	if asset.Size != 1000 {
		t.Fatalf("expected 1000 bytes, got %d", asset.Size)
	}
}

func TestReceiveRejectsExtensionBeforeReading(t *testing.T) {
	r := newTestReceiver(t, 1000)
	src := &countingReader{r: strings.NewReader("MZ")}

	_, err := r.Receive(context.Background(), src, "tool.exe")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeInvalidFileType {
		t.Fatalf("expected INVALID_FILE_TYPE, got %v", err)
	}
	if src.read != 0 {
		t.Fatalf("expected no bytes read, got %d", src.read)
	}
	if names := dirEntries(t, r.Dir()); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
}

func TestReceiveRejectsMissingExtension(t *testing.T) {
	r := newTestReceiver(t, 1000)
	for _, name := range []string{"", "noext", "trailing.", ".wav", "dir/.mp3"} {
		_, err := r.Receive(context.Background(), strings.NewReader("x"), name)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Code != CodeInvalidFileType {
			t.Fatalf("%q: expected INVALID_FILE_TYPE, got %v", name, err)
		}
	}
}

func TestReceiveRejectsEmpty(t *testing.T) {
	r := newTestReceiver(t, 1000)
	_, err := r.Receive(context.Background(), bytes.NewReader(nil), "quiet.wav")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeFileEmpty {
		t.Fatalf("expected FILE_EMPTY, got %v", err)
	}
	if names := dirEntries(t, r.Dir()); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
}

func TestReceiveReaderFailureRemovesPartial(t *testing.T) {
	r := newTestReceiver(t, 1<<20)
	_, err := r.Receive(context.Background(), &failingReader{}, "drop.wav")
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if names := dirEntries(t, r.Dir()); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
}

func TestReceiveCancelledContext(t *testing.T) {
	r := newTestReceiver(t, 1<<20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Receive(ctx, strings.NewReader("data"), "late.wav")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if names := dirEntries(t, r.Dir()); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
}

func TestReceiveStripsDirectoryComponents(t *testing.T) {
	r := newTestReceiver(t, 1000)
	asset, err := r.Receive(context.Background(), strings.NewReader("abc"), "../../etc/evil.wav")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !strings.HasSuffix(asset.Name, "_evil.wav") {
		t.Fatalf("expected sanitized name, got %q", asset.Name)
	}
	if !strings.HasPrefix(asset.Path, r.Dir()) {
		t.Fatalf("asset escaped storage dir: %s", asset.Path)
	}
}

func TestReceiveAvoidsNameCollision(t *testing.T) {
	r := newTestReceiver(t, 1000)
	r.clock = func() time.Time { return time.UnixMilli(42) }

	first, err := r.Receive(context.Background(), strings.NewReader("a"), "same.wav")
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	second, err := r.Receive(context.Background(), strings.NewReader("b"), "same.wav")
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if first.Name == second.Name {
		t.Fatalf("expected distinct names, both %q", first.Name)
	}
	if second.Name != "43_same.wav" {
		t.Fatalf("expected bumped timestamp, got %q", second.Name)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	if err := Delete("/nonexistent/upload.wav"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"a.WAV":          "wav",
		"archive.tar.gz": "gz",
		"none":           "",
		"dot.":           "",
		".wav":           "",
		"dir/.WAV":       "",
		".hidden.wav":    "wav",
		"dir.x/file":     "",
	}
	for in, want := range cases {
		if got := Extension(in); got != want {
			t.Fatalf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}
