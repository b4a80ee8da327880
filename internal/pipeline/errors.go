package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// StatusClientClosedRequest is reported when the client went away.
const StatusClientClosedRequest = 499

// Error codes carried by error events and responses.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeIOFailure       = "IO_FAILURE"
	CodeEngineNotReady  = "ENGINE_NOT_READY"
	CodeInferenceError  = "INFERENCE_ERROR"
	CodeAudioLoadError  = "AUDIO_LOAD_ERROR"
	CodeCancelled       = "CANCELLED"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrInvalidArgument marks a malformed request parameter.
var ErrInvalidArgument = errors.New("invalid argument")

// Classify maps an error to the HTTP status and error code reported to
// clients.
func Classify(err error) (int, string) {
	var (
		validation *storage.ValidationError
		ioErr      *storage.IOError
		loadErr    *audio.LoadError
		inference  *stt.InferenceError
	)
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusClientClosedRequest, CodeCancelled
	case errors.As(err, &validation):
		if validation.Code == storage.CodeFileTooLarge {
			return http.StatusRequestEntityTooLarge, validation.Code
		}
		return http.StatusBadRequest, validation.Code
	case errors.Is(err, audio.ErrInvalidChunkDuration), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, stt.ErrEngineNotReady):
		return http.StatusServiceUnavailable, CodeEngineNotReady
	case errors.As(err, &loadErr):
		return http.StatusBadRequest, CodeAudioLoadError
	case errors.As(err, &inference):
		return http.StatusInternalServerError, CodeInferenceError
	case errors.As(err, &ioErr):
		return http.StatusInternalServerError, CodeIOFailure
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
