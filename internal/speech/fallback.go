package speech

import (
	"context"
	"errors"
	"log/slog"
)

// Errors an on-device recognizer can report.
var (
	// ErrRecognizerUnavailable means the on-device recognizer is missing or
	// temporarily unable to run.
	ErrRecognizerUnavailable = errors.New("recognizer unavailable")
	// ErrPermissionDenied means the user has not granted microphone or
	// recognition permission. Falling back to a cloud service would not
	// help and would hide the actionable error.
	ErrPermissionDenied = errors.New("recognition permission denied")
)

// Transcriber converts captured audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// FallbackPolicy decides whether a primary transcription failure should be
// retried against the cloud fallback or surfaced to the caller.
type FallbackPolicy func(err error) bool

// DefaultFallbackPolicy falls back on transient failures (recognizer
// unavailable, server-side errors) and surfaces permission errors, which the
// fallback cannot fix.
func DefaultFallbackPolicy(err error) bool {
	if errors.Is(err, ErrPermissionDenied) {
		return false
	}
	return true
}

// FallbackTranscriber tries an on-device transcriber first and consults its
// policy before retrying against the cloud service.
type FallbackTranscriber struct {
	primary  Transcriber
	fallback Transcriber
	policy   FallbackPolicy
	logger   *slog.Logger
}

// NewFallbackTranscriber wires a primary transcriber to a cloud fallback.
// A nil policy uses DefaultFallbackPolicy.
func NewFallbackTranscriber(primary, fallback Transcriber, policy FallbackPolicy, logger *slog.Logger) *FallbackTranscriber {
	if policy == nil {
		policy = DefaultFallbackPolicy
	}
	return &FallbackTranscriber{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		logger:   logger,
	}
}

// Transcribe runs the primary transcriber and falls back per policy.
func (t *FallbackTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	text, err := t.primary.Transcribe(ctx, audio, mimeType)
	if err == nil {
		return text, nil
	}
	if !t.policy(err) {
		return "", err
	}

	t.logger.Warn("primary transcription failed, falling back to cloud", "error", err)
	text, fbErr := t.fallback.Transcribe(ctx, audio, mimeType)
	if fbErr != nil {
		return "", fbErr
	}
	return text, nil
}
