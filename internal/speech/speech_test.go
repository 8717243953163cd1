package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSynthesizeCachesByVoiceAndText(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		atomic.AddInt32(&calls, 1)

		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Input != "hello world" || req.Voice != "ava" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testLogger(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	for i := 0; i < 3; i++ {
		audio, err := c.Synthesize(context.Background(), "hello world", "ava")
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if string(audio) != "mp3-bytes" {
			t.Fatalf("unexpected audio: %q", audio)
		}
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 upstream call, got %d", n)
	}
}

func TestSynthesizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "TTS failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testLogger(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.Synthesize(context.Background(), "hello", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("content-type"); ct != "audio/wav" {
			t.Fatalf("unexpected content type: %s", ct)
		}
		json.NewEncoder(w).Encode(transcribeResponse{Text: "turn on the lights"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testLogger(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	text, err := c.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "turn on the lights" {
		t.Fatalf("unexpected text: %q", text)
	}
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return s.text, s.err
}

func TestFallbackTranscriberTransientError(t *testing.T) {
	primary := &stubTranscriber{err: ErrRecognizerUnavailable}
	fallback := &stubTranscriber{text: "cloud result"}

	ft := NewFallbackTranscriber(primary, fallback, nil, testLogger())
	text, err := ft.Transcribe(context.Background(), nil, "audio/wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "cloud result" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestFallbackTranscriberPermissionErrorSurfaces(t *testing.T) {
	primary := &stubTranscriber{err: ErrPermissionDenied}
	fallback := &stubTranscriber{text: "should not be used"}

	ft := NewFallbackTranscriber(primary, fallback, nil, testLogger())
	_, err := ft.Transcribe(context.Background(), nil, "audio/wav")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error to surface, got %v", err)
	}
}

func TestFallbackTranscriberPrimarySuccess(t *testing.T) {
	primary := &stubTranscriber{text: "on device"}
	fallback := &stubTranscriber{err: errors.New("must not be called")}

	ft := NewFallbackTranscriber(primary, fallback, nil, testLogger())
	text, err := ft.Transcribe(context.Background(), nil, "audio/wav")
	if err != nil || text != "on device" {
		t.Fatalf("unexpected result: %q %v", text, err)
	}
}
