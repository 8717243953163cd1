// Package speech holds the plain HTTP collaborators around the session
// client: text-to-speech synthesis and audio transcription. These are simple
// request/response calls with a single timeout and no correlation state.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"SamLink/internal/cache"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-success status from a speech service call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Client calls the speech services over plain HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	meter      metric.Meter
	audioCache sync.Map // cache.Key -> cache.CachedAudio
}

// NewClient creates a speech client for the service at baseURL.
func NewClient(baseURL string, logger *slog.Logger, meter metric.Meter) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		meter:      meter,
	}, nil
}

type synthesizeRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice,omitempty"`
}

// Synthesize renders text to MP3 audio. Results are cached by voice and text
// so repeated phrases do not hit the service again.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	key := cache.Key(voice, text)
	if val, ok := c.audioCache.Load(key); ok {
		cached := val.(cache.CachedAudio)
		c.logger.Info("tts cache hit", "key", key[:16])
		return cached.Data, nil
	}

	body, err := c.post(ctx, "/v1/audio/speech", synthesizeRequest{Input: text, Voice: voice})
	if err != nil {
		return nil, err
	}

	c.audioCache.Store(key, cache.CachedAudio{Data: body, Timestamp: time.Now()})
	c.logger.Info("synthesized speech", "bytes", len(body), "voice", voice)
	return body, nil
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends raw audio to the cloud transcription service and returns
// the recognized text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/audio/transcriptions", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", mimeType)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp transcribeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.Text, nil
}

// Health probes the speech service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := c.do(req); err != nil {
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if c.meter != nil {
		histogram, err := c.meter.Float64Histogram(
			"http.client.request.duration",
			metric.WithDescription("HTTP request duration in milliseconds"),
		)
		if err == nil {
			histogram.Record(req.Context(), float64(time.Since(start).Milliseconds()))
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}
