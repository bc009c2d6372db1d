// Package sarvam implements speech to text on the Sarvam AI API, selected
// over Groq Whisper when calls are expected in Indian languages.
package sarvam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/square-key-labs/dialgo/src/httpc"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

const (
	transcriptionURL = "https://api.sarvam.ai/speech-to-text"

	defaultModel = "saarika:v2.5"
)

// Config holds Sarvam client configuration.
type Config struct {
	APIKey string
	Model  string
	// HTTPClient overrides the shared client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the Sarvam API. It implements services.Transcriber.
type Client struct {
	apiKey string
	model  string
	http   *http.Client
	log    *logger.Logger
}

// NewClient creates a Sarvam client with the model default filled in.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.Client
	}
	return &Client{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		http:   cfg.HTTPClient,
		log:    logger.WithPrefix("Sarvam"),
	}
}

type transcriptionResponse struct {
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}

// Transcribe implements services.Transcriber via a multipart WAV upload.
// The language code "unknown" lets the API detect the spoken language.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("%w: empty audio", services.ErrTranscriptionFailed)
	}
	if len(wav) > services.MaxTranscribeBytes {
		return "", fmt.Errorf("%w: payload too large (%d bytes)", services.ErrTranscriptionFailed, len(wav))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	_ = mw.WriteField("model", c.model)
	_ = mw.WriteField("language_code", "unknown")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, transcriptionURL, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	req.Header.Set("api-subscription-key", c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", services.ErrTranscriptionFailed, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: bad response payload: %v", services.ErrTranscriptionFailed, err)
	}

	text := strings.TrimSpace(parsed.Transcript)
	c.log.Info("Transcribed (%s): %s", parsed.LanguageCode, truncate(text, 100))
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
