// Package deepgram implements speech synthesis on the Deepgram Aura
// speak endpoint. Groq has no TTS, so the voice side lives here.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/square-key-labs/dialgo/src/audio"
	"github.com/square-key-labs/dialgo/src/httpc"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

const speakURL = "https://api.deepgram.com/v1/speak"

const defaultVoice = "aura-asteria-en"

// Config holds Deepgram client configuration.
type Config struct {
	APIKey string
	// Voice selects the Aura voice model, e.g. "aura-asteria-en".
	Voice string
	// HTTPClient overrides the shared client, mainly for tests.
	HTTPClient *http.Client
}

// Client synthesizes speech with Deepgram Aura. It implements
// services.Synthesizer.
type Client struct {
	apiKey string
	voice  string
	http   *http.Client
	log    *logger.Logger
}

// NewClient creates a Deepgram TTS client.
func NewClient(cfg Config) *Client {
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.Client
	}
	return &Client{
		apiKey: cfg.APIKey,
		voice:  cfg.Voice,
		http:   cfg.HTTPClient,
		log:    logger.WithPrefix("Deepgram"),
	}
}

// Synthesize implements services.Synthesizer. Telephony encodings pin the
// sample rate to 8 kHz; mp3 lets Deepgram pick.
func (c *Client) Synthesize(ctx context.Context, text string, encoding services.AudioEncoding) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", services.ErrSynthesisFailed)
	}

	params := url.Values{}
	params.Set("model", c.voice)
	switch encoding {
	case services.EncodingMulaw8000:
		params.Set("encoding", "mulaw")
		params.Set("sample_rate", strconv.Itoa(audio.TelephonySampleRate))
	case services.EncodingLinear16:
		params.Set("encoding", "linear16")
		params.Set("sample_rate", strconv.Itoa(audio.TelephonySampleRate))
	case services.EncodingMP3:
		params.Set("encoding", "mp3")
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", services.ErrSynthesisFailed, encoding)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrSynthesisFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speakURL+"?"+params.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrSynthesisFailed, err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrSynthesisFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrSynthesisFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", services.ErrSynthesisFailed, resp.StatusCode, firstBytes(raw, 200))
	}

	c.log.Debug("Synthesized %d bytes (%s)", len(raw), encoding)
	return raw, nil
}

func firstBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
