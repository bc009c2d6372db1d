package sarvam

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/square-key-labs/dialgo/src/services"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func clientWith(t *testing.T, status int, body string, onReq func(*http.Request)) *Client {
	t.Helper()
	return NewClient(Config{
		APIKey: "test-key",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if onReq != nil {
				onReq(req)
			}
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(body)),
				Header:     make(http.Header),
			}, nil
		})},
	})
}

func TestTranscribe(t *testing.T) {
	var seen *http.Request
	var reqBody []byte
	c := clientWith(t, 200, `{"transcript":"  नमस्ते, सिटी क्लिनिक।  ","language_code":"hi-IN"}`, func(req *http.Request) {
		seen = req
		reqBody, _ = io.ReadAll(req.Body)
	})

	text, err := c.Transcribe(context.Background(), []byte("RIFFfakewav"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "नमस्ते, सिटी क्लिनिक।" {
		t.Errorf("text = %q", text)
	}
	if got := seen.Header.Get("api-subscription-key"); got != "test-key" {
		t.Errorf("key header = %q", got)
	}
	if !strings.HasPrefix(seen.Header.Get("Content-Type"), "multipart/form-data") {
		t.Errorf("content type = %q", seen.Header.Get("Content-Type"))
	}
	for _, want := range []string{"saarika:v2.5", "language_code", "unknown", "audio.wav"} {
		if !bytes.Contains(reqBody, []byte(want)) {
			t.Errorf("multipart body missing %q", want)
		}
	}
}

func TestTranscribeRejectsEmptyAndOversize(t *testing.T) {
	c := clientWith(t, 200, "", nil)

	if _, err := c.Transcribe(context.Background(), nil); !errors.Is(err, services.ErrTranscriptionFailed) {
		t.Errorf("empty audio err = %v", err)
	}
	big := make([]byte, services.MaxTranscribeBytes+1)
	if _, err := c.Transcribe(context.Background(), big); !errors.Is(err, services.ErrTranscriptionFailed) {
		t.Errorf("oversize audio err = %v", err)
	}
}

func TestTranscribeErrorStatus(t *testing.T) {
	c := clientWith(t, 403, `{"error":"invalid key"}`, nil)
	if _, err := c.Transcribe(context.Background(), []byte("RIFFfakewav")); !errors.Is(err, services.ErrTranscriptionFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestTranscribeBadPayload(t *testing.T) {
	c := clientWith(t, 200, "not json", nil)
	if _, err := c.Transcribe(context.Background(), []byte("RIFFfakewav")); !errors.Is(err, services.ErrTranscriptionFailed) {
		t.Errorf("err = %v", err)
	}
}
