// Package twilio implements the telephony provider surface on the Twilio
// REST API: outbound call placement with a bidirectional media stream,
// digit signaling, hangup, and the post-call summary SMS.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/square-key-labs/dialgo/src/httpc"
	"github.com/square-key-labs/dialgo/src/logger"
)

const apiBase = "https://api.twilio.com/2010-04-01"

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// Config holds Twilio client configuration.
type Config struct {
	AccountSID string
	AuthToken  string
	// FromNumber is the Twilio number calls and SMS originate from.
	FromNumber string
	// CountryPrefix is prepended to bare national numbers, e.g. "+1".
	CountryPrefix string
	// HTTPClient overrides the shared client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the Twilio REST API. It implements services.Telephony.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger

	mu      sync.Mutex
	streams map[string]string // call SID -> media stream URL
}

// NewClient creates a Twilio client.
func NewClient(cfg Config) *Client {
	if cfg.CountryPrefix == "" {
		cfg.CountryPrefix = "+1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.Client
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		log:     logger.WithPrefix("Twilio"),
		streams: make(map[string]string),
	}
}

// SanitizePhone cleans a number to E.164, prepending the configured
// country prefix to bare 10-digit national numbers.
func (c *Client) SanitizePhone(number string) string {
	cleaned := nonPhoneChars.ReplaceAllString(number, "")
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	bare := strings.TrimPrefix(c.cfg.CountryPrefix, "+")
	if strings.HasPrefix(cleaned, bare) && len(cleaned) == len(bare)+10 {
		return "+" + cleaned
	}
	if len(cleaned) == 10 {
		return c.cfg.CountryPrefix + cleaned
	}
	return "+" + cleaned
}

// PlaceCall dials targetNumber with inline TwiML that opens a
// bidirectional media stream to streamURL, then keeps the call up.
func (c *Client) PlaceCall(ctx context.Context, targetNumber, streamURL string) (string, error) {
	form := url.Values{}
	form.Set("To", c.SanitizePhone(targetNumber))
	form.Set("From", c.SanitizePhone(c.cfg.FromNumber))
	form.Set("Twiml", streamTwiML(streamURL))
	form.Set("Record", "false")

	var result struct {
		SID string `json:"sid"`
	}
	if err := c.post(ctx, "/Calls.json", form, &result); err != nil {
		return "", fmt.Errorf("place call failed: %w", err)
	}

	c.mu.Lock()
	c.streams[result.SID] = streamURL
	c.mu.Unlock()

	c.log.Info("Call placed: %s -> %s", result.SID, targetNumber)
	return result.SID, nil
}

// SendDigits plays a touch-tone sequence into the live call, then
// reconnects the media stream the digit TwiML replaced.
func (c *Client) SendDigits(ctx context.Context, providerCallID, digits string) error {
	c.mu.Lock()
	streamURL := c.streams[providerCallID]
	c.mu.Unlock()
	if streamURL == "" {
		return fmt.Errorf("send digits: unknown call %s", providerCallID)
	}

	form := url.Values{}
	form.Set("Twiml", digitsTwiML(digits, streamURL))
	if err := c.post(ctx, "/Calls/"+providerCallID+".json", form, nil); err != nil {
		return fmt.Errorf("send digits failed: %w", err)
	}
	c.log.Info("Sent digits %q to call %s", digits, providerCallID)
	return nil
}

// EndCall hangs up the provider call.
func (c *Client) EndCall(ctx context.Context, providerCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	if err := c.post(ctx, "/Calls/"+providerCallID+".json", form, nil); err != nil {
		return fmt.Errorf("end call failed: %w", err)
	}

	c.mu.Lock()
	delete(c.streams, providerCallID)
	c.mu.Unlock()

	c.log.Info("Ended call %s", providerCallID)
	return nil
}

// SendSummarySMS delivers the post-call summary to the user's number.
func (c *Client) SendSummarySMS(ctx context.Context, userNumber, text string) error {
	form := url.Values{}
	form.Set("To", c.SanitizePhone(userNumber))
	form.Set("From", c.SanitizePhone(c.cfg.FromNumber))
	form.Set("Body", text)

	var result struct {
		SID string `json:"sid"`
	}
	if err := c.post(ctx, "/Messages.json", form, &result); err != nil {
		return fmt.Errorf("summary sms failed: %w", err)
	}
	c.log.Info("SMS sent to %s: %s", userNumber, result.SID)
	return nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	endpoint := apiBase + "/Accounts/" + c.cfg.AccountSID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, firstBytes(body, 200))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// streamTwiML builds the call TwiML: a bidirectional media stream plus a
// long pause so the call survives after <Connect>.
func streamTwiML(streamURL string) string {
	var b strings.Builder
	b.WriteString(`<Response><Connect><Stream url="`)
	_ = xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`"/></Connect><Pause length="3600"/></Response>`)
	return b.String()
}

// digitsTwiML plays a digit sequence and then reattaches the stream.
func digitsTwiML(digits, streamURL string) string {
	var b strings.Builder
	b.WriteString(`<Response><Play digits="`)
	_ = xml.EscapeText(&b, []byte(digits))
	b.WriteString(`"/><Connect><Stream url="`)
	_ = xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`"/></Connect><Pause length="3600"/></Response>`)
	return b.String()
}

func firstBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
