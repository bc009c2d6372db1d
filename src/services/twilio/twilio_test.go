package twilio

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSanitizePhone(t *testing.T) {
	c := NewClient(Config{CountryPrefix: "+1"})
	tests := []struct {
		in   string
		want string
	}{
		{"+15550001111", "+15550001111"},
		{"+1 (555) 000-1111", "+15550001111"},
		{"15550001111", "+15550001111"},
		{"5550001111", "+15550001111"},
		{"555-000-1111", "+15550001111"},
		{"4915512345678", "+4915512345678"},
	}
	for _, tt := range tests {
		if got := c.SanitizePhone(tt.in); got != tt.want {
			t.Errorf("SanitizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizePhoneOtherPrefix(t *testing.T) {
	c := NewClient(Config{CountryPrefix: "+91"})
	if got := c.SanitizePhone("9876543210"); got != "+919876543210" {
		t.Errorf("SanitizePhone = %q", got)
	}
	if got := c.SanitizePhone("919876543210"); got != "+919876543210" {
		t.Errorf("SanitizePhone with prefix digits = %q", got)
	}
}

func TestStreamTwiML(t *testing.T) {
	got := streamTwiML("wss://example.com/telephony/stream/abc?x=1&y=2")
	if !strings.Contains(got, `<Connect><Stream url="wss://example.com/telephony/stream/abc?x=1&amp;y=2"/></Connect>`) {
		t.Errorf("stream TwiML = %s", got)
	}
	if !strings.Contains(got, `<Pause length="3600"/>`) {
		t.Errorf("missing keepalive pause: %s", got)
	}
}

func TestDigitsTwiML(t *testing.T) {
	got := digitsTwiML("1w2", "wss://example.com/stream")
	if !strings.HasPrefix(got, `<Response><Play digits="1w2"/>`) {
		t.Errorf("digits TwiML = %s", got)
	}
	if !strings.Contains(got, `<Stream url="wss://example.com/stream"/>`) {
		t.Errorf("digit TwiML must reattach the stream: %s", got)
	}
}

// roundTripFunc lets tests intercept requests without a network.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func fakeHTTP(t *testing.T, status int, body string, onReq func(*http.Request)) *http.Client {
	t.Helper()
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if onReq != nil {
			onReq(req)
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	})}
}

func TestPlaceCall(t *testing.T) {
	var seen *http.Request
	var form string
	client := NewClient(Config{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550009999",
		HTTPClient: fakeHTTP(t, 201, `{"sid":"CA456"}`, func(req *http.Request) {
			seen = req
			raw, _ := io.ReadAll(req.Body)
			form = string(raw)
		}),
	})

	sid, err := client.PlaceCall(context.Background(), "5550001111", "wss://example.com/stream/s1")
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if sid != "CA456" {
		t.Errorf("sid = %q", sid)
	}
	if !strings.Contains(seen.URL.Path, "/Accounts/AC123/Calls.json") {
		t.Errorf("url = %s", seen.URL)
	}
	if user, pass, _ := seen.BasicAuth(); user != "AC123" || pass != "secret" {
		t.Error("basic auth not set")
	}
	for _, want := range []string{"To=%2B15550001111", "From=%2B15550009999", "Record=false"} {
		if !strings.Contains(form, want) {
			t.Errorf("form missing %q: %s", want, form)
		}
	}
}

func TestSendDigitsRequiresKnownCall(t *testing.T) {
	client := NewClient(Config{AccountSID: "AC123", HTTPClient: fakeHTTP(t, 200, `{}`, nil)})
	if err := client.SendDigits(context.Background(), "CA-unknown", "1"); err == nil {
		t.Error("digits to an unplaced call succeeded")
	}
}

func TestEndCallSetsCompleted(t *testing.T) {
	var form string
	client := NewClient(Config{
		AccountSID: "AC123",
		HTTPClient: fakeHTTP(t, 200, `{}`, func(req *http.Request) {
			raw, _ := io.ReadAll(req.Body)
			form = string(raw)
		}),
	})
	if err := client.EndCall(context.Background(), "CA456"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if !strings.Contains(form, "Status=completed") {
		t.Errorf("form = %s", form)
	}
}

func TestPostErrorStatus(t *testing.T) {
	client := NewClient(Config{
		AccountSID: "AC123",
		HTTPClient: fakeHTTP(t, 401, `{"message":"authentication failed"}`, nil),
	})
	err := client.SendSummarySMS(context.Background(), "+15550001111", "hello")
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("err = %v", err)
	}
}
