// Package groq implements transcription, intent extraction, and turn
// decisions on the Groq OpenAI-compatible API: Whisper for speech to text
// and a Llama chat model in JSON mode for structured output.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/httpc"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

const (
	transcriptionURL = "https://api.groq.com/openai/v1/audio/transcriptions"
	chatURL          = "https://api.groq.com/openai/v1/chat/completions"

	defaultSTTModel = "whisper-large-v3-turbo"
	defaultLLMModel = "llama-3.3-70b-versatile"
)

// Config holds Groq client configuration.
type Config struct {
	APIKey   string
	STTModel string
	LLMModel string
	// HTTPClient overrides the shared client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the Groq API. It implements services.Transcriber,
// services.Decider, and services.IntentExtractor.
type Client struct {
	apiKey   string
	sttModel string
	llmModel string
	http     *http.Client
	log      *logger.Logger
}

// NewClient creates a Groq client with model defaults filled in.
func NewClient(cfg Config) *Client {
	if cfg.STTModel == "" {
		cfg.STTModel = defaultSTTModel
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultLLMModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.Client
	}
	return &Client{
		apiKey:   cfg.APIKey,
		sttModel: cfg.STTModel,
		llmModel: cfg.LLMModel,
		http:     cfg.HTTPClient,
		log:      logger.WithPrefix("Groq"),
	}
}

// Transcribe implements services.Transcriber via a multipart WAV upload.
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
	_ = mw.WriteField("model", c.sttModel)
	_ = mw.WriteField("language", "en")
	_ = mw.WriteField("response_format", "text")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, transcriptionURL, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrTranscriptionFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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

	text := strings.TrimSpace(string(raw))
	c.log.Info("Transcribed: %s", truncate(text, 100))
	return text, nil
}

const decisionSystemPrompt = `You are a real person making a phone call on behalf of someone. You are NOT a robot and NOT an AI assistant. You sound like a normal, warm human on the phone: contractions, short sentences, small filler phrases.

--- THE CALLER'S REQUEST ---
%s

--- CALLER DETAILS ---
Name: %s
Phone: %s
If the other party asks for any of these details, provide them truthfully.

--- HOW TO RESPOND ---
1. Short acknowledgments ("Okay.", "Thank you.", "Please hold.") with no question and no instruction mean the other side is still processing. Return "wait".
2. An automated menu listing "Press X for Y" options: pick only a digit that was explicitly offered, the one matching the request, and return "dtmf" with that digit. If none match, pick the closest or the one for a representative.
3. If told your input was not detected, say the number as a word instead of pressing it again.
4. An open greeting ("How can I help you?"): state the request naturally in one sentence.
5. Asked for specific information: give only what was asked.
6. A yes/no confirmation that matches the request: "Yes, that's correct."
7. A farewell or confirmation the task is done: return "end_call".
Never volunteer extra information. Never say you are an AI.

Return JSON:
{"action_type": "speak" | "dtmf" | "wait" | "end_call", "speech_text": "what to say (if speak)", "dtmf_digits": "digits to press (if dtmf)", "reasoning": "brief explanation"}`

type decisionPayload struct {
	ActionType string `json:"action_type"`
	SpeechText string `json:"speech_text"`
	DTMFDigits string `json:"dtmf_digits"`
	Reasoning  string `json:"reasoning"`
}

// DecideAction implements services.Decider.
func (c *Client) DecideAction(ctx context.Context, history []call.Utterance, intent call.Intent, kind call.ChannelKind) (call.Decision, error) {
	system := fmt.Sprintf(decisionSystemPrompt, intent.Summary(), intent.UserName, intent.UserPhone)

	var convo strings.Builder
	start := 0
	if len(history) > 8 {
		start = len(history) - 8
	}
	for _, u := range history[start:] {
		role := "you"
		if u.Speaker == call.SpeakerPeer {
			role = "other party"
		}
		fmt.Fprintf(&convo, "%s: %s\n", role, u.Text)
	}
	user := fmt.Sprintf("Conversation so far:\n%s\nWhat should I do next?", convo.String())

	raw, err := c.chatJSON(ctx, system, user)
	if err != nil {
		return call.Decision{}, fmt.Errorf("%w: %v", services.ErrDecisionFailed, err)
	}

	var payload decisionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return call.Decision{}, fmt.Errorf("%w: bad decision payload: %v", services.ErrDecisionFailed, err)
	}

	d := call.Decision{Reason: payload.Reasoning}
	switch payload.ActionType {
	case "speak":
		d.Type = call.ActionSpeak
		d.Text = payload.SpeechText
	case "dtmf":
		d.Type = call.ActionSignal
		d.Digits = payload.DTMFDigits
	case "wait":
		d.Type = call.ActionWait
	case "end_call":
		d.Type = call.ActionEnd
		d.EndReason = call.EndCompleted
	default:
		return call.Decision{}, fmt.Errorf("%w: unknown action %q", services.ErrDecisionFailed, payload.ActionType)
	}

	c.log.Info("Decision: %s %s", payload.ActionType, truncate(payload.SpeechText+payload.DTMFDigits, 80))
	return d, nil
}

const extractionSystemPrompt = `You are an intent extraction system for an AI phone agent. Given a user request, extract who they want to call and what they want to accomplish.

Return JSON:
{
  "target_entity": "organization or person to call (string or null)",
  "target_phone": "phone number if explicitly mentioned (string or null)",
  "task_description": "one-sentence summary of the goal (string or null)",
  "entity_name": "organization name only, without branch or city (string or null)",
  "branch": "branch or location qualifier (string or null)",
  "city": "city (string or null)",
  "contact_name": "specific person to reach (string or null)",
  "specialty": "department or specialty requested (string or null)",
  "date": "any date mentioned, original format (string or null)",
  "user_name": "string or null",
  "user_phone": "string or null"
}

Extract only what is explicitly mentioned. Use null for missing fields.`

type extractionPayload struct {
	TargetEntity    string `json:"target_entity"`
	TargetPhone     string `json:"target_phone"`
	TaskDescription string `json:"task_description"`
	EntityName      string `json:"entity_name"`
	Branch          string `json:"branch"`
	City            string `json:"city"`
	ContactName     string `json:"contact_name"`
	Specialty       string `json:"specialty"`
	Date            string `json:"date"`
	UserName        string `json:"user_name"`
	UserPhone       string `json:"user_phone"`
}

// ExtractIntent implements services.IntentExtractor.
func (c *Client) ExtractIntent(ctx context.Context, text string) (call.Intent, error) {
	if strings.TrimSpace(text) == "" {
		return call.Intent{}, fmt.Errorf("%w: empty request", services.ErrExtractionFailed)
	}

	raw, err := c.chatJSON(ctx, extractionSystemPrompt, text)
	if err != nil {
		return call.Intent{}, fmt.Errorf("%w: %v", services.ErrExtractionFailed, err)
	}

	var payload extractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return call.Intent{}, fmt.Errorf("%w: bad extraction payload: %v", services.ErrExtractionFailed, err)
	}

	it := call.Intent{
		TargetEntity:    payload.TargetEntity,
		TargetPhone:     payload.TargetPhone,
		TaskDescription: payload.TaskDescription,
		UserName:        payload.UserName,
		UserPhone:       payload.UserPhone,
		Slots:           map[string]string{},
	}
	for key, val := range map[string]string{
		"entity_name":  payload.EntityName,
		"branch":       payload.Branch,
		"city":         payload.City,
		"contact_name": payload.ContactName,
		"specialty":    payload.Specialty,
		"date":         payload.Date,
	} {
		if val != "" {
			it.Slots[key] = val
		}
	}
	return it, nil
}

// chatJSON runs one JSON-mode chat completion and returns the raw JSON
// object from the assistant, with a brace-extraction fallback for models
// that wrap the object in prose.
func (c *Client) chatJSON(ctx context.Context, system, user string) ([]byte, error) {
	reqBody := map[string]interface{}{
		"model": c.llmModel,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     0.1,
		"max_tokens":      1024,
		"response_format": map[string]string{"type": "json_object"},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var chat struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, err
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	content := strings.TrimSpace(chat.Choices[0].Message.Content)
	if json.Valid([]byte(content)) {
		return []byte(content), nil
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		candidate := content[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, fmt.Errorf("assistant did not return JSON: %s", truncate(content, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
