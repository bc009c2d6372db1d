// Package gemini implements the turn decider on the Gemini API as an
// alternative to Groq, selected with DECIDER_PROVIDER=gemini.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

const defaultModel = "gemini-2.0-flash"

// Config holds Gemini client configuration.
type Config struct {
	APIKey string
	Model  string
}

// Decider decides call actions with Gemini. It implements
// services.Decider.
type Decider struct {
	client *genai.Client
	model  string
	log    *logger.Logger
}

// NewDecider creates a Gemini decider.
func NewDecider(ctx context.Context, cfg Config) (*Decider, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Decider{
		client: client,
		model:  cfg.Model,
		log:    logger.WithPrefix("Gemini"),
	}, nil
}

const systemPrompt = `You are a real person making a phone call on behalf of someone. You are NOT a robot and NOT an AI assistant. Speak naturally and concisely, with contractions, like a warm human caller.

Rules:
1. Short acknowledgments with no question and no instruction mean the other side is still processing; return "wait".
2. An automated "Press X for Y" menu: return "dtmf" with only a digit that was explicitly offered, the one matching the request.
3. An open greeting: state the caller's request in one natural sentence.
4. Asked for specific information: give only what was asked.
5. A farewell or confirmation the task is done: return "end_call".
Never volunteer extra information. Never say you are an AI.

Respond with only a JSON object:
{"action_type": "speak" | "dtmf" | "wait" | "end_call", "speech_text": "...", "dtmf_digits": "...", "reasoning": "..."}`

type decisionPayload struct {
	ActionType string `json:"action_type"`
	SpeechText string `json:"speech_text"`
	DTMFDigits string `json:"dtmf_digits"`
	Reasoning  string `json:"reasoning"`
}

// DecideAction implements services.Decider.
func (d *Decider) DecideAction(ctx context.Context, history []call.Utterance, intent call.Intent, kind call.ChannelKind) (call.Decision, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "The caller's request:\n%s\n\nCaller name: %s\nCaller phone: %s\n\nConversation so far:\n",
		intent.Summary(), intent.UserName, intent.UserPhone)

	start := 0
	if len(history) > 8 {
		start = len(history) - 8
	}
	for _, u := range history[start:] {
		role := "you"
		if u.Speaker == call.SpeakerPeer {
			role = "other party"
		}
		fmt.Fprintf(&prompt, "%s: %s\n", role, u.Text)
	}
	prompt.WriteString("\nWhat should I do next?")

	resp, err := d.client.Models.GenerateContent(ctx, d.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       genai.Ptr[float32](0.1),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return call.Decision{}, fmt.Errorf("%w: %v", services.ErrDecisionFailed, err)
	}

	text := strings.TrimSpace(resp.Text())
	if s, e := strings.Index(text, "{"), strings.LastIndex(text, "}"); s >= 0 && e > s {
		text = text[s : e+1]
	}

	var payload decisionPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return call.Decision{}, fmt.Errorf("%w: bad decision payload: %v", services.ErrDecisionFailed, err)
	}

	dec := call.Decision{Reason: payload.Reasoning}
	switch payload.ActionType {
	case "speak":
		dec.Type = call.ActionSpeak
		dec.Text = payload.SpeechText
	case "dtmf":
		dec.Type = call.ActionSignal
		dec.Digits = payload.DTMFDigits
	case "wait":
		dec.Type = call.ActionWait
	case "end_call":
		dec.Type = call.ActionEnd
		dec.EndReason = call.EndCompleted
	default:
		return call.Decision{}, fmt.Errorf("%w: unknown action %q", services.ErrDecisionFailed, payload.ActionType)
	}

	d.log.Info("Decision: %s", payload.ActionType)
	return dec, nil
}
