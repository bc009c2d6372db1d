// Package services defines the narrow capability contracts the turn
// orchestrator consumes. Provider implementations live in subpackages;
// the orchestrator never depends on a concrete vendor.
package services

import (
	"context"
	"errors"

	"github.com/square-key-labs/dialgo/src/call"
)

// Capability failure sentinels. Providers wrap vendor errors with these so
// the orchestrator can apply its degradation policy without inspecting
// vendor details.
var (
	ErrTranscriptionFailed = errors.New("services: transcription failed")
	ErrDecisionFailed      = errors.New("services: decision failed")
	ErrSynthesisFailed     = errors.New("services: synthesis failed")
	ErrExtractionFailed    = errors.New("services: intent extraction failed")
)

// MaxTranscribeBytes bounds the audio payload accepted by Transcribe.
const MaxTranscribeBytes = 10 << 20

// Transcriber converts captured speech to text.
type Transcriber interface {
	// Transcribe converts a WAV payload to text. Fails with
	// ErrTranscriptionFailed on empty input, oversized input, or a
	// provider error.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Decider produces exactly one action decision per turn.
type Decider interface {
	// DecideAction returns the next decision given the conversation so
	// far. Implementations must return a valid decision or
	// ErrDecisionFailed; callers degrade a failure to WAIT.
	DecideAction(ctx context.Context, history []call.Utterance, intent call.Intent, kind call.ChannelKind) (call.Decision, error)
}

// IntentExtractor turns a free-form user request into a structured intent.
type IntentExtractor interface {
	// ExtractIntent parses the request text. Fails with
	// ErrExtractionFailed on empty text or a provider error.
	ExtractIntent(ctx context.Context, text string) (call.Intent, error)
}

// AudioEncoding selects the synthesis output format.
type AudioEncoding string

const (
	// EncodingMulaw8000 is the telephony encoding for the live channel.
	EncodingMulaw8000 AudioEncoding = "mulaw"
	// EncodingLinear16 is 16-bit PCM at 8 kHz.
	EncodingLinear16 AudioEncoding = "linear16"
	// EncodingMP3 is the playback encoding for the observer.
	EncodingMP3 AudioEncoding = "mp3"
)

// Synthesizer converts text to speech.
type Synthesizer interface {
	// Synthesize renders text in the requested encoding. Fails with
	// ErrSynthesisFailed on empty text or a provider error.
	Synthesize(ctx context.Context, text string, encoding AudioEncoding) ([]byte, error)
}

// Telephony is the provider REST surface: outbound call placement, digit
// signaling, hangup, and the summary SMS. Fire-and-forget beyond the
// returned error.
type Telephony interface {
	// PlaceCall dials the target and returns the provider call id.
	PlaceCall(ctx context.Context, targetNumber, streamURL string) (string, error)
	// SendDigits plays a touch-tone digit sequence into the call.
	SendDigits(ctx context.Context, providerCallID, digits string) error
	// EndCall hangs up the provider call.
	EndCall(ctx context.Context, providerCallID string) error
	// SendSummarySMS sends the post-call summary to the user.
	SendSummarySMS(ctx context.Context, userNumber, text string) error
}
