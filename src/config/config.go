// Package config loads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Settings holds all configuration for the phone agent.
type Settings struct {
	// Groq (STT + decision LLM)
	GroqAPIKey   string
	GroqSTTModel string
	GroqLLMModel string

	// Gemini (alternative decision LLM)
	GeminiAPIKey string
	GeminiModel  string

	// Decision provider: "groq" or "gemini"
	DeciderProvider string

	// Sarvam (alternative STT, Indian languages)
	SarvamAPIKey   string
	SarvamSTTModel string

	// STT provider: "groq" or "sarvam"
	STTProvider string

	// Deepgram TTS
	DeepgramAPIKey   string
	DeepgramTTSModel string

	// Twilio
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Synthetic peer
	PeerSimURL string

	// App
	AppHost       string
	AppPort       int
	PublicBaseURL string

	// Default user profile
	DefaultUserName  string
	DefaultUserPhone string

	// Phone directory seed (JSON object {"apollo_hospital": "+91..."})
	PhoneRegistryJSON string
	DirectoryPath     string

	// Voice activity detection tunables
	VAD VADSettings

	// Conversation loop tunables
	Turn TurnSettings
}

// VADSettings are the utterance segmentation tunables.
type VADSettings struct {
	// EnergyThreshold is the average absolute PCM amplitude below which a
	// chunk counts as silence.
	EnergyThreshold float64
	// MinRunLength is how many consecutive chunks must agree before the
	// speech/silence classification flips.
	MinRunLength int
	// Hangover is how long silence must persist after speech before an
	// utterance boundary is emitted.
	Hangover time.Duration
	// MaxUtterance forces a boundary when buffered speech exceeds it.
	MaxUtterance time.Duration
	// MinSpeechBytes is the smallest speech payload worth transcribing.
	MinSpeechBytes int
}

// TurnSettings are the orchestrator tunables.
type TurnSettings struct {
	// SilenceTimeout is how long the loop waits for an utterance before a
	// silence round is counted.
	SilenceTimeout time.Duration
	// SilenceRetryCap is the number of silence rounds before the call ends.
	SilenceRetryCap int
	// NudgePrompt is spoken after a silence timeout below the retry cap.
	NudgePrompt string
	// CapabilityFailureCap ends the call after this many consecutive
	// STT/LLM/TTS failures.
	CapabilityFailureCap int
	// CapabilityTimeout bounds every STT/LLM/TTS request.
	CapabilityTimeout time.Duration
	// DrainTimeout bounds how long a phase transition waits for an
	// in-flight decision to finish.
	DrainTimeout time.Duration
	// EvictAfter is the grace period before a terminal session is removed
	// from the registry.
	EvictAfter time.Duration
	// StreamConnectTimeout is how long dialing waits for the telephony
	// media stream to attach.
	StreamConnectTimeout time.Duration
}

// Load reads settings from the environment, applying defaults.
func Load() *Settings {
	return &Settings{
		GroqAPIKey:   os.Getenv("GROQ_API_KEY"),
		GroqSTTModel: getEnv("GROQ_STT_MODEL", "whisper-large-v3-turbo"),
		GroqLLMModel: getEnv("GROQ_LLM_MODEL", "llama-3.3-70b-versatile"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		DeciderProvider: getEnv("DECIDER_PROVIDER", "groq"),

		SarvamAPIKey:   os.Getenv("SARVAM_API_KEY"),
		SarvamSTTModel: getEnv("SARVAM_STT_MODEL", "saarika:v2.5"),

		STTProvider: getEnv("STT_PROVIDER", "groq"),

		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTTSModel: getEnv("DEEPGRAM_TTS_MODEL", "aura-asteria-en"),

		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),

		PeerSimURL: getEnv("PEER_SIM_URL", "ws://localhost:8001/ws/call"),

		AppHost:       getEnv("APP_HOST", "0.0.0.0"),
		AppPort:       getEnvInt("APP_PORT", 8000),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8000"),

		DefaultUserName:  getEnv("DEFAULT_USER_NAME", "Bala"),
		DefaultUserPhone: getEnv("DEFAULT_USER_PHONE", ""),

		PhoneRegistryJSON: getEnv("PHONE_REGISTRY", "{}"),
		DirectoryPath:     getEnv("DIRECTORY_PATH", "directory.json"),

		VAD:  DefaultVADSettings(),
		Turn: DefaultTurnSettings(),
	}
}

// DefaultVADSettings returns the default segmentation tunables.
func DefaultVADSettings() VADSettings {
	return VADSettings{
		EnergyThreshold: getEnvFloat("VAD_ENERGY_THRESHOLD", 40.0),
		MinRunLength:    getEnvInt("VAD_MIN_RUN_LENGTH", 3),
		Hangover:        getEnvDuration("VAD_HANGOVER", 2*time.Second),
		MaxUtterance:    getEnvDuration("VAD_MAX_UTTERANCE", 30*time.Second),
		MinSpeechBytes:  getEnvInt("VAD_MIN_SPEECH_BYTES", 3200),
	}
}

// DefaultTurnSettings returns the default conversation loop tunables.
func DefaultTurnSettings() TurnSettings {
	return TurnSettings{
		SilenceTimeout:       getEnvDuration("SILENCE_TIMEOUT", 45*time.Second),
		SilenceRetryCap:      getEnvInt("SILENCE_RETRY_CAP", 3),
		NudgePrompt:          getEnv("NUDGE_PROMPT", "Hello? Are you still there?"),
		CapabilityFailureCap: getEnvInt("CAPABILITY_FAILURE_CAP", 3),
		CapabilityTimeout:    getEnvDuration("CAPABILITY_TIMEOUT", 30*time.Second),
		DrainTimeout:         getEnvDuration("DRAIN_TIMEOUT", 10*time.Second),
		EvictAfter:           getEnvDuration("EVICT_AFTER", 30*time.Second),
		StreamConnectTimeout: getEnvDuration("STREAM_CONNECT_TIMEOUT", 90*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
