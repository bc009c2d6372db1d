package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/square-key-labs/dialgo/src/audio/vad"
	"github.com/square-key-labs/dialgo/src/config"
	"github.com/square-key-labs/dialgo/src/directory"
	"github.com/square-key-labs/dialgo/src/intent"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/orchestrator"
	"github.com/square-key-labs/dialgo/src/server"
	"github.com/square-key-labs/dialgo/src/services"
	"github.com/square-key-labs/dialgo/src/services/deepgram"
	"github.com/square-key-labs/dialgo/src/services/gemini"
	"github.com/square-key-labs/dialgo/src/services/groq"
	"github.com/square-key-labs/dialgo/src/services/sarvam"
	"github.com/square-key-labs/dialgo/src/services/twilio"
	"github.com/square-key-labs/dialgo/src/session"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("Main")

	cfg := config.Load()
	if cfg.GroqAPIKey == "" {
		log.Error("GROQ_API_KEY is required")
		os.Exit(1)
	}

	dir := directory.Load(cfg.DirectoryPath, parseSeed(cfg.PhoneRegistryJSON))

	groqClient := groq.NewClient(groq.Config{
		APIKey:   cfg.GroqAPIKey,
		STTModel: cfg.GroqSTTModel,
		LLMModel: cfg.GroqLLMModel,
	})

	var stt services.Transcriber = groqClient
	if cfg.STTProvider == "sarvam" {
		if cfg.SarvamAPIKey == "" {
			log.Error("STT_PROVIDER=sarvam requires SARVAM_API_KEY")
			os.Exit(1)
		}
		stt = sarvam.NewClient(sarvam.Config{
			APIKey: cfg.SarvamAPIKey,
			Model:  cfg.SarvamSTTModel,
		})
	}

	var decider services.Decider = groqClient
	if cfg.DeciderProvider == "gemini" {
		gd, err := gemini.NewDecider(context.Background(), gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			log.Error("Gemini decider unavailable: %v", err)
			os.Exit(1)
		}
		decider = gd
	}

	var tts services.Synthesizer
	if cfg.DeepgramAPIKey != "" {
		tts = deepgram.NewClient(deepgram.Config{
			APIKey: cfg.DeepgramAPIKey,
			Voice:  cfg.DeepgramTTSModel,
		})
	} else {
		log.Warn("DEEPGRAM_API_KEY not set, voice synthesis disabled")
	}

	var tele services.Telephony
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		tele = twilio.NewClient(twilio.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioPhoneNumber,
		})
	} else {
		log.Warn("Twilio not configured, running simulation-only")
	}

	resolver := intent.NewResolver(groqClient, dir, cfg.DefaultUserName, cfg.DefaultUserPhone)
	registry := session.NewRegistry(cfg.Turn.EvictAfter)

	orch := orchestrator.New(stt, decider, tts, tele, cfg.Turn)
	orch.StreamURL = func(sessionID string) string {
		return streamBase(cfg.PublicBaseURL) + "/telephony/stream/" + sessionID
	}

	srv := server.New(server.Deps{
		Settings: cfg,
		Turn:     cfg.Turn,
		VAD: vad.Params{
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			MinRunLength:    cfg.VAD.MinRunLength,
			Hangover:        cfg.VAD.Hangover,
			MaxUtterance:    cfg.VAD.MaxUtterance,
			MinSpeechBytes:  cfg.VAD.MinSpeechBytes,
		},
		Registry:  registry,
		Directory: dir,
		Resolver:  resolver,
		Orch:      orch,
		Telephony: tele,
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.AppHost, cfg.AppPort)
		if err := srv.Listen(addr); err != nil {
			log.Error("Server stopped: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	if err := srv.Shutdown(); err != nil {
		log.Error("Shutdown error: %v", err)
	}
}

func parseSeed(raw string) map[string]string {
	seed := map[string]string{}
	if raw == "" {
		return seed
	}
	if err := json.Unmarshal([]byte(raw), &seed); err != nil {
		logger.WithPrefix("Main").Warn("PHONE_REGISTRY is not valid JSON, ignoring")
	}
	return seed
}

// streamBase converts the public HTTP base URL to its websocket scheme.
func streamBase(base string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
