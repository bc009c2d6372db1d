// peersim is a standalone simulated phone peer. It answers calls over a
// WebSocket, walks a scripted receptionist flow (greeting, open question,
// info request, confirmation, farewell), and optionally attaches mp3
// audio for each line when a Deepgram key is configured.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/config"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
	"github.com/square-key-labs/dialgo/src/services/deepgram"
)

type callerMessage struct {
	Type   string       `json:"type"`
	Intent *call.Intent `json:"intent,omitempty"`
	Text   string       `json:"text,omitempty"`
	Digits string       `json:"digits,omitempty"`
}

type peerMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	AudioB64  string `json:"audio_b64,omitempty"`
	Expects   string `json:"expects"`
	CallEnded bool   `json:"call_ended,omitempty"`
}

// scriptStep is one receptionist line and what it waits for afterwards.
type scriptStep struct {
	speak   func(it *call.Intent) string
	expects string // "speech", "dtmf", or "none"
	ends    bool
}

var script = []scriptStep{
	{
		speak: func(it *call.Intent) string {
			return "Hello, thank you for calling. How can I help you today?"
		},
		expects: "speech",
	},
	{
		speak: func(it *call.Intent) string {
			return "Sure, I can help with that. Can I have your name and phone number, please?"
		},
		expects: "speech",
	},
	{
		speak: func(it *call.Intent) string {
			task := "your request"
			if it != nil && it.TaskDescription != "" {
				task = it.TaskDescription
			}
			return fmt.Sprintf("Got it. Just to confirm, you want to %s. Is that correct?", strings.TrimSuffix(task, "."))
		},
		expects: "speech",
	},
	{
		speak: func(it *call.Intent) string {
			return "Perfect, that's all booked for you. You'll get a confirmation shortly."
		},
		expects: "speech",
	},
	{
		speak: func(it *call.Intent) string {
			return "Thanks for calling. Have a great day. Goodbye!"
		},
		expects: "none",
		ends:    true,
	},
}

type simulator struct {
	tts services.Synthesizer
	log *logger.Logger
}

func (s *simulator) handleCall(conn *websocket.Conn) {
	defer conn.Close()
	s.log.Info("New call connected")

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var start callerMessage
	if err := json.Unmarshal(raw, &start); err != nil || start.Type != "call_start" {
		s.log.Warn("Expected call_start, closing")
		return
	}

	for i := 0; i < len(script); i++ {
		step := script[i]
		text := step.speak(start.Intent)

		msg := peerMessage{
			Type:      "peer_speech",
			Text:      text,
			Expects:   step.expects,
			CallEnded: step.ends,
		}
		if s.tts != nil {
			if mp3, err := s.synthesize(text); err == nil {
				msg.AudioB64 = base64.StdEncoding.EncodeToString(mp3)
			}
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
		s.log.Info("Peer: %s", text)

		if step.ends {
			return
		}
		if step.expects == "none" {
			continue
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				s.log.Info("Caller disconnected")
				return
			}
			var reply callerMessage
			if err := json.Unmarshal(raw, &reply); err != nil {
				s.log.Warn("Dropping malformed caller message")
				continue
			}
			if reply.Type == "call_end" {
				s.log.Info("Caller ended the call")
				return
			}
			if reply.Type == "caller_speech" {
				s.log.Info("Caller: %s", reply.Text)
			} else if reply.Type == "caller_dtmf" {
				s.log.Info("Caller pressed: %s", reply.Digits)
			}
			break
		}
	}
}

func (s *simulator) synthesize(text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.tts.Synthesize(ctx, text, services.EncodingMP3)
}

func main() {
	logger.Init()
	log := logger.WithPrefix("PeerSim")

	cfg := config.Load()
	sim := &simulator{log: log}
	if cfg.DeepgramAPIKey != "" {
		sim.tts = deepgram.NewClient(deepgram.Config{
			APIKey: cfg.DeepgramAPIKey,
			Voice:  cfg.DeepgramTTSModel,
		})
	} else {
		log.Warn("DEEPGRAM_API_KEY not set, responding without audio")
	}

	app := fiber.New(fiber.Config{
		AppName:               "peersim",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "peersim"})
	})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/call", websocket.New(sim.handleCall))

	port := getPort()
	go func() {
		log.Info("Listening on :%d", port)
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			log.Error("Server stopped: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	_ = app.Shutdown()
}

func getPort() int {
	if v := os.Getenv("PEER_SIM_PORT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 8001
}
