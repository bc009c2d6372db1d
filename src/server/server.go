// Package server exposes the engine's HTTP and WebSocket surface: the
// contact API, the observer channel that drives intent extraction and
// call startup, and the telephony media-stream endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/square-key-labs/dialgo/src/audio/vad"
	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/config"
	"github.com/square-key-labs/dialgo/src/directory"
	"github.com/square-key-labs/dialgo/src/intent"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/orchestrator"
	"github.com/square-key-labs/dialgo/src/services"
	"github.com/square-key-labs/dialgo/src/session"
	"github.com/square-key-labs/dialgo/src/transport"
)

// Deps carries everything the server wires together.
type Deps struct {
	Settings  *config.Settings
	Turn      config.TurnSettings
	VAD       vad.Params
	Registry  *session.Registry
	Directory *directory.Directory
	Resolver  *intent.Resolver
	Orch      *orchestrator.Orchestrator
	Telephony services.Telephony
}

// Server is the fiber application fronting the call engine.
type Server struct {
	app  *fiber.App
	deps Deps
	log  *logger.Logger
}

// New builds the fiber app and its routes.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  logger.WithPrefix("Server"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "dialgo",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/contacts", s.handleListContacts)
	api.Post("/contacts", s.handleAddContact)
	api.Delete("/contacts/:key", s.handleDeleteContact)
	api.Post("/start-call/:id", s.handleStartCall)
	api.Get("/calls", s.handleListCalls)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/observer", websocket.New(s.handleObserverWS))

	app.Use("/telephony", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/telephony/stream/:id", websocket.New(s.handleStreamWS))

	s.app = app
	return s
}

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("Listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleListContacts(c *fiber.Ctx) error {
	return c.JSON(s.deps.Directory.List())
}

func (s *Server) handleAddContact(c *fiber.Ctx) error {
	var body struct {
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Category string `json:"category"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Phone) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and phone are required")
	}
	return c.Status(fiber.StatusCreated).JSON(s.deps.Directory.Add(body.Name, body.Phone, body.Category))
}

func (s *Server) handleDeleteContact(c *fiber.Ctx) error {
	if err := s.deps.Directory.Delete(c.Params("key")); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleListCalls reports every registered session keyed by id, recently
// ended ones included until the registry evicts them.
func (s *Server) handleListCalls(c *fiber.Ctx) error {
	calls := fiber.Map{}
	for _, sess := range s.deps.Registry.List() {
		entry := fiber.Map{
			"status":  sess.Phase().String(),
			"channel": string(sess.Channel),
			"turns":   sess.Turns(),
		}
		if sess.Intent != nil {
			entry["intent"] = sess.Intent.Summary()
		}
		calls[sess.ID] = entry
	}
	return c.JSON(fiber.Map{"calls": calls})
}

// handleStartCall launches the call loop for a previously prepared
// session. The observer channel learns the session id from the
// ready_for_call frame.
func (s *Server) handleStartCall(c *fiber.Ctx) error {
	id := c.Params("id")
	sess, ok := s.deps.Registry.Get(id)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	if sess.Phase() != session.PhaseIntentReady {
		return fiber.NewError(fiber.StatusConflict, "session is not ready for a call")
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), s.deps.Turn.StreamConnectTimeout)
	defer cancel()
	if err := s.attachAdapter(dialCtx, sess); err != nil {
		s.log.Error("Session %s: adapter setup failed: %v", id, err)
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	run, ok := s.deps.Registry.Acquire(id)
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "call loop already running")
	}
	go func() {
		defer s.deps.Registry.Release(id)
		s.deps.Orch.Run(context.Background(), run)
	}()

	return c.JSON(fiber.Map{"session_id": id, "status": sess.Phase().String()})
}

func (s *Server) attachAdapter(ctx context.Context, sess *session.Session) error {
	if sess.Channel == call.ChannelTelephony {
		sess.SetAdapter(transport.NewTelephonyAdapter(s.deps.VAD, s.deps.Telephony))
		return nil
	}
	a, err := transport.DialSynthetic(ctx, s.deps.Settings.PeerSimURL, sess.Intent)
	if err != nil {
		return err
	}
	sess.SetAdapter(a)
	return nil
}

// observerRequest is an inbound frame on the observer channel.
type observerRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleObserverWS owns the pre-call conversation with the browser: the
// user's request comes in as text, intent extraction and phone resolution
// run, and a session is prepared and reported back.
func (s *Server) handleObserverWS(conn *websocket.Conn) {
	obs := transport.NewObserver(conn)
	var sess *session.Session

	defer func() {
		if sess != nil {
			sess.Observer.Detach()
			if terminal, _ := sess.Terminal(); terminal || sess.Phase() == session.PhaseIntentReady {
				s.deps.Registry.Remove(sess.ID)
			}
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req observerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			obs.SendError("malformed message")
			continue
		}

		switch req.Type {
		case "user_request":
			if sess != nil {
				obs.SendError("a session is already prepared on this connection")
				continue
			}
			prepared, err := s.prepareSession(obs, req.Text)
			if err != nil {
				obs.SendError(err.Error())
				continue
			}
			sess = prepared

		default:
			s.log.Debug("Ignoring observer message type %q", req.Type)
		}
	}
}

func (s *Server) prepareSession(obs *transport.Observer, text string) (*session.Session, error) {
	it, err := s.deps.Resolver.Process(context.Background(), text)
	if err != nil {
		return nil, err
	}

	kind := call.ChannelSynthetic
	if it.TargetPhone != "" && s.deps.Telephony != nil {
		kind = call.ChannelTelephony
	}

	sess, err := s.deps.Registry.Create(kind, it)
	if err != nil {
		return nil, err
	}
	sess.Observer = obs
	sess.Apply(session.EventIntentReady)

	obs.SendReady(sess.ID, string(kind))
	obs.SendStatus(session.PhaseIntentReady.String(), "Ready to call "+displayTarget(it))
	return sess, nil
}

// handleStreamWS pumps provider media-stream frames into the session's
// telephony adapter.
func (s *Server) handleStreamWS(conn *websocket.Conn) {
	defer conn.Close()

	id := conn.Params("id")
	sess, ok := s.deps.Registry.Get(id)
	if !ok {
		s.log.Warn("Media stream for unknown session %s", id)
		return
	}
	ta, ok := sess.Adapter().(*transport.TelephonyAdapter)
	if !ok {
		s.log.Warn("Media stream for non-telephony session %s", id)
		return
	}

	ta.Attach(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// A stop event normally precedes the close, making this a
			// no-op second detach.
			ta.Detach(nil)
			return
		}
		ta.HandleRaw(data)
	}
}

func displayTarget(it *call.Intent) string {
	label := it.TargetEntity
	if label == "" {
		label = "target"
	}
	if it.TargetPhone != "" {
		label += " (" + it.TargetPhone + ")"
	}
	return label
}
