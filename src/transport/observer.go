package transport

import (
	"encoding/base64"
	"sync"

	"github.com/square-key-labs/dialgo/src/logger"
)

// ObserverConn writes JSON frames to the observer client. Satisfied by the
// server's websocket connection.
type ObserverConn interface {
	WriteJSON(v interface{}) error
}

// observerMessage is one typed frame on the observer channel.
type observerMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	AudioB64  string `json:"audio_b64,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// Observer is the output-only control channel for the browser client. All
// writes are best-effort: an unreachable observer degrades reporting but
// never a call in progress. Readiness and completion frames go out at most
// once for the life of the observer.
type Observer struct {
	log *logger.Logger

	mu   sync.Mutex
	conn ObserverConn

	readyOnce    sync.Once
	completeOnce sync.Once
}

// NewObserver wraps an observer connection. conn may be nil; every send is
// then a no-op.
func NewObserver(conn ObserverConn) *Observer {
	return &Observer{
		log:  logger.WithPrefix("Observer"),
		conn: conn,
	}
}

// SendStatus reports a call lifecycle phase change.
func (o *Observer) SendStatus(status, message string) {
	o.send(observerMessage{Type: "call_status", Status: status, Message: message})
}

// SendTranscript reports one finalized utterance.
func (o *Observer) SendTranscript(speaker, text string) {
	o.send(observerMessage{Type: "transcript", Speaker: speaker, Text: text})
}

// SendCallTurn reports a completed turn, optionally with playback audio
// for the browser.
func (o *Observer) SendCallTurn(turn int, mp3 []byte) {
	msg := observerMessage{Type: "call_turn", Turn: turn}
	if len(mp3) > 0 {
		msg.AudioB64 = base64.StdEncoding.EncodeToString(mp3)
	}
	o.send(msg)
}

// SendReady tells the observer the session accepts a call request. At most
// one readiness frame is ever sent.
func (o *Observer) SendReady(sessionID, mode string) {
	o.readyOnce.Do(func() {
		o.send(observerMessage{Type: "ready_for_call", SessionID: sessionID, Mode: mode})
	})
}

// SendComplete reports the terminal outcome. At most one completion frame
// is ever sent, whatever path ended the call.
func (o *Observer) SendComplete(summary, reason string) {
	o.completeOnce.Do(func() {
		o.send(observerMessage{Type: "call_complete", Summary: summary, Reason: reason})
	})
}

// SendError reports a recoverable fault to the observer.
func (o *Observer) SendError(message string) {
	o.send(observerMessage{Type: "error", Message: message})
}

// Detach drops the connection; subsequent sends become no-ops.
func (o *Observer) Detach() {
	o.mu.Lock()
	o.conn = nil
	o.mu.Unlock()
}

func (o *Observer) send(msg observerMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return
	}
	if err := o.conn.WriteJSON(msg); err != nil {
		o.log.Warn("Observer write failed, detaching: %v", err)
		o.conn = nil
	}
}
