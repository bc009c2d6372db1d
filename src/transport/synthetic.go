package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/logger"
)

const syntheticDialTimeout = 10 * time.Second

// peerOutbound is a message to the synthetic peer service.
type peerOutbound struct {
	Type   string       `json:"type"`
	Intent *call.Intent `json:"intent,omitempty"`
	Text   string       `json:"text,omitempty"`
	Digits string       `json:"digits,omitempty"`
}

// peerInbound is a message from the synthetic peer service.
type peerInbound struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	AudioB64  string `json:"audio_b64,omitempty"`
	Expects   string `json:"expects,omitempty"`
	CallEnded bool   `json:"call_ended,omitempty"`
}

// SyntheticAdapter speaks the JSON peer-simulation protocol over a client
// websocket. Inbound peer turns arrive with final text already attached, so
// no segmentation or transcription happens on this channel.
type SyntheticAdapter struct {
	log    *logger.Logger
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// DialSynthetic connects to the peer simulator and announces the call.
func DialSynthetic(ctx context.Context, url string, intent *call.Intent) (*SyntheticAdapter, error) {
	dialer := websocket.Dialer{HandshakeTimeout: syntheticDialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("synthetic peer dial failed: %w", err)
	}

	a := &SyntheticAdapter{
		log:    logger.WithPrefix("Synthetic"),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		conn:   conn,
	}

	if err := a.write(peerOutbound{Type: "call_start", Intent: intent}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("synthetic call_start failed: %w", err)
	}

	go a.readLoop()
	a.emit(Event{Kind: EventConnState, ConnState: Connected, At: time.Now()})
	return a, nil
}

// Kind implements Adapter.
func (a *SyntheticAdapter) Kind() call.ChannelKind { return call.ChannelSynthetic }

// Events implements Adapter.
func (a *SyntheticAdapter) Events() <-chan Event { return a.events }

// Send implements Adapter. Only the text matters to the simulator; audio
// is carried for observer playback and dropped here.
func (a *SyntheticAdapter) Send(ctx context.Context, out Outbound) error {
	if out.Text == "" {
		return nil
	}
	return a.write(peerOutbound{Type: "caller_speech", Text: out.Text})
}

// SendDigits implements Adapter.
func (a *SyntheticAdapter) SendDigits(ctx context.Context, digits string) error {
	return a.write(peerOutbound{Type: "caller_dtmf", Digits: digits})
}

// Close implements Adapter. A best-effort call_end tells the simulator the
// call is over before the socket drops.
func (a *SyntheticAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(peerOutbound{Type: "call_end"})
		_ = conn.Close()
	}
	close(a.done)
	return nil
}

func (a *SyntheticAdapter) readLoop() {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.log.Warn("Peer connection lost: %v", err)
				a.emit(Event{Kind: EventConnState, ConnState: Disconnected, Err: err, At: time.Now()})
			}
			return
		}

		var msg peerInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Warn("Dropping malformed peer message: %v", err)
			continue
		}

		switch msg.Type {
		case "peer_speech":
			now := time.Now()
			var pcm []byte
			if msg.AudioB64 != "" {
				if decoded, err := base64.StdEncoding.DecodeString(msg.AudioB64); err == nil {
					pcm = decoded
				} else {
					a.log.Warn("Dropping bad peer audio payload: %v", err)
				}
			}
			if msg.Text != "" || len(pcm) > 0 {
				a.emit(Event{
					Kind:      EventUtterance,
					Utterance: &Inbound{Text: msg.Text, Audio: pcm, At: now},
					At:        now,
				})
			}
			if msg.CallEnded {
				a.log.Info("Peer ended the call")
				a.emit(Event{Kind: EventConnState, ConnState: Disconnected, At: time.Now()})
				return
			}

		default:
			a.log.Debug("Ignoring unknown peer message: %s", msg.Type)
		}
	}
}

func (a *SyntheticAdapter) write(msg peerOutbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.conn == nil {
		return ErrClosed
	}
	return a.conn.WriteJSON(msg)
}

func (a *SyntheticAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}
