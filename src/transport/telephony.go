package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/square-key-labs/dialgo/src/audio"
	"github.com/square-key-labs/dialgo/src/audio/vad"
	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
)

// sendChunkBytes is the mulaw payload size of one outbound media message.
const sendChunkBytes = 640

// sendTailWait pads the playback pacing wait after the last chunk.
const sendTailWait = 300 * time.Millisecond

// MediaWriter writes provider media-stream messages. Satisfied by the
// websocket connection the server hands the adapter.
type MediaWriter interface {
	WriteJSON(v interface{}) error
}

// mediaMessage is the provider media-stream envelope (Twilio wire format).
type mediaMessage struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	Media          *mediaFrame `json:"media,omitempty"`
	Start          *mediaStart `json:"start,omitempty"`
	Mark           *mediaMark  `json:"mark,omitempty"`
}

type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw
}

type mediaStart struct {
	StreamSid  string `json:"streamSid"`
	CallSid    string `json:"callSid"`
	AccountSid string `json:"accountSid"`
}

type mediaMark struct {
	Name string `json:"name"`
}

// TelephonyAdapter bridges a provider bidirectional media stream into the
// normalized event model. Inbound mulaw frames run through the utterance
// segmenter; outbound audio is chunked, base64-encoded, and paced at the
// stream's real-time rate. Digit signaling goes out through the provider
// REST capability, not the media stream.
type TelephonyAdapter struct {
	seg  *vad.Segmenter
	tele services.Telephony
	log  *logger.Logger

	events chan Event
	done   chan struct{}

	mu             sync.Mutex
	writer         MediaWriter
	streamSid      string
	providerCallID string
	mediaSeq       uint64
	closed         bool

	connectedOnce sync.Once
	connected     chan struct{}
}

// NewTelephonyAdapter creates a telephony adapter with the given
// segmentation tunables. tele may be nil in tests; SendDigits then fails.
func NewTelephonyAdapter(params vad.Params, tele services.Telephony) *TelephonyAdapter {
	return &TelephonyAdapter{
		seg:       vad.NewSegmenter(params),
		tele:      tele,
		log:       logger.WithPrefix("Telephony"),
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Kind implements Adapter.
func (a *TelephonyAdapter) Kind() call.ChannelKind { return call.ChannelTelephony }

// Events implements Adapter.
func (a *TelephonyAdapter) Events() <-chan Event { return a.events }

// SetProviderCallID records the provider call id once the outbound call is
// placed, enabling digit signaling.
func (a *TelephonyAdapter) SetProviderCallID(sid string) {
	a.mu.Lock()
	a.providerCallID = sid
	a.mu.Unlock()
}

// ProviderCallID returns the provider call id, empty before the call is
// placed.
func (a *TelephonyAdapter) ProviderCallID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.providerCallID
}

// Attach hands the adapter the live media-stream connection. Called by the
// server handler before it starts pumping messages into HandleRaw.
func (a *TelephonyAdapter) Attach(w MediaWriter) {
	a.mu.Lock()
	a.writer = w
	a.mu.Unlock()
}

// Connected is closed once the provider stream has started.
func (a *TelephonyAdapter) Connected() <-chan struct{} { return a.connected }

// HandleRaw processes one raw media-stream message. Malformed frames are
// logged and dropped; they never propagate past the adapter boundary.
func (a *TelephonyAdapter) HandleRaw(data []byte) {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.log.Warn("Dropping malformed stream message: %v", err)
		return
	}

	switch msg.Event {
	case "connected":
		a.log.Debug("Stream protocol handshake complete")

	case "start":
		a.mu.Lock()
		if msg.Start != nil {
			a.streamSid = msg.Start.StreamSid
		} else {
			a.streamSid = msg.StreamSid
		}
		sid := a.streamSid
		a.mu.Unlock()
		a.log.Info("Stream started: %s", sid)
		a.connectedOnce.Do(func() { close(a.connected) })
		a.emit(Event{Kind: EventConnState, ConnState: Connected, At: time.Now()})

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			a.log.Warn("Dropping frame with bad audio payload: %v", err)
			return
		}
		now := time.Now()
		for _, seg := range a.seg.Ingest(vad.Frame{Seq: a.frameSeq(msg), Payload: payload, Arrival: now}) {
			a.emit(Event{
				Kind:      EventUtterance,
				Utterance: &Inbound{Audio: seg.Payload, At: seg.End},
				At:        seg.End,
			})
		}

	case "mark":
		if msg.Mark != nil {
			a.log.Debug("Mark received: %s", msg.Mark.Name)
		}

	case "stop":
		a.log.Info("Stream stopped")
		a.Detach(nil)

	default:
		a.log.Debug("Ignoring unknown stream event: %s", msg.Event)
	}
}

// Detach reports the media stream gone. Any buffered speech is flushed as
// a final utterance before the disconnect event.
func (a *TelephonyAdapter) Detach(err error) {
	now := time.Now()
	for _, seg := range a.seg.Flush(now) {
		a.emit(Event{
			Kind:      EventUtterance,
			Utterance: &Inbound{Audio: seg.Payload, At: seg.End},
			At:        seg.End,
		})
	}

	a.mu.Lock()
	a.writer = nil
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("Stream detached: %v", err)
	}
	a.emit(Event{Kind: EventConnState, ConnState: Disconnected, Err: err, At: now})
}

// Send implements Adapter. A clear message cancels any pending provider
// playback, then the mulaw payload goes out in fixed-size chunks followed
// by a real-time pacing wait so the next turn does not start before the
// peer has heard this one.
func (a *TelephonyAdapter) Send(ctx context.Context, out Outbound) error {
	a.mu.Lock()
	w, sid := a.writer, a.streamSid
	a.mu.Unlock()

	if w == nil || sid == "" {
		return ErrClosed
	}
	if len(out.Audio) == 0 {
		// Text-only sends are meaningless on the audio channel.
		return nil
	}

	if err := w.WriteJSON(mediaMessage{Event: "clear", StreamSid: sid}); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}

	for i := 0; i < len(out.Audio); i += sendChunkBytes {
		end := i + sendChunkBytes
		if end > len(out.Audio) {
			end = len(out.Audio)
		}
		msg := mediaMessage{
			Event:     "media",
			StreamSid: sid,
			Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(out.Audio[i:end])},
		}
		if err := w.WriteJSON(msg); err != nil {
			return fmt.Errorf("media send failed: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// mulaw at 8kHz is one byte per sample
	playback := time.Duration(len(out.Audio)) * time.Second / audio.TelephonySampleRate
	select {
	case <-time.After(playback + sendTailWait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

// SendDigits implements Adapter, delegating to the provider REST API.
// Without a provider capability or a placed call there is nothing to
// signal through, so the channel reports itself non-signalable.
func (a *TelephonyAdapter) SendDigits(ctx context.Context, digits string) error {
	a.mu.Lock()
	sid := a.providerCallID
	a.mu.Unlock()

	if a.tele == nil || sid == "" {
		return fmt.Errorf("%w: no provider call", ErrUnsupportedSignal)
	}
	return a.tele.SendDigits(ctx, sid, digits)
}

// Close implements Adapter.
func (a *TelephonyAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.writer = nil
	a.mu.Unlock()

	close(a.done)
	return nil
}

func (a *TelephonyAdapter) frameSeq(msg mediaMessage) uint64 {
	if msg.SequenceNumber != "" {
		if n, err := strconv.ParseUint(msg.SequenceNumber, 10, 64); err == nil {
			return n
		}
	}
	if msg.Media != nil && msg.Media.Chunk != "" {
		if n, err := strconv.ParseUint(msg.Media.Chunk, 10, 64); err == nil {
			return n
		}
	}
	a.mu.Lock()
	a.mediaSeq++
	n := a.mediaSeq
	a.mu.Unlock()
	return n
}

func (a *TelephonyAdapter) emit(ev Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}
