// Package transport normalizes the three call channels (telephony media
// stream, synthetic peer socket, observer socket) into one internal event
// model consumed by the turn orchestrator.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/square-key-labs/dialgo/src/call"
)

// Errors surfaced at the adapter boundary.
var (
	// ErrClosed is returned by Send once the channel has gone away.
	ErrClosed = errors.New("transport: channel closed")
	// ErrUnsupportedSignal is returned when digits are sent on a channel
	// that has no signaling primitive.
	ErrUnsupportedSignal = errors.New("transport: channel does not support digit signaling")
)

// EventKind discriminates the events an adapter emits.
type EventKind int

const (
	// EventUtterance carries one finalized inbound utterance.
	EventUtterance EventKind = iota
	// EventConnState reports the channel connecting or dropping.
	EventConnState
	// EventError reports a transport fault that did not close the channel.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventUtterance:
		return "utterance"
	case EventConnState:
		return "conn_state"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnState is the reported connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Inbound is one finalized unit of peer speech. The telephony adapter
// fills Audio (mulaw); the synthetic adapter delivers already-final Text.
type Inbound struct {
	Audio []byte
	Text  string
	At    time.Time
}

// Event is the single normalized message type flowing from an adapter to
// the orchestrator's per-session queue.
type Event struct {
	Kind      EventKind
	Utterance *Inbound
	ConnState ConnState
	Err       error
	At        time.Time
}

// Outbound is what the orchestrator sends out through an adapter. The
// telephony adapter plays Audio into the call; the synthetic adapter
// forwards Text.
type Outbound struct {
	Text  string
	Audio []byte
}

// Adapter is the one interface the orchestrator talks to a channel
// through. Implementations must never panic past this boundary: channel
// closure at any point surfaces as an EventConnState(Disconnected).
type Adapter interface {
	// Kind reports which channel this adapter carries.
	Kind() call.ChannelKind

	// Send delivers one outbound frame. Blocks until the frame has been
	// written (and, for audio, paced out), or ctx expires.
	Send(ctx context.Context, out Outbound) error

	// SendDigits plays a touch-tone digit sequence. Returns
	// ErrUnsupportedSignal on channels without the primitive.
	SendDigits(ctx context.Context, digits string) error

	// Events is the ordered stream of normalized inbound events. Closed
	// when the adapter shuts down.
	Events() <-chan Event

	// Close tears the channel down. Idempotent.
	Close() error
}
