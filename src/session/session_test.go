package session

import (
	"context"
	"testing"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/transport"
)

func TestSessionHistory(t *testing.T) {
	s := newSession("test", call.ChannelSynthetic, nil)

	// Seq carries the turn counter at emission time, so utterances within
	// the same turn share a sequence number.
	seq := s.Append(call.Utterance{Speaker: call.SpeakerPeer, Text: "hello"})
	if seq != 0 {
		t.Errorf("first seq = %d, want 0", seq)
	}
	seq = s.Append(call.Utterance{Speaker: call.SpeakerSelf, Text: "hi there"})
	if seq != 0 {
		t.Errorf("same-turn seq = %d, want 0", seq)
	}
	s.NextTurn()
	seq = s.Append(call.Utterance{Speaker: call.SpeakerPeer, Text: "one moment"})
	if seq != 1 {
		t.Errorf("next-turn seq = %d, want 1", seq)
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d", len(hist))
	}
	if hist[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}

	// History returns a copy.
	hist[0].Text = "mutated"
	if s.History()[0].Text != "hello" {
		t.Error("history mutated through the returned slice")
	}

	if got := s.LastPeerText(); got != "one moment" {
		t.Errorf("LastPeerText = %q", got)
	}
}

func TestSessionCounters(t *testing.T) {
	s := newSession("test", call.ChannelSynthetic, nil)

	if s.NextTurn() != 1 || s.NextTurn() != 2 {
		t.Error("turn counter broken")
	}
	if s.Turns() != 2 {
		t.Errorf("Turns = %d", s.Turns())
	}

	if s.SilenceRetry() != 1 || s.SilenceRetry() != 2 {
		t.Error("silence counter broken")
	}
	s.ResetSilence()
	if s.SilenceRetry() != 1 {
		t.Error("silence counter did not reset")
	}

	if s.Failure() != 1 {
		t.Error("failure counter broken")
	}
	s.ResetFailures()
	if s.Failure() != 1 {
		t.Error("failure counter did not reset")
	}
}

type stubAdapter struct{}

func (stubAdapter) Kind() call.ChannelKind                         { return call.ChannelSynthetic }
func (stubAdapter) Send(context.Context, transport.Outbound) error { return nil }
func (stubAdapter) SendDigits(context.Context, string) error       { return nil }
func (stubAdapter) Events() <-chan transport.Event                 { return nil }
func (stubAdapter) Close() error                                   { return nil }

func TestSessionAdapterAccessors(t *testing.T) {
	s := newSession("test", call.ChannelSynthetic, nil)

	if s.Adapter() != nil {
		t.Error("adapter resolves before SetAdapter")
	}

	a := stubAdapter{}
	done := make(chan struct{})
	go func() {
		s.SetAdapter(a)
		close(done)
	}()
	<-done
	if got := s.Adapter(); got != a {
		t.Errorf("Adapter = %v", got)
	}
}
