// Package orchestrator drives one call end to end: dialing, the
// turn-taking loop over the transport adapter, degradation when a
// capability fails, and terminal reporting. The loop is a single
// goroutine per session, so utterances are processed in arrival order
// with at most one decision in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/square-key-labs/dialgo/src/audio"
	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/config"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/services"
	"github.com/square-key-labs/dialgo/src/session"
	"github.com/square-key-labs/dialgo/src/transport"
)

// Orchestrator runs call sessions. Telephony is optional; synthetic-only
// deployments leave it nil.
type Orchestrator struct {
	stt     services.Transcriber
	decider services.Decider
	tts     services.Synthesizer
	tele    services.Telephony
	turn    config.TurnSettings
	log     *logger.Logger

	// StreamURL builds the media-stream websocket URL for a session id.
	StreamURL func(sessionID string) string
}

// New creates an orchestrator over the given capabilities.
func New(stt services.Transcriber, decider services.Decider, tts services.Synthesizer, tele services.Telephony, turn config.TurnSettings) *Orchestrator {
	return &Orchestrator{
		stt:     stt,
		decider: decider,
		tts:     tts,
		tele:    tele,
		turn:    turn,
		log:     logger.WithPrefix("Orchestrator"),
	}
}

// Run drives the session to a terminal phase. The caller must hold the
// registry run-lock for the session.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session) {
	defer func() {
		if terminal, _ := sess.Terminal(); !terminal {
			o.fail(sess, "call loop exited unexpectedly")
		}
	}()

	if err := o.establish(ctx, sess); err != nil {
		o.log.Error("Session %s: %v", sess.ID, err)
		o.fail(sess, err.Error())
		return
	}

	sess.Apply(session.EventActivate)
	sess.Observer.SendStatus(session.PhaseActive.String(), "Call in progress")

	o.loop(ctx, sess)
}

// establish brings the session from intent-ready to connected. Telephony
// dials out and waits for the media stream; the synthetic channel is
// connected the moment its socket is up.
func (o *Orchestrator) establish(ctx context.Context, sess *session.Session) error {
	if sess.Channel == call.ChannelSynthetic {
		sess.Apply(session.EventEstablished)
		sess.Observer.SendStatus(session.PhaseConnected.String(), "Simulation connected")
		return nil
	}

	ta, ok := sess.Adapter().(*transport.TelephonyAdapter)
	if !ok {
		return fmt.Errorf("telephony session without telephony adapter")
	}
	if o.tele == nil {
		return fmt.Errorf("telephony not configured")
	}
	if o.StreamURL == nil {
		return fmt.Errorf("no stream URL configured")
	}

	sess.Apply(session.EventDial)
	sess.Observer.SendStatus(session.PhaseDialing.String(), "Dialing "+sess.Intent.TargetPhone)

	sid, err := o.tele.PlaceCall(ctx, sess.Intent.TargetPhone, o.StreamURL(sess.ID))
	if err != nil {
		return fmt.Errorf("placing call: %w", err)
	}
	ta.SetProviderCallID(sid)

	sess.Apply(session.EventRing)
	sess.Observer.SendStatus(session.PhaseRinging.String(), "Waiting for the call to connect")

	select {
	case <-ta.Connected():
	case <-time.After(o.turn.StreamConnectTimeout):
		return fmt.Errorf("media stream did not connect within %s", o.turn.StreamConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	sess.Apply(session.EventEstablished)
	sess.Observer.SendStatus(session.PhaseConnected.String(), "Call connected")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, sess *session.Session) {
	silence := time.NewTimer(o.turn.SilenceTimeout)
	defer silence.Stop()
	events := sess.Adapter().Events()

	for {
		select {
		case <-ctx.Done():
			o.complete(sess, call.EndObserverGone)
			return

		case ev, ok := <-events:
			if !ok {
				o.complete(sess, call.EndPeerHangup)
				return
			}
			switch ev.Kind {
			case transport.EventUtterance:
				done := o.handleUtterance(ctx, sess, ev.Utterance)
				if done {
					return
				}
				resetTimer(silence, o.turn.SilenceTimeout)

			case transport.EventConnState:
				if ev.ConnState == transport.Disconnected {
					o.complete(sess, call.EndPeerHangup)
					return
				}

			case transport.EventError:
				o.log.Warn("Session %s: transport error: %v", sess.ID, ev.Err)
				sess.Observer.SendError(ev.Err.Error())
			}

		case <-silence.C:
			retries := sess.SilenceRetry()
			if retries > o.turn.SilenceRetryCap {
				o.log.Info("Session %s: peer silent after %d nudges, ending", sess.ID, o.turn.SilenceRetryCap)
				o.complete(sess, call.EndSilenceExhausted)
				return
			}
			o.log.Info("Session %s: silence round %d, nudging", sess.ID, retries)
			o.speak(ctx, sess, o.turn.NudgePrompt, false)
			resetTimer(silence, o.turn.SilenceTimeout)
		}
	}
}

// handleUtterance processes one finalized peer utterance through
// transcription, decision, and action. It reports whether the session
// reached a terminal phase.
func (o *Orchestrator) handleUtterance(ctx context.Context, sess *session.Session, in *transport.Inbound) bool {
	text := in.Text
	if text == "" && len(in.Audio) > 0 {
		transcribed, err := o.transcribe(ctx, in.Audio)
		if err != nil {
			o.log.Warn("Session %s: transcription failed: %v", sess.ID, err)
			sess.Observer.SendError("Could not understand the last response")
			return o.countFailure(sess)
		}
		text = transcribed
	}

	text = strings.TrimSpace(text)
	if len(text) < 2 {
		o.log.Debug("Session %s: skipping empty transcript", sess.ID)
		return false
	}

	sess.ResetSilence()
	sess.Append(call.Utterance{Speaker: call.SpeakerPeer, Text: text, Timestamp: in.At})
	sess.Observer.SendTranscript(string(call.SpeakerPeer), text)

	decision, err := o.decide(ctx, sess)
	if err != nil {
		o.log.Warn("Session %s: decision failed, waiting: %v", sess.ID, err)
		return o.countFailure(sess)
	}
	sess.ResetFailures()

	switch decision.Type {
	case call.ActionSpeak:
		o.speak(ctx, sess, decision.Text, true)

	case call.ActionSignal:
		if err := sess.Adapter().SendDigits(ctx, decision.Digits); err != nil {
			if errors.Is(err, transport.ErrUnsupportedSignal) {
				o.log.Warn("Session %s: channel cannot signal digits, waiting", sess.ID)
			} else {
				o.log.Warn("Session %s: digit send failed: %v", sess.ID, err)
				return o.countFailure(sess)
			}
		} else {
			sess.NextTurn()
		}

	case call.ActionWait:
		o.log.Debug("Session %s: waiting (%s)", sess.ID, decision.Reason)

	case call.ActionEnd:
		reason := decision.EndReason
		if reason == "" {
			reason = call.EndCompleted
		}
		o.complete(sess, reason)
		return true
	}
	return false
}

// speak renders the text on the session's channel and, separately, as mp3
// for the observer. A channel synthesis failure degrades to a text-only
// send; an observer synthesis failure only costs playback.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, text string, countTurn bool) {
	if text == "" {
		return
	}

	out := transport.Outbound{Text: text}
	if sess.Channel == call.ChannelTelephony {
		if o.tts == nil {
			o.log.Warn("Session %s: no synthesizer configured, sending text only", sess.ID)
			sess.Observer.SendError("Voice synthesis unavailable")
		} else if mulaw, err := o.synthesize(ctx, text, services.EncodingMulaw8000); err != nil {
			o.log.Warn("Session %s: channel synthesis failed, sending text only: %v", sess.ID, err)
			sess.Observer.SendError("Voice synthesis degraded")
		} else {
			out.Audio = mulaw
		}
	}

	if err := sess.Adapter().Send(ctx, out); err != nil {
		o.log.Warn("Session %s: send failed: %v", sess.ID, err)
		return
	}

	sess.Append(call.Utterance{Speaker: call.SpeakerSelf, Text: text})
	sess.Observer.SendTranscript(string(call.SpeakerSelf), text)

	var mp3 []byte
	if o.tts != nil {
		if rendered, err := o.synthesize(ctx, text, services.EncodingMP3); err == nil {
			mp3 = rendered
		} else {
			o.log.Debug("Session %s: observer audio unavailable: %v", sess.ID, err)
		}
	}
	if countTurn {
		sess.Observer.SendCallTurn(sess.NextTurn(), mp3)
	}
}

// countFailure bumps the consecutive-failure counter and ends the call
// once the cap is reached. It reports whether the session terminated.
func (o *Orchestrator) countFailure(sess *session.Session) bool {
	if sess.Failure() >= o.turn.CapabilityFailureCap {
		o.log.Error("Session %s: %d consecutive capability failures, ending", sess.ID, o.turn.CapabilityFailureCap)
		o.complete(sess, call.EndCapabilityExhausted)
		return true
	}
	return false
}

// complete drives the session to Closed: summary, fire-and-forget SMS,
// exactly one completion frame, then channel teardown.
func (o *Orchestrator) complete(sess *session.Session, reason call.EndReason) {
	if terminal, _ := sess.Terminal(); terminal {
		return
	}

	sess.Apply(session.EventCompleteRequested)
	sess.Observer.SendStatus(session.PhaseCompleting.String(), "Wrapping up the call")

	summary := o.buildSummary(sess)

	if o.tele != nil && sess.Intent != nil && sess.Intent.UserPhone != "" {
		userPhone := sess.Intent.UserPhone
		go func() {
			smsCtx, cancel := context.WithTimeout(context.Background(), o.turn.CapabilityTimeout)
			defer cancel()
			if err := o.tele.SendSummarySMS(smsCtx, userPhone, summary); err != nil {
				o.log.Warn("Session %s: summary SMS failed: %v", sess.ID, err)
			}
		}()
	}

	if ta, ok := sess.Adapter().(*transport.TelephonyAdapter); ok && o.tele != nil {
		if sid := ta.ProviderCallID(); sid != "" {
			endCtx, cancel := context.WithTimeout(context.Background(), o.turn.DrainTimeout)
			if err := o.tele.EndCall(endCtx, sid); err != nil {
				o.log.Warn("Session %s: provider hangup failed: %v", sess.ID, err)
			}
			cancel()
		}
	}
	if a := sess.Adapter(); a != nil {
		if err := a.Close(); err != nil {
			o.log.Warn("Session %s: adapter close failed: %v", sess.ID, err)
		}
	}

	sess.Apply(session.EventClosed)
	sess.Observer.SendComplete(summary, string(reason))
	sess.Observer.SendStatus(session.PhaseClosed.String(), "Call complete")
	o.log.Info("Session %s: closed (%s) after %d turns", sess.ID, reason, sess.Turns())
}

// fail moves the session to Failed and reports it once.
func (o *Orchestrator) fail(sess *session.Session, message string) {
	if terminal, _ := sess.Terminal(); terminal {
		return
	}
	sess.Apply(session.EventFailed)
	if a := sess.Adapter(); a != nil {
		_ = a.Close()
	}
	sess.Observer.SendError(message)
	sess.Observer.SendComplete("", string(call.EndFailed))
	sess.Observer.SendStatus(session.PhaseFailed.String(), message)
}

func (o *Orchestrator) buildSummary(sess *session.Session) string {
	lines := []string{"AI Phone Agent - Call Summary", ""}
	if it := sess.Intent; it != nil {
		if it.TargetEntity != "" {
			lines = append(lines, "Called: "+it.TargetEntity)
		}
		if it.TaskDescription != "" {
			lines = append(lines, "Task: "+it.TaskDescription)
		}
		if it.TargetPhone != "" {
			lines = append(lines, "Number: "+it.TargetPhone)
		}
	}
	lines = append(lines, "", fmt.Sprintf("Call completed in %d turns.", sess.Turns()))

	if last := sess.LastPeerText(); last != "" {
		if len(last) > 200 {
			last = last[:197] + "..."
		}
		lines = append(lines, "", fmt.Sprintf("Last response: %q", last))
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) transcribe(ctx context.Context, mulaw []byte) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, o.turn.CapabilityTimeout)
	defer cancel()
	return o.stt.Transcribe(tctx, audio.MulawToWAV(mulaw, audio.TelephonySampleRate))
}

func (o *Orchestrator) decide(ctx context.Context, sess *session.Session) (call.Decision, error) {
	dctx, cancel := context.WithTimeout(ctx, o.turn.CapabilityTimeout)
	defer cancel()
	return o.decider.DecideAction(dctx, sess.History(), *sess.Intent, sess.Channel)
}

func (o *Orchestrator) synthesize(ctx context.Context, text string, enc services.AudioEncoding) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, o.turn.CapabilityTimeout)
	defer cancel()
	return o.tts.Synthesize(sctx, text, enc)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
