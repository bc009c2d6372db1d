package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/config"
	"github.com/square-key-labs/dialgo/src/services"
	"github.com/square-key-labs/dialgo/src/session"
	"github.com/square-key-labs/dialgo/src/transport"
)

type fakeAdapter struct {
	kind      call.ChannelKind
	events    chan transport.Event
	digitsErr error

	mu     sync.Mutex
	sends  []transport.Outbound
	digits []string
	closed bool
}

func newFakeAdapter(kind call.ChannelKind) *fakeAdapter {
	return &fakeAdapter{kind: kind, events: make(chan transport.Event, 16)}
}

func (a *fakeAdapter) Kind() call.ChannelKind { return a.kind }

func (a *fakeAdapter) Send(_ context.Context, out transport.Outbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, out)
	return nil
}

func (a *fakeAdapter) SendDigits(_ context.Context, digits string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.digitsErr != nil {
		return a.digitsErr
	}
	a.digits = append(a.digits, digits)
	return nil
}

func (a *fakeAdapter) Events() <-chan transport.Event { return a.events }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) sent() []transport.Outbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Outbound(nil), a.sends...)
}

func (a *fakeAdapter) pushText(text string) {
	a.events <- transport.Event{
		Kind:      transport.EventUtterance,
		Utterance: &transport.Inbound{Text: text, At: time.Now()},
		At:        time.Now(),
	}
}

func (a *fakeAdapter) pushAudio(mulaw []byte) {
	a.events <- transport.Event{
		Kind:      transport.EventUtterance,
		Utterance: &transport.Inbound{Audio: mulaw, At: time.Now()},
		At:        time.Now(),
	}
}

type deciderStep struct {
	d   call.Decision
	err error
}

type fakeDecider struct {
	mu    sync.Mutex
	steps []deciderStep
	calls int
}

func (f *fakeDecider) DecideAction(_ context.Context, _ []call.Utterance, _ call.Intent, _ call.ChannelKind) (call.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return call.Wait("script exhausted"), nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.d, s.err
}

func (f *fakeDecider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(wav) == 0 {
		return "", services.ErrTranscriptionFailed
	}
	return f.text, f.err
}

type fakeSynth struct {
	errOn map[services.AudioEncoding]error
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, enc services.AudioEncoding) ([]byte, error) {
	if err := f.errOn[enc]; err != nil {
		return nil, err
	}
	return []byte(string(enc) + ":" + text), nil
}

type fakeTelephony struct {
	sms chan string
}

func (f *fakeTelephony) PlaceCall(_ context.Context, _, _ string) (string, error) {
	return "CA-test", nil
}
func (f *fakeTelephony) SendDigits(_ context.Context, _, _ string) error { return nil }
func (f *fakeTelephony) EndCall(_ context.Context, _ string) error       { return nil }
func (f *fakeTelephony) SendSummarySMS(_ context.Context, _, text string) error {
	if f.sms != nil {
		f.sms <- text
	}
	return nil
}

// obsRecorder captures observer frames as loose maps so tests can assert
// on frame types without reaching into the transport package's wire
// structs.
type obsRecorder struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (r *obsRecorder) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, m)
	r.mu.Unlock()
	return nil
}

func (r *obsRecorder) byType(typ string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range r.frames {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func testTurnSettings() config.TurnSettings {
	return config.TurnSettings{
		SilenceTimeout:       5 * time.Second,
		SilenceRetryCap:      3,
		NudgePrompt:          "Hello? Are you still there?",
		CapabilityFailureCap: 3,
		CapabilityTimeout:    time.Second,
		DrainTimeout:         time.Second,
		EvictAfter:           time.Minute,
		StreamConnectTimeout: time.Second,
	}
}

func newTestSession(t *testing.T, kind call.ChannelKind, intent *call.Intent) (*session.Session, *fakeAdapter, *obsRecorder) {
	t.Helper()
	reg := session.NewRegistry(time.Minute)
	sess, err := reg.Create(kind, intent)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	adapter := newFakeAdapter(kind)
	obs := &obsRecorder{}
	sess.SetAdapter(adapter)
	sess.Observer = transport.NewObserver(obs)
	sess.Apply(session.EventIntentReady)
	return sess, adapter, obs
}

func TestRunSyntheticCompletes(t *testing.T) {
	intent := &call.Intent{TargetEntity: "City Clinic", TaskDescription: "book an appointment"}
	sess, adapter, obs := newTestSession(t, call.ChannelSynthetic, intent)

	decider := &fakeDecider{steps: []deciderStep{
		{d: call.Decision{Type: call.ActionSpeak, Text: "Hi, I'd like to book an appointment."}},
		{d: call.End(call.EndCompleted)},
	}}
	o := New(nil, decider, &fakeSynth{}, nil, testTurnSettings())

	adapter.pushText("City Clinic, how can I help you?")
	adapter.pushText("You're all booked. Goodbye!")

	o.Run(context.Background(), sess)

	if sess.Phase() != session.PhaseClosed {
		t.Errorf("phase = %s, want closed", sess.Phase())
	}
	if sess.Turns() != 1 {
		t.Errorf("turns = %d, want 1", sess.Turns())
	}
	sends := adapter.sent()
	if len(sends) != 1 || sends[0].Text != "Hi, I'd like to book an appointment." {
		t.Errorf("sends = %+v", sends)
	}
	if got := len(sess.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}

	complete := obs.byType("call_complete")
	if len(complete) != 1 {
		t.Fatalf("complete frames = %d, want 1", len(complete))
	}
	if complete[0]["reason"] != string(call.EndCompleted) {
		t.Errorf("reason = %v", complete[0]["reason"])
	}
	if !adapter.closed {
		t.Error("adapter not closed")
	}
}

func TestRunSilenceExhausted(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelSynthetic, &call.Intent{})

	turn := testTurnSettings()
	turn.SilenceTimeout = 20 * time.Millisecond
	turn.SilenceRetryCap = 2
	o := New(nil, &fakeDecider{}, nil, nil, turn)

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), sess)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call loop did not end on silence")
	}

	complete := obs.byType("call_complete")
	if len(complete) != 1 || complete[0]["reason"] != string(call.EndSilenceExhausted) {
		t.Fatalf("complete frames = %+v", complete)
	}
	// Two nudges go out before the third silent round ends the call.
	if got := len(adapter.sent()); got != 2 {
		t.Errorf("nudges sent = %d, want 2", got)
	}
	if sess.Turns() != 0 {
		t.Errorf("nudges counted as turns: %d", sess.Turns())
	}
}

func TestRunSkipsShortTranscript(t *testing.T) {
	sess, adapter, _ := newTestSession(t, call.ChannelSynthetic, &call.Intent{})

	decider := &fakeDecider{steps: []deciderStep{{d: call.End(call.EndCompleted)}}}
	o := New(nil, decider, nil, nil, testTurnSettings())

	adapter.pushText("  a  ")
	adapter.pushText("Sorry, could you repeat that?")

	o.Run(context.Background(), sess)

	if got := decider.callCount(); got != 1 {
		t.Errorf("decider calls = %d, want 1 (short transcript must be skipped)", got)
	}
	if got := len(sess.History()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

func TestRunCapabilityExhausted(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelSynthetic, &call.Intent{})

	turn := testTurnSettings()
	turn.CapabilityFailureCap = 2
	decider := &fakeDecider{steps: []deciderStep{
		{err: fmt.Errorf("%w: model overloaded", services.ErrDecisionFailed)},
		{err: fmt.Errorf("%w: model overloaded", services.ErrDecisionFailed)},
	}}
	o := New(nil, decider, nil, nil, turn)

	adapter.pushText("Hello, who is this?")
	adapter.pushText("Hello? Anyone there?")

	o.Run(context.Background(), sess)

	complete := obs.byType("call_complete")
	if len(complete) != 1 || complete[0]["reason"] != string(call.EndCapabilityExhausted) {
		t.Fatalf("complete frames = %+v", complete)
	}
}

func TestRunPeerHangup(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelSynthetic, &call.Intent{})
	o := New(nil, &fakeDecider{}, nil, nil, testTurnSettings())

	adapter.events <- transport.Event{Kind: transport.EventConnState, ConnState: transport.Disconnected, At: time.Now()}

	o.Run(context.Background(), sess)

	complete := obs.byType("call_complete")
	if len(complete) != 1 || complete[0]["reason"] != string(call.EndPeerHangup) {
		t.Fatalf("complete frames = %+v", complete)
	}
}

func TestRunObserverGone(t *testing.T) {
	sess, _, obs := newTestSession(t, call.ChannelSynthetic, &call.Intent{})
	o := New(nil, &fakeDecider{}, nil, nil, testTurnSettings())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Run(ctx, sess)

	complete := obs.byType("call_complete")
	if len(complete) != 1 || complete[0]["reason"] != string(call.EndObserverGone) {
		t.Fatalf("complete frames = %+v", complete)
	}
}

func TestRunTranscribesAudioUtterance(t *testing.T) {
	sess, adapter, _ := newTestSession(t, call.ChannelSynthetic, &call.Intent{})

	stt := &fakeTranscriber{text: "We close at five."}
	decider := &fakeDecider{steps: []deciderStep{{d: call.End(call.EndCompleted)}}}
	o := New(stt, decider, nil, nil, testTurnSettings())

	adapter.pushAudio(make([]byte, 3200))

	o.Run(context.Background(), sess)

	if stt.calls != 1 {
		t.Errorf("transcriber calls = %d, want 1", stt.calls)
	}
	hist := sess.History()
	if len(hist) != 1 || hist[0].Text != "We close at five." || hist[0].Speaker != call.SpeakerPeer {
		t.Errorf("history = %+v", hist)
	}
}

func TestRunSendsSummarySMS(t *testing.T) {
	intent := &call.Intent{
		TargetEntity:    "City Clinic",
		TaskDescription: "book an appointment",
		TargetPhone:     "+15550002222",
		UserPhone:       "+15550009999",
	}
	sess, adapter, _ := newTestSession(t, call.ChannelSynthetic, intent)

	tele := &fakeTelephony{sms: make(chan string, 1)}
	decider := &fakeDecider{steps: []deciderStep{{d: call.End(call.EndCompleted)}}}
	o := New(nil, decider, nil, tele, testTurnSettings())

	adapter.pushText("All done, goodbye!")
	o.Run(context.Background(), sess)

	select {
	case text := <-tele.sms:
		for _, want := range []string{"AI Phone Agent - Call Summary", "Called: City Clinic", "Task: book an appointment", "Number: +15550002222"} {
			if !strings.Contains(text, want) {
				t.Errorf("summary missing %q:\n%s", want, text)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("summary SMS never sent")
	}
}

func TestSpeakDegradesOnSynthesisFailure(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelTelephony, &call.Intent{})

	synth := &fakeSynth{errOn: map[services.AudioEncoding]error{
		services.EncodingMulaw8000: services.ErrSynthesisFailed,
	}}
	o := New(nil, &fakeDecider{}, synth, nil, testTurnSettings())

	o.speak(context.Background(), sess, "hello there", true)

	sends := adapter.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].Text != "hello there" || len(sends[0].Audio) != 0 {
		t.Errorf("degraded send = %+v, want text only", sends[0])
	}
	if len(obs.byType("error")) == 0 {
		t.Error("degradation not reported to the observer")
	}
	turns := obs.byType("call_turn")
	if len(turns) != 1 {
		t.Fatalf("turn frames = %d, want 1", len(turns))
	}
	// The observer mp3 render uses a different encoding and still works.
	if turns[0]["audio_b64"] == nil || turns[0]["audio_b64"] == "" {
		t.Error("turn frame missing observer audio")
	}
}

func TestSpeakWithoutSynthesizer(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelTelephony, &call.Intent{})
	o := New(nil, &fakeDecider{}, nil, nil, testTurnSettings())

	o.speak(context.Background(), sess, "hello there", true)

	sends := adapter.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].Text != "hello there" || len(sends[0].Audio) != 0 {
		t.Errorf("send = %+v, want text only", sends[0])
	}
	if len(obs.byType("error")) == 0 {
		t.Error("missing synthesizer not reported to the observer")
	}
}

func TestRunUnsupportedSignalWaits(t *testing.T) {
	sess, adapter, obs := newTestSession(t, call.ChannelSynthetic, &call.Intent{})
	adapter.digitsErr = fmt.Errorf("%w: no provider call", transport.ErrUnsupportedSignal)

	turn := testTurnSettings()
	turn.CapabilityFailureCap = 1
	decider := &fakeDecider{steps: []deciderStep{
		{d: call.Decision{Type: call.ActionSignal, Digits: "1"}},
		{d: call.End(call.EndCompleted)},
	}}
	o := New(nil, decider, nil, nil, turn)

	adapter.pushText("Press one for reception.")
	adapter.pushText("Reception, how can I help?")

	o.Run(context.Background(), sess)

	// The unsignalable channel waits instead of burning a failure, so
	// even a cap of one leaves the call running to completion.
	complete := obs.byType("call_complete")
	if len(complete) != 1 || complete[0]["reason"] != string(call.EndCompleted) {
		t.Fatalf("complete frames = %+v", complete)
	}
	if sess.Turns() != 0 {
		t.Errorf("failed signal counted as a turn: %d", sess.Turns())
	}
}

func TestBuildSummaryTruncatesLastResponse(t *testing.T) {
	sess, _, _ := newTestSession(t, call.ChannelSynthetic, &call.Intent{TargetEntity: "City Clinic"})
	o := New(nil, &fakeDecider{}, nil, nil, testTurnSettings())

	long := ""
	for i := 0; i < 30; i++ {
		long += "absolutely "
	}
	sess.Append(call.Utterance{Speaker: call.SpeakerPeer, Text: long})

	summary := o.buildSummary(sess)
	if !strings.Contains(summary, "...") {
		t.Errorf("long last response not truncated:\n%s", summary)
	}
	if !strings.Contains(summary, "Call completed in 0 turns.") {
		t.Errorf("summary missing turn count:\n%s", summary)
	}
}
