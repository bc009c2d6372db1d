// Package call defines the domain types shared across the phone agent:
// channel kinds, utterances, intents, and action decisions.
package call

import (
	"fmt"
	"time"
)

// ChannelKind identifies which kind of peer a session talks to.
type ChannelKind string

const (
	// ChannelTelephony is a real phone call carried over a provider
	// media stream.
	ChannelTelephony ChannelKind = "telephony"
	// ChannelSynthetic is a simulated peer reached over a WebSocket.
	ChannelSynthetic ChannelKind = "synthetic"
)

// Speaker tags who produced an utterance.
type Speaker string

const (
	SpeakerSelf Speaker = "self"
	SpeakerPeer Speaker = "peer"
)

// Utterance is one finalized unit of speech attributed to a speaker.
// Immutable once appended to a session's history.
type Utterance struct {
	Speaker   Speaker
	Text      string
	Audio     []byte // optional synthesized or captured audio payload
	Seq       int    // turn counter at emission time
	Timestamp time.Time
}

// Intent is the immutable summary of what the user asked the agent to do.
type Intent struct {
	TargetEntity    string            `json:"target_entity"`
	TargetPhone     string            `json:"target_phone"`
	TaskDescription string            `json:"task_description"`
	Slots           map[string]string `json:"slots,omitempty"`

	UserName  string `json:"user_name,omitempty"`
	UserPhone string `json:"user_phone,omitempty"`

	RawText string `json:"raw_text"`
}

// Summary renders the intent for the decision prompt.
func (i Intent) Summary() string {
	s := i.TaskDescription
	if s == "" {
		s = "make a phone call"
	}
	if i.TargetEntity != "" {
		s += fmt.Sprintf(". Target: %s", i.TargetEntity)
	}
	for k, v := range i.Slots {
		if v != "" {
			s += fmt.Sprintf(". %s: %s", k, v)
		}
	}
	return s
}

// ActionType enumerates the closed set of decisions the agent can make.
type ActionType string

const (
	ActionSpeak  ActionType = "speak"
	ActionSignal ActionType = "signal" // touch-tone digits, telephony only
	ActionWait   ActionType = "wait"
	ActionEnd    ActionType = "end_call"
)

// Decision is the output of one orchestration step. Exactly one is
// produced per turn; a failed decision degrades to WAIT or END, it is
// never retried in place.
type Decision struct {
	Type      ActionType
	Text      string // what to say, for ActionSpeak
	Digits    string // digit sequence, for ActionSignal
	Reason    string // free-form reasoning or end reason
	EndReason EndReason
}

// EndReason records why a call ended.
type EndReason string

const (
	EndCompleted           EndReason = "completed"
	EndSilenceExhausted    EndReason = "silence-exhausted"
	EndCapabilityExhausted EndReason = "capability-exhausted"
	EndPeerHangup          EndReason = "peer-hangup"
	EndObserverGone        EndReason = "observer-disconnected"
	EndFailed              EndReason = "failed"
)

// Wait returns the degraded decision substituted when the decision
// capability fails or a protocol violation is rejected.
func Wait(reason string) Decision {
	return Decision{Type: ActionWait, Reason: reason}
}

// End returns an end decision with the given reason.
func End(reason EndReason) Decision {
	return Decision{Type: ActionEnd, EndReason: reason, Reason: string(reason)}
}
