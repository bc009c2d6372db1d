package session

// Phase is a call session lifecycle state.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseIntentReady
	PhaseDialing
	PhaseRinging
	PhaseConnected
	PhaseActive
	PhaseCompleting
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseIntentReady:
		return "intent_ready"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseConnected:
		return "connected"
	case PhaseActive:
		return "active"
	case PhaseCompleting:
		return "completing"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

// PhaseEvent drives a lifecycle transition.
type PhaseEvent int

const (
	EventIntentReady PhaseEvent = iota
	EventDial
	EventRing
	EventEstablished
	EventActivate
	EventCompleteRequested
	EventClosed
	EventFailed
)

func (e PhaseEvent) String() string {
	switch e {
	case EventIntentReady:
		return "intent_ready"
	case EventDial:
		return "dial"
	case EventRing:
		return "ring"
	case EventEstablished:
		return "established"
	case EventActivate:
		return "activate"
	case EventCompleteRequested:
		return "complete_requested"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions maps (phase, event) to the successor phase. A synthetic
// channel has no dial or ring stage, so IntentReady accepts established
// directly.
var transitions = map[Phase]map[PhaseEvent]Phase{
	PhaseCreated: {
		EventIntentReady: PhaseIntentReady,
	},
	PhaseIntentReady: {
		EventDial:        PhaseDialing,
		EventEstablished: PhaseConnected,
	},
	PhaseDialing: {
		EventRing:        PhaseRinging,
		EventEstablished: PhaseConnected,
	},
	PhaseRinging: {
		EventEstablished: PhaseConnected,
	},
	PhaseConnected: {
		EventActivate: PhaseActive,
	},
	PhaseActive: {
		EventCompleteRequested: PhaseCompleting,
	},
	PhaseCompleting: {
		EventClosed: PhaseClosed,
	},
}

// Step applies ev to p. The second result is false when the pair is not a
// legal transition; the phase is then returned unchanged. Terminal phases
// absorb every event. Any non-terminal phase accepts failed.
func Step(p Phase, ev PhaseEvent) (Phase, bool) {
	if p.Terminal() {
		return p, false
	}
	if ev == EventFailed {
		return PhaseFailed, true
	}
	if next, ok := transitions[p][ev]; ok {
		return next, true
	}
	return p, false
}
