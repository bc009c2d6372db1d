// Package vad segments a continuous telephony audio stream into discrete
// utterances using energy-based voice activity detection.
package vad

import (
	"sync"
	"time"

	"github.com/square-key-labs/dialgo/src/audio"
	"github.com/square-key-labs/dialgo/src/logger"
)

// Params holds the segmentation tunables. All of them are environment
// dependent; callers should populate them from configuration.
type Params struct {
	// EnergyThreshold is the average absolute PCM amplitude separating
	// speech from silence.
	EnergyThreshold float64
	// MinRunLength is how many consecutive chunks must disagree with the
	// current classification before it flips, to suppress flicker.
	MinRunLength int
	// Hangover is how long silence must persist after speech before an
	// utterance boundary is emitted.
	Hangover time.Duration
	// MaxUtterance forces a boundary when buffered speech exceeds it.
	// Zero disables the forced boundary.
	MaxUtterance time.Duration
	// MinSpeechBytes discards segments too short to transcribe.
	MinSpeechBytes int
}

// DefaultParams returns segmentation defaults tuned for 8 kHz phone audio.
func DefaultParams() Params {
	return Params{
		EnergyThreshold: 40.0,
		MinRunLength:    3,
		Hangover:        2 * time.Second,
		MaxUtterance:    30 * time.Second,
		MinSpeechBytes:  3200, // ~0.4s of mulaw at 8kHz
	}
}

// Frame is one fixed-duration chunk of encoded telephony audio.
type Frame struct {
	Seq     uint64
	Payload []byte // mulaw
	Arrival time.Time
}

// Segment is one finalized utterance worth of contiguous audio.
type Segment struct {
	Payload []byte // mulaw
	Start   time.Time
	End     time.Time
	// Forced marks a boundary emitted because MaxUtterance was exceeded.
	Forced bool
}

// Segmenter classifies incoming frames as speech or silence and emits a
// Segment each time a speech run ends. It is safe for concurrent use,
// though in practice one goroutine feeds it per stream.
type Segmenter struct {
	params Params
	log    *logger.Logger

	mu       sync.Mutex
	started  bool
	lastSeq  uint64
	speaking bool

	flipRun      int
	flipRunStart time.Time

	buf          []byte
	pending      []byte // unconfirmed speech run, promoted to buf on flip
	speechStart  time.Time
	silenceSince time.Time
}

// NewSegmenter creates a segmenter with the given tunables.
func NewSegmenter(params Params) *Segmenter {
	if params.MinRunLength < 1 {
		params.MinRunLength = 1
	}
	return &Segmenter{
		params: params,
		log:    logger.WithPrefix("VAD"),
	}
}

// Ingest classifies one frame and returns zero or more finished segments.
// Frames with duplicate or out-of-order sequence numbers are dropped.
func (s *Segmenter) Ingest(f Frame) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && f.Seq <= s.lastSeq {
		s.log.Debug("Dropping out-of-order frame: seq=%d last=%d", f.Seq, s.lastSeq)
		return nil
	}
	s.started = true
	s.lastSeq = f.Seq

	isSpeech := audio.ChunkEnergy(f.Payload) > s.params.EnergyThreshold
	s.applyRunLength(isSpeech, f.Arrival)

	// Buffer everything from the first speech chunk until the boundary, so
	// the STT input keeps its natural leading and trailing context. Chunks
	// of a still-unconfirmed speech run are held as pre-roll; the segment's
	// Start is that run's first-chunk time, so the payload must include it.
	switch {
	case !s.speechStart.IsZero():
		if len(s.pending) > 0 {
			s.buf = append(s.buf, s.pending...)
			s.pending = nil
		}
		s.buf = append(s.buf, f.Payload...)
	case isSpeech:
		s.pending = append(s.pending, f.Payload...)
	default:
		s.pending = nil
	}

	if s.speechStart.IsZero() {
		return nil
	}

	if !s.speaking && !s.silenceSince.IsZero() && f.Arrival.Sub(s.silenceSince) >= s.params.Hangover {
		return s.emit(f.Arrival, false)
	}

	if s.params.MaxUtterance > 0 && f.Arrival.Sub(s.speechStart) >= s.params.MaxUtterance {
		s.log.Warn("Degraded segmentation: forcing boundary after %v of continuous speech", s.params.MaxUtterance)
		return s.emit(f.Arrival, true)
	}

	return nil
}

// Flush emits whatever speech is buffered, regardless of hangover. Used
// when the stream closes mid-utterance.
func (s *Segmenter) Flush(now time.Time) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speechStart.IsZero() {
		return nil
	}
	return s.emit(now, false)
}

// Reset returns the segmenter to its initial state, keeping the sequence
// high-water mark.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRun()
}

func (s *Segmenter) applyRunLength(isSpeech bool, arrival time.Time) {
	if isSpeech == s.speaking {
		s.flipRun = 0
		return
	}

	if s.flipRun == 0 {
		s.flipRunStart = arrival
	}
	s.flipRun++
	if s.flipRun < s.params.MinRunLength {
		return
	}

	s.speaking = isSpeech
	s.flipRun = 0
	if s.speaking {
		if s.speechStart.IsZero() {
			s.speechStart = s.flipRunStart
		}
		s.silenceSince = time.Time{}
	} else {
		// Silence is measured from the first chunk of the silent run, not
		// from when the classification was confirmed.
		s.silenceSince = s.flipRunStart
	}
}

func (s *Segmenter) emit(end time.Time, forced bool) []Segment {
	payload := s.buf
	start := s.speechStart
	s.resetRun()

	if len(payload) < s.params.MinSpeechBytes {
		s.log.Debug("Discarding short segment: %d bytes", len(payload))
		return nil
	}

	s.log.Debug("Utterance boundary: %d bytes, %v..%v forced=%v", len(payload), start, end, forced)
	return []Segment{{Payload: payload, Start: start, End: end, Forced: forced}}
}

func (s *Segmenter) resetRun() {
	s.buf = nil
	s.pending = nil
	s.speaking = false
	s.flipRun = 0
	s.speechStart = time.Time{}
	s.silenceSince = time.Time{}
}
