package segment

import (
	"time"

	"github.com/MrWong99/rememberme/pkg/audio"
)

// Flush describes what a call to [Machine.Process] did at a segment boundary.
type Flush int

const (
	// NoFlush means the frame did not end a segment.
	NoFlush Flush = iota

	// FlushDispatch means a segment ended and is large enough to dispatch.
	FlushDispatch

	// FlushDiscard means a segment ended but held fewer than
	// MinBufferFramesToDispatch frames; its audio was dropped.
	FlushDiscard
)

func (f Flush) String() string {
	switch f {
	case NoFlush:
		return "none"
	case FlushDispatch:
		return "dispatched"
	case FlushDiscard:
		return "discarded"
	default:
		return "unknown"
	}
}

// Option configures a [Machine].
type Option func(*Machine)

// WithClock overrides the wall clock that anchors frame timestamps. It is
// read once when the machine is created and again for every frame that
// carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the per-track Idle/Recording state machine. It is not safe for
// concurrent use: exactly one goroutine feeds it frames in arrival order.
type Machine struct {
	trackID string
	speaker string
	th      Thresholds
	vad     Classifier
	now     func() time.Time
	opened  time.Time

	state   State
	speech  int
	silence int
	buf     Buffer
	started time.Time
}

// NewMachine returns an Idle machine for one track.
func NewMachine(trackID, speaker string, th Thresholds, opts ...Option) *Machine {
	m := &Machine{
		trackID: trackID,
		speaker: speaker,
		th:      th,
		vad:     Classifier{Threshold: th.EnergyThreshold},
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.opened = m.now()
	return m
}

// at returns the wall-clock time a frame was captured: the machine's open
// time plus the frame's track-relative timestamp, or now for frames without
// one.
func (m *Machine) at(frame audio.AudioFrame) time.Time {
	if frame.Timestamp <= 0 {
		return m.now()
	}
	return m.opened.Add(frame.Timestamp)
}

// Process classifies one frame and advances the state machine.
//
// When the frame ends a segment the returned Flush is FlushDispatch or
// FlushDiscard and the machine is back to Idle with an empty buffer and
// zeroed counters. The Segment is populated only for FlushDispatch; its
// frames are no longer referenced by the machine.
func (m *Machine) Process(frame audio.AudioFrame) (Segment, Flush) {
	if m.vad.Classify(frame) {
		m.speech++
		m.silence = 0
		if m.state == Idle && m.speech >= m.th.MinSpeechFrames {
			m.state = Recording
			m.started = m.at(frame)
		}
		if m.state == Recording {
			m.buf.Append(frame.Data)
		}
		return Segment{}, NoFlush
	}

	m.speech = 0
	if m.state != Recording {
		return Segment{}, NoFlush
	}
	m.buf.Append(frame.Data)
	m.silence++
	if m.silence < m.th.SilenceFrameThreshold {
		return Segment{}, NoFlush
	}
	return m.flush(m.at(frame).Add(frame.Duration()))
}

// flush ends the current recording at end. The buffer is moved out and the
// machine reset in the same step so the next frame sees an empty buffer.
func (m *Machine) flush(end time.Time) (Segment, Flush) {
	frames := m.buf.Take()
	started := m.started
	m.reset()

	if len(frames) < m.th.MinBufferFramesToDispatch {
		return Segment{}, FlushDiscard
	}
	return Segment{
		TrackID: m.trackID,
		Speaker: m.speaker,
		Frames:  frames,
		Format:  audio.Format{SampleRate: m.th.SampleRate, Channels: 1},
		Start:   started,
		End:     end,
	}, FlushDispatch
}

// Discard drops any in-progress recording without producing a segment and
// returns the number of frames thrown away. Used on track teardown.
func (m *Machine) Discard() int {
	n := m.buf.Len()
	m.buf.Reset()
	m.reset()
	return n
}

func (m *Machine) reset() {
	m.state = Idle
	m.speech = 0
	m.silence = 0
	m.started = time.Time{}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Counters returns the consecutive speech and silence frame counts.
func (m *Machine) Counters() (speech, silence int) { return m.speech, m.silence }

// BufferedFrames returns how many frames the in-progress segment holds.
func (m *Machine) BufferedFrames() int { return m.buf.Len() }

// TrackID returns the track this machine belongs to.
func (m *Machine) TrackID() string { return m.trackID }

// Speaker returns the speaker identity tagged onto segments.
func (m *Machine) Speaker() string { return m.speaker }

// Thresholds returns the thresholds the machine was built with.
func (m *Machine) Thresholds() Thresholds { return m.th }
