package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/rememberme/pkg/audio"
)

// Thresholds tune segmentation sensitivity and latency. Every field is
// required; there are no built-in defaults.
type Thresholds struct {
	// EnergyThreshold is the RMS level above which a frame is speech.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// MinSpeechFrames is the number of consecutive speech frames needed to
	// start recording.
	MinSpeechFrames int `yaml:"min_speech_frames"`

	// SilenceFrameThreshold is the number of consecutive silence frames that
	// ends a recording.
	SilenceFrameThreshold int `yaml:"silence_frame_threshold"`

	// MinBufferFramesToDispatch is the smallest flushed buffer, in frames,
	// that is handed to the dispatcher. Shorter buffers are discarded.
	MinBufferFramesToDispatch int `yaml:"min_buffer_frames_to_dispatch"`

	// SampleRate is the expected sample rate of incoming frames in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// Validate reports every missing or out-of-range field.
func (t Thresholds) Validate() error {
	var errs []error
	if t.EnergyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("energy_threshold must be > 0, got %v", t.EnergyThreshold))
	}
	if t.MinSpeechFrames <= 0 {
		errs = append(errs, fmt.Errorf("min_speech_frames must be > 0, got %d", t.MinSpeechFrames))
	}
	if t.SilenceFrameThreshold <= 0 {
		errs = append(errs, fmt.Errorf("silence_frame_threshold must be > 0, got %d", t.SilenceFrameThreshold))
	}
	if t.MinBufferFramesToDispatch < 0 {
		errs = append(errs, fmt.Errorf("min_buffer_frames_to_dispatch must be >= 0, got %d", t.MinBufferFramesToDispatch))
	}
	if t.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be > 0, got %d", t.SampleRate))
	}
	return errors.Join(errs...)
}

// State is the recording state of a track.
type State int

const (
	// Idle means no segment is in progress.
	Idle State = iota
	// Recording means frames are being captured into the buffer.
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	default:
		return "unknown"
	}
}

// Segment is a finished span of captured audio from one track. It is
// created at flush time and owned by whoever receives it.
type Segment struct {
	TrackID string
	Speaker string

	// Frames are the captured payloads in arrival order.
	Frames [][]byte

	// Format of the concatenated PCM. Always mono.
	Format audio.Format

	// Start is when the first captured frame began; End is when the frame
	// that triggered the flush ended. Both derive from frame timestamps, so
	// End-Start matches the audio duration even when frames arrive faster
	// than real time.
	Start time.Time
	End   time.Time
}

// PCM concatenates the captured frames into one contiguous payload.
func (s Segment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range s.Frames {
		out = append(out, f...)
	}
	return out
}

// FrameCount returns the number of captured frames.
func (s Segment) FrameCount() int { return len(s.Frames) }

// Duration returns the audio length of the segment.
func (s Segment) Duration() time.Duration {
	if s.Format.SampleRate <= 0 || s.Format.Channels <= 0 {
		return 0
	}
	n := 0
	for _, f := range s.Frames {
		n += len(f)
	}
	samples := n / 2 / s.Format.Channels
	return time.Duration(samples) * time.Second / time.Duration(s.Format.SampleRate)
}
