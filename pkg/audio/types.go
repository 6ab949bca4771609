package audio

import "time"

// AudioFrame is one chunk of captured audio for a single track. Frames are
// immutable once emitted by a [Connection]: consumers may retain Data but
// must not modify it.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (48000 for LiveKit and Discord Opus).
	SampleRate int

	// Channels is 1 for everything the segmentation engine consumes.
	Channels int

	// Timestamp is the position of the frame's first sample relative to the
	// start of the track. Zero for the first frame, or when unknown.
	Timestamp time.Duration
}

// Duration returns how much audio the frame holds. It returns 0 when the
// frame's format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
