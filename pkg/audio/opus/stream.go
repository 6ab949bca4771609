// Package opus turns the Opus packets delivered by WebRTC-style transports
// (LiveKit RTP tracks, Discord voice) into mono 48 kHz PCM [audio.AudioFrame]
// streams.
//
// Both transports stop sending packets while a participant is silent. A
// [Stream] fills those gaps with silent frames when [Stream.Pad] is called on
// a ticker, so downstream silence detection keeps advancing.
package opus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/rememberme/pkg/audio"
)

const (
	// SampleRate is the Opus decode rate used by every source.
	SampleRate = 48000

	// FrameDuration is the length of one padding frame and the usual Opus
	// packet duration.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of mono samples in one [FrameDuration].
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// maxFrameSamples is the longest Opus packet (120 ms) per channel.
	maxFrameSamples = 5760

	// padAfter is how long a stream must go without packets before Pad
	// starts emitting silence.
	padAfter = 3 * FrameDuration
)

// ErrClosed is returned by [Stream.Write] after [Stream.Close].
var ErrClosed = errors.New("opus: stream closed")

// Decoder decodes Opus packets to mono little-endian int16 PCM.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder returns a mono 48 kHz decoder. Keep one per participant stream;
// Opus decoding is stateful across packets.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode returns the PCM for one packet.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Stream decodes the packets of one track and delivers frames on a buffered
// channel. When the channel is full new frames are dropped rather than
// blocking the transport's read loop.
//
// Stream is safe for concurrent use.
type Stream struct {
	dec *Decoder
	now func() time.Time

	mu      sync.Mutex
	out     chan audio.AudioFrame
	start   time.Time
	last    time.Time
	pos     time.Duration
	closed  bool
	dropped int
}

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithClock overrides the wall clock used for gap detection.
func WithClock(now func() time.Time) StreamOption {
	return func(s *Stream) { s.now = now }
}

// NewStream returns a stream whose frame channel holds up to buffer frames.
func NewStream(buffer int, opts ...StreamOption) (*Stream, error) {
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	s := &Stream{
		dec: dec,
		now: time.Now,
		out: make(chan audio.AudioFrame, buffer),
	}
	for _, o := range opts {
		o(s)
	}
	s.start = s.now()
	s.last = s.start
	return s, nil
}

// Frames returns the receive side of the frame channel. It is closed by
// [Stream.Close].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.out }

// Write decodes packet and enqueues the resulting frame. Empty packets are
// ignored.
func (s *Stream) Write(packet []byte) error {
	if len(packet) == 0 {
		return nil
	}
	pcm, err := s.dec.Decode(packet)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.last = s.now()
	s.enqueue(pcm)
	return nil
}

// Pad emits one silent frame when no packet has arrived for a few frame
// durations. Call it every [FrameDuration]. It reports whether a frame was
// emitted.
func (s *Stream) Pad() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.now().Sub(s.last) < padAfter {
		return false
	}
	s.enqueue(make([]byte, FrameSamples*2))
	return true
}

// enqueue must be called with s.mu held.
func (s *Stream) enqueue(pcm []byte) {
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: SampleRate,
		Channels:   1,
		Timestamp:  s.pos,
	}
	select {
	case s.out <- frame:
		s.pos += frame.Duration()
	default:
		s.dropped++
	}
}

// Dropped returns how many frames were discarded because the channel was
// full.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the frame channel. Calling it more than once is a no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
