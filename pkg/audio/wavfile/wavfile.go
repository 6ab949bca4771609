// Package wavfile replays WAV recordings as live tracks. It backs the replay
// command and end-to-end tests: every file becomes one track whose frames are
// cut to a fixed duration and, optionally, paced in real time.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/rememberme/pkg/audio"
)

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

const defaultFrameDuration = 20 * time.Millisecond

// File is one recording to replay.
type File struct {
	Path string

	// TrackID defaults to the file name without extension.
	TrackID string

	// Speaker defaults to TrackID.
	Speaker string
}

// Platform replays a fixed set of files. Each Connect starts a fresh replay.
type Platform struct {
	files    []File
	frame    time.Duration
	realtime bool
	trailing time.Duration
}

// Option configures a [Platform].
type Option func(*Platform)

// WithFrameDuration sets the length of each emitted frame. Default: 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(p *Platform) { p.frame = d }
}

// WithRealtime paces frames at their playback rate instead of as fast as the
// consumer reads them.
func WithRealtime(on bool) Option {
	return func(p *Platform) { p.realtime = on }
}

// WithTrailingSilence appends d of silence to every track so speech at the
// very end of a file still reaches the silence threshold and is flushed.
func WithTrailingSilence(d time.Duration) Option {
	return func(p *Platform) { p.trailing = d }
}

// New returns a Platform for files.
func New(files []File, opts ...Option) *Platform {
	p := &Platform{files: files, frame: defaultFrameDuration}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FromPaths builds [File] entries with default track IDs and speakers.
func FromPaths(paths ...string) []File {
	out := make([]File, len(paths))
	for i, p := range paths {
		out[i] = File{Path: p}
	}
	return out
}

type replay struct {
	id      string
	speaker string
	pcm     []byte
	format  audio.Format
	frames  chan audio.AudioFrame
}

// Connect decodes every file and starts one producer per track. channelID is
// ignored. Producers stop at the end of their file or on Disconnect.
func (p *Platform) Connect(ctx context.Context, _ string) (audio.Connection, error) {
	if len(p.files) == 0 {
		return nil, fmt.Errorf("wavfile: no files to replay")
	}
	seen := make(map[string]int, len(p.files))
	tracks := make([]*replay, 0, len(p.files))
	for _, f := range p.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pcm, format, err := load(f.Path)
		if err != nil {
			return nil, err
		}
		id := f.TrackID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
		}
		seen[id]++
		if n := seen[id]; n > 1 {
			id += "-" + strconv.Itoa(n)
		}
		speaker := f.Speaker
		if speaker == "" {
			speaker = id
		}
		tracks = append(tracks, &replay{
			id:      id,
			speaker: speaker,
			pcm:     pcm,
			format:  format,
			frames:  make(chan audio.AudioFrame),
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{tracks: make(map[string]*replay, len(tracks)), cancel: cancel}
	for _, t := range tracks {
		c.tracks[t.id] = t
		c.wg.Go(func() { p.produce(runCtx, t) })
	}
	return c, nil
}

func load(path string) ([]byte, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()
	pcm, format, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	return pcm, format, nil
}

func (p *Platform) produce(ctx context.Context, t *replay) {
	defer close(t.frames)

	frameBytes := bytesFor(p.frame, t.format)
	if frameBytes <= 0 {
		return
	}
	pcm := t.pcm
	if p.trailing > 0 {
		pcm = append(pcm[:len(pcm):len(pcm)], make([]byte, bytesFor(p.trailing, t.format))...)
	}

	var tick <-chan time.Time
	if p.realtime {
		ticker := time.NewTicker(p.frame)
		defer ticker.Stop()
		tick = ticker.C
	}

	var ts time.Duration
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		frame := audio.AudioFrame{
			Data:       pcm[off:end],
			SampleRate: t.format.SampleRate,
			Channels:   t.format.Channels,
			Timestamp:  ts,
		}
		ts += frame.Duration()
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func bytesFor(d time.Duration, f audio.Format) int {
	samples := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(samples) * f.Channels * 2
}

// Connection exposes the replayed tracks. It never emits join or leave
// events: every track exists from Connect on and its channel closes at the
// end of the file.
type Connection struct {
	tracks map[string]*replay
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	out := make(map[string]<-chan audio.AudioFrame, len(c.tracks))
	for id, t := range c.tracks {
		out[id] = t.frames
	}
	return out
}

// Speaker implements [audio.Connection].
func (c *Connection) Speaker(trackID string) string {
	if t, ok := c.tracks[trackID]; ok {
		return t.speaker
	}
	return ""
}

// OnParticipantChange implements [audio.Connection]. Replays have no
// participant changes, so cb is never called.
func (c *Connection) OnParticipantChange(func(audio.Event)) {}

// Disconnect stops every producer and waits for their channels to close.
func (c *Connection) Disconnect() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}
