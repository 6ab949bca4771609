// Package track runs the segmentation engine for every live audio track.
//
// A [Manager] owns one consumer goroutine per track. Each consumer drains
// its track's frame channel in arrival order, feeds a private
// [segment.Machine], and hands flushed segments to the dispatcher. Tracks
// share no mutable state, so nothing is locked on the frame path.
//
// When a track ends (its channel closes, the participant leaves, or the
// manager's context is cancelled) any partially recorded segment is
// discarded without dispatch. Segments that were already dispatched keep
// running in the dispatcher.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/segment"
	"github.com/MrWong99/rememberme/pkg/audio"
)

const defaultProgressEvery = 100

// ErrTrackExists is returned by [Manager.Open] for a track ID that already
// has a running consumer.
var ErrTrackExists = errors.New("track: already open")

// Dispatcher receives flushed segments. Dispatch must not block.
type Dispatcher interface {
	Dispatch(seg segment.Segment)
}

// ThresholdsFunc returns the thresholds for a newly opened track. It is
// called once per track; a running track keeps what it got.
type ThresholdsFunc func() segment.Thresholds

// Info describes an open track.
type Info struct {
	TrackID string
	Speaker string
	Opened  time.Time
}

// Option configures a [Manager].
type Option func(*Manager)

// WithSpeakerResolver maps the raw participant identity reported by the
// frame source to the speaker name stored with segments.
func WithSpeakerResolver(fn func(identity string) string) Option {
	return func(m *Manager) { m.resolve = fn }
}

// WithMetrics overrides the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithProgressEvery sets how many frames pass between per-track debug
// progress lines. Zero disables them. Default: 100.
func WithProgressEvery(n int) Option {
	return func(m *Manager) { m.progressEvery = n }
}

// WithClock overrides the clock passed to every track's state machine.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager maps live track IDs to their consumers. It is safe for concurrent use.
type Manager struct {
	dispatcher    Dispatcher
	thresholds    ThresholdsFunc
	resolve       func(string) string
	metrics       *observe.Metrics
	progressEvery int
	now           func() time.Time

	mu     sync.Mutex
	tracks map[string]*session
	wg     sync.WaitGroup
}

type session struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a Manager that hands segments to d and configures new
// tracks with th.
func NewManager(d Dispatcher, th ThresholdsFunc, opts ...Option) *Manager {
	m := &Manager{
		dispatcher:    d,
		thresholds:    th,
		resolve:       func(s string) string { return s },
		progressEvery: defaultProgressEvery,
		now:           time.Now,
		tracks:        make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Attach opens a track for every current input stream of conn and follows
// its join and leave events until ctx is done.
func (m *Manager) Attach(ctx context.Context, conn audio.Connection) {
	conn.OnParticipantChange(func(ev audio.Event) {
		switch ev.Type {
		case audio.EventJoin:
			ch, ok := conn.InputStreams()[ev.TrackID]
			if !ok {
				slog.Warn("track: join without input stream", "track", ev.TrackID)
				return
			}
			identity := ev.Speaker
			if identity == "" {
				identity = conn.Speaker(ev.TrackID)
			}
			if err := m.Open(ctx, ev.TrackID, identity, ch); err != nil && !errors.Is(err, ErrTrackExists) {
				slog.Warn("track: open failed", "track", ev.TrackID, "err", err)
			}
		case audio.EventLeave:
			m.Close(ev.TrackID)
		}
	})

	for id, ch := range conn.InputStreams() {
		if err := m.Open(ctx, id, conn.Speaker(id), ch); err != nil && !errors.Is(err, ErrTrackExists) {
			slog.Warn("track: open failed", "track", id, "err", err)
		}
	}
}

// Open starts a consumer for frames on trackID. identity is resolved to a
// speaker name once, when the track opens. The consumer stops when frames
// is closed, [Manager.Close] is called for the track, or ctx is done.
func (m *Manager) Open(ctx context.Context, trackID, identity string, frames <-chan audio.AudioFrame) error {
	th := m.thresholds()
	if err := th.Validate(); err != nil {
		return fmt.Errorf("track: %s: invalid thresholds: %w", trackID, err)
	}

	m.mu.Lock()
	if _, ok := m.tracks[trackID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTrackExists, trackID)
	}
	tctx, cancel := context.WithCancel(ctx)
	s := &session{
		info: Info{
			TrackID: trackID,
			Speaker: m.resolve(identity),
			Opened:  m.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tracks[trackID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	machine := segment.NewMachine(trackID, s.info.Speaker, th, segment.WithClock(m.now))
	go func() {
		defer m.wg.Done()
		defer close(s.done)
		defer m.remove(trackID, s)
		m.consume(tctx, machine, frames)
	}()

	slog.Info("track: opened", "track", trackID, "speaker", s.info.Speaker, "identity", identity)
	return nil
}

// consume is the single sequential reader of one track.
func (m *Manager) consume(ctx context.Context, machine *segment.Machine, frames <-chan audio.AudioFrame) {
	m.metrics.ActiveTracks.Add(ctx, 1)
	defer m.metrics.ActiveTracks.Add(context.WithoutCancel(ctx), -1)

	conv := audio.MonoConverter{SampleRate: machine.Thresholds().SampleRate}
	log := slog.With("track", machine.TrackID(), "speaker", machine.Speaker())
	var n int

	for {
		var (
			frame audio.AudioFrame
			ok    bool
		)
		select {
		case <-ctx.Done():
			m.teardown(log, machine, "cancelled")
			return
		case frame, ok = <-frames:
		}
		if !ok {
			m.teardown(log, machine, "stream closed")
			return
		}

		seg, flush := machine.Process(conv.Convert(frame))
		speech, _ := machine.Counters()
		m.metrics.RecordFrame(ctx, speech > 0)

		switch flush {
		case segment.FlushDispatch:
			m.metrics.RecordFlush(ctx, observe.OutcomeDispatched)
			log.Info("track: segment flushed",
				"frames", seg.FrameCount(),
				"duration", seg.Duration(),
			)
			m.dispatcher.Dispatch(seg)
		case segment.FlushDiscard:
			m.metrics.RecordFlush(ctx, observe.OutcomeDiscarded)
			log.Debug("track: segment too short, discarded")
		}

		n++
		if m.progressEvery > 0 && n%m.progressEvery == 0 {
			log.Debug("track: progress",
				"frames", n,
				"state", machine.State(),
				"buffered", machine.BufferedFrames(),
			)
		}
	}
}

func (m *Manager) teardown(log *slog.Logger, machine *segment.Machine, reason string) {
	dropped := machine.Discard()
	log.Info("track: closed", "reason", reason, "discarded_frames", dropped)
}

func (m *Manager) remove(trackID string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracks[trackID] == s {
		delete(m.tracks, trackID)
	}
	s.cancel()
}

// Close stops the consumer of trackID, discarding any partial segment, and
// waits for it to exit. Unknown IDs are ignored.
func (m *Manager) Close(trackID string) {
	m.mu.Lock()
	s, ok := m.tracks[trackID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// CloseAll stops every consumer and waits for them to exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.tracks))
	for _, s := range m.tracks {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		<-s.done
	}
}

// Tracks returns the open tracks sorted by ID.
func (m *Manager) Tracks() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.tracks))
	for _, s := range m.tracks {
		out = append(out, s.info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Wait blocks until every consumer has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
