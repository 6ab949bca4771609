// Package wsingest accepts audio over WebSockets. Each WebSocket is one track:
// the client sends binary messages of little-endian int16 PCM and the server
// delivers them as [audio.AudioFrame]s.
//
// The track is described by query parameters on the upgrade request:
//
//	GET /ingest?track=kitchen-mic&speaker=Sarah&sample_rate=16000&channels=1
//
// track defaults to a random ID, sample_rate to 48000 and channels to 1.
// Closing the WebSocket ends the track.
package wsingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/rememberme/pkg/audio"
)

var (
	_ audio.Platform   = (*Server)(nil)
	_ audio.Connection = (*Server)(nil)
	_ http.Handler     = (*Server)(nil)
)

const (
	defaultSampleRate = 48000
	defaultBuffer     = 64
	defaultReadLimit  = 1 << 20
)

type track struct {
	frames  chan audio.AudioFrame
	speaker string
	cancel  context.CancelFunc
}

// Server is both the HTTP handler that upgrades ingest requests and the
// [audio.Connection] that exposes the resulting tracks. Connect returns the
// Server itself, so one Server serves one listening session.
//
// Server is safe for concurrent use.
type Server struct {
	buffer         int
	readLimit      int64
	originPatterns []string

	mu     sync.RWMutex
	tracks map[string]*track
	closed bool
	wg     sync.WaitGroup

	changeMu sync.Mutex
	changeCb func(audio.Event)
}

// Option configures a [Server].
type Option func(*Server)

// WithBuffer sets the per-track frame channel capacity. Default: 64.
func WithBuffer(n int) Option {
	return func(s *Server) { s.buffer = n }
}

// WithReadLimit caps the size of one WebSocket message. Default: 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// New returns a Server ready to be mounted on a mux.
func New(opts ...Option) *Server {
	s := &Server{
		buffer:    defaultBuffer,
		readLimit: defaultReadLimit,
		tracks:    make(map[string]*track),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect implements [audio.Platform]. channelID is ignored.
func (s *Server) Connect(ctx context.Context, _ string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// InputStreams implements [audio.Connection].
func (s *Server) InputStreams() map[string]<-chan audio.AudioFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(s.tracks))
	for id, t := range s.tracks {
		snap[id] = t.frames
	}
	return snap
}

// Speaker implements [audio.Connection].
func (s *Server) Speaker(trackID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tracks[trackID]; ok {
		return t.speaker
	}
	return ""
}

// OnParticipantChange implements [audio.Connection].
func (s *Server) OnParticipantChange(cb func(audio.Event)) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.changeCb = cb
}

// Disconnect closes every WebSocket, waits for the tracks to end and rejects
// new ingest requests.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tracks {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

type params struct {
	track   string
	speaker string
	format  audio.Format
}

func parseParams(r *http.Request) (params, error) {
	q := r.URL.Query()
	p := params{
		track:   q.Get("track"),
		speaker: q.Get("speaker"),
		format:  audio.Format{SampleRate: defaultSampleRate, Channels: 1},
	}
	if p.track == "" {
		p.track = "ws-" + uuid.NewString()
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			return p, fmt.Errorf("sample_rate %q must be between 8000 and 192000", v)
		}
		p.format.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return p, fmt.Errorf("channels %q must be 1 or 2", v)
		}
		p.format.Channels = n
	}
	return p, nil
}

// ServeHTTP upgrades the request and streams its binary messages into a new
// track until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	t := &track{
		frames:  make(chan audio.AudioFrame, s.buffer),
		speaker: p.speaker,
		cancel:  cancel,
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		http.Error(w, "ingest is shut down", http.StatusServiceUnavailable)
		return
	case s.tracks[p.track] != nil:
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("track %q is already streaming", p.track), http.StatusConflict)
		return
	}
	s.tracks[p.track] = t
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.remove(p.track, t, false)
		slog.Warn("wsingest: upgrade failed", "track", p.track, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	slog.Info("wsingest: track connected", "track", p.track, "speaker", p.speaker, "format", p.format)
	s.emit(audio.Event{Type: audio.EventJoin, TrackID: p.track, Speaker: p.speaker})

	reason := s.pump(ctx, conn, p, t)
	s.remove(p.track, t, true)

	status := websocket.StatusNormalClosure
	if reason != nil {
		slog.Info("wsingest: track ended", "track", p.track, "reason", reason)
		if errors.Is(reason, context.Canceled) {
			status = websocket.StatusGoingAway
		}
	}
	_ = conn.Close(status, "")
}

// pump forwards messages until the socket or ctx ends. Sends block, so a slow
// consumer applies back-pressure to the client.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, p params, t *track) error {
	var ts time.Duration
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageBinary {
			slog.Debug("wsingest: ignoring text message", "track", p.track)
			continue
		}
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
			Timestamp:  ts,
		}
		ts += frame.Duration()
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) remove(id string, t *track, announce bool) {
	s.mu.Lock()
	if s.tracks[id] == t {
		delete(s.tracks, id)
	}
	s.mu.Unlock()
	close(t.frames)
	if announce {
		s.emit(audio.Event{Type: audio.EventLeave, TrackID: id, Speaker: t.speaker})
	}
}

func (s *Server) emit(ev audio.Event) {
	s.changeMu.Lock()
	cb := s.changeCb
	s.changeMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
