package livekit

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/audio/opus"
)

var _ audio.Connection = (*Connection)(nil)

const inputChannelBuffer = 64

// packetSource reads the next RTP packet of a track. It returns io.EOF once
// the track has ended.
type packetSource func() (*rtp.Packet, error)

type remoteTrack struct {
	participant string
	speaker     string
	stream      *opus.Stream
}

// Connection is a live LiveKit room session. Track IDs are the LiveKit track
// SIDs.
//
// Connection is safe for concurrent use.
type Connection struct {
	mu     sync.RWMutex
	tracks map[string]*remoteTrack
	closed bool

	changeMu sync.Mutex
	changeCb func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// leave disconnects from the room; nil until connected.
	leave func()
}

func newConnection() *Connection {
	c := &Connection{
		tracks: make(map[string]*remoteTrack),
		done:   make(chan struct{}),
	}
	c.wg.Go(c.padLoop)
	return c
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.tracks))
	for id, t := range c.tracks {
		snap[id] = t.stream.Frames()
	}
	return snap
}

// Speaker implements [audio.Connection].
func (c *Connection) Speaker(trackID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tracks[trackID]; ok {
		return t.speaker
	}
	return ""
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the room and closes every stream. Later calls are no-ops.
func (c *Connection) Disconnect() error {
	c.close()
	return nil
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.leave != nil {
			c.leave()
		}
		c.mu.Lock()
		c.closed = true
		for id, t := range c.tracks {
			t.stream.Close()
			delete(c.tracks, id)
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// addTrack registers a track and starts reading it. read must return once
// the room is left.
func (c *Connection) addTrack(trackID, participant, speaker string, read packetSource) {
	s, err := opus.NewStream(inputChannelBuffer)
	if err != nil {
		slog.Error("livekit: create opus stream", "track", trackID, "err", err)
		return
	}

	c.mu.Lock()
	if _, dup := c.tracks[trackID]; dup || c.closed {
		c.mu.Unlock()
		s.Close()
		return
	}
	c.tracks[trackID] = &remoteTrack{participant: participant, speaker: speaker, stream: s}
	c.mu.Unlock()

	slog.Info("livekit: audio track subscribed", "track", trackID, "participant", participant)
	c.emit(audio.Event{Type: audio.EventJoin, TrackID: trackID, Speaker: speaker})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Go(func() { c.readLoop(trackID, s, read) })
}

func (c *Connection) readLoop(trackID string, s *opus.Stream, read packetSource) {
	defer c.removeTrack(trackID)
	for {
		pkt, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("livekit: read rtp", "track", trackID, "err", err)
			}
			return
		}
		if err := s.Write(pkt.Payload); err != nil {
			if errors.Is(err, opus.ErrClosed) {
				return
			}
			slog.Debug("livekit: opus decode error", "track", trackID, "err", err)
		}
	}
}

// removeTrack closes one track and emits a leave event if it was open.
func (c *Connection) removeTrack(trackID string) {
	c.mu.Lock()
	t, ok := c.tracks[trackID]
	if ok {
		delete(c.tracks, trackID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	t.stream.Close()
	c.emit(audio.Event{Type: audio.EventLeave, TrackID: trackID, Speaker: t.speaker})
}

func (c *Connection) removeParticipant(identity string) {
	c.mu.RLock()
	var ids []string
	for id, t := range c.tracks {
		if t.participant == identity {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.removeTrack(id)
	}
}

func (c *Connection) padLoop() {
	t := time.NewTicker(opus.FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.RLock()
			for _, tr := range c.tracks {
				tr.stream.Pad()
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) emit(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
