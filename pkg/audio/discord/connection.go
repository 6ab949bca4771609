package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/audio/opus"
)

var _ audio.Connection = (*Connection)(nil)

const inputChannelBuffer = 64

// Connection adapts a discordgo.VoiceConnection to [audio.Connection]. It
// demuxes incoming Opus packets by SSRC into per-track PCM streams.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	nameOf    func(userID string) string

	mu       sync.RWMutex
	streams  map[string]*opus.Stream // keyed by track ID
	ssrcUser map[uint32]string       // SSRC -> user ID, from speaking updates

	changeMu sync.Mutex
	changeCb func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	removeHandler func()
	disconnectVC  func() error
}

func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string, nameOf func(string) string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		nameOf:       nameOf,
		streams:      make(map[string]*opus.Stream),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.wg.Go(c.recvLoop)
	c.wg.Go(c.padLoop)
	return c
}

func trackID(ssrc uint32) string {
	return "discord-" + strconv.FormatUint(uint64(ssrc), 10)
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.streams))
	for id, s := range c.streams {
		snap[id] = s.Frames()
	}
	return snap
}

// Speaker implements [audio.Connection]. It returns the member name of the
// user behind the track once a speaking update has tied the SSRC to a user.
func (c *Connection) Speaker(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ssrc, user := range c.ssrcUser {
		if trackID(ssrc) == id {
			return c.nameOf(user)
		}
	}
	return ""
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every stream. Later calls
// return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.wg.Wait()

		c.mu.Lock()
		for id, s := range c.streams {
			s.Close()
			delete(c.streams, id)
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Connection) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt != nil {
				c.receive(pkt)
			}
		}
	}
}

func (c *Connection) receive(pkt *discordgo.Packet) {
	id := trackID(pkt.SSRC)

	c.mu.Lock()
	s, exists := c.streams[id]
	if !exists {
		var err error
		s, err = opus.NewStream(inputChannelBuffer)
		if err != nil {
			c.mu.Unlock()
			slog.Error("discord: create opus stream", "track", id, "err", err)
			return
		}
		c.streams[id] = s
	}
	user := c.ssrcUser[pkt.SSRC]
	c.mu.Unlock()

	if !exists {
		speaker := ""
		if user != "" {
			speaker = c.nameOf(user)
		}
		slog.Debug("discord: new track", "track", id, "user", user)
		c.emit(audio.Event{Type: audio.EventJoin, TrackID: id, Speaker: speaker})
	}

	if err := s.Write(pkt.Opus); err != nil {
		slog.Warn("discord: opus decode error", "track", id, "err", err)
	}
}

// padLoop keeps silent tracks advancing while Discord sends nothing.
func (c *Connection) padLoop() {
	t := time.NewTicker(opus.FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.RLock()
			for _, s := range c.streams {
				s.Pad()
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// handleVoiceStateUpdate closes the tracks of users who leave the channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}
	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID && vsu.ChannelID != c.channelID
	if !left {
		return
	}

	var closed []string
	c.mu.Lock()
	for ssrc, user := range c.ssrcUser {
		if user != vsu.UserID {
			continue
		}
		id := trackID(ssrc)
		if s, ok := c.streams[id]; ok {
			s.Close()
			delete(c.streams, id)
			closed = append(closed, id)
		}
		delete(c.ssrcUser, ssrc)
	}
	c.mu.Unlock()

	for _, id := range closed {
		c.emit(audio.Event{Type: audio.EventLeave, TrackID: id})
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
