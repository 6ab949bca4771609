package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/audio/opus"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

func newTestConnection(t *testing.T) (*Connection, chan *discordgo.Packet) {
	t.Helper()
	recv := make(chan *discordgo.Packet, 16)
	vc := &discordgo.VoiceConnection{OpusRecv: recv}
	names := map[string]string{"u1": "Sarah", "u2": "John"}
	c := newConnection(vc, "guild-test", "chan-1", func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	})
	c.disconnectVC = func() error { return nil }
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, recv
}

type eventLog struct {
	mu     sync.Mutex
	events []audio.Event
	ch     chan audio.Event
}

func newEventLog(c *Connection) *eventLog {
	l := &eventLog{ch: make(chan audio.Event, 8)}
	c.OnParticipantChange(func(ev audio.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.ch <- ev
	})
	return l
}

func (l *eventLog) next(t *testing.T) audio.Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return audio.Event{}
	}
}

func opusPacket(t *testing.T) []byte {
	t.Helper()
	enc, err := gopus.NewEncoder(opus.SampleRate, 1, gopus.Voip)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := enc.Encode(make([]int16, opus.FrameSamples), opus.FrameSamples, 4000)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

// ─── Platform ─────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()
	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s || p.guildID != "guild-123" {
		t.Errorf("New() = %+v", p)
	}
}

func TestMemberName_NoState(t *testing.T) {
	t.Parallel()
	if got := memberName(nil, "g")("u1"); got != "u1" {
		t.Errorf("got %q, want the user ID", got)
	}
}

func TestMemberName_PrefersNick(t *testing.T) {
	t.Parallel()
	state := discordgo.NewState()
	if err := state.GuildAdd(&discordgo.Guild{ID: "g"}); err != nil {
		t.Fatal(err)
	}
	members := []*discordgo.Member{
		{GuildID: "g", Nick: "Grandpa Joe", User: &discordgo.User{ID: "u1", Username: "joe42"}},
		{GuildID: "g", User: &discordgo.User{ID: "u2", Username: "sarah_k", GlobalName: "Sarah"}},
		{GuildID: "g", User: &discordgo.User{ID: "u3", Username: "john"}},
	}
	for _, m := range members {
		if err := state.MemberAdd(m); err != nil {
			t.Fatal(err)
		}
	}
	resolve := memberName(&discordgo.Session{State: state}, "g")

	for id, want := range map[string]string{"u1": "Grandpa Joe", "u2": "Sarah", "u3": "john", "u9": "u9"} {
		if got := resolve(id); got != want {
			t.Errorf("resolve(%q) = %q, want %q", id, got, want)
		}
	}
}

// ─── Connection ───────────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t)
	calls := 0
	c.disconnectVC = func() error {
		calls++
		return errors.New("already gone")
	}
	if err := c.Disconnect(); err == nil {
		t.Error("first Disconnect should surface the voice error")
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
	if calls != 1 {
		t.Errorf("voice disconnect called %d times", calls)
	}
}

func TestConnection_PacketOpensTrack(t *testing.T) {
	t.Parallel()
	c, recv := newTestConnection(t)
	events := newEventLog(c)

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 42, Speaking: true})
	recv <- &discordgo.Packet{SSRC: 42, Opus: opusPacket(t)}

	ev := events.next(t)
	if ev.Type != audio.EventJoin || ev.TrackID != "discord-42" || ev.Speaker != "Sarah" {
		t.Errorf("event = %+v", ev)
	}
	ch, ok := c.InputStreams()["discord-42"]
	if !ok {
		t.Fatal("no input stream for discord-42")
	}
	select {
	case f := <-ch:
		if f.SampleRate != opus.SampleRate || f.Channels != 1 {
			t.Errorf("frame format = %d/%d", f.SampleRate, f.Channels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
	if got := c.Speaker("discord-42"); got != "Sarah" {
		t.Errorf("Speaker = %q", got)
	}

	// A second packet on the same SSRC must not emit another join.
	recv <- &discordgo.Packet{SSRC: 42, Opus: opusPacket(t)}
	select {
	case ev := <-events.ch:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_UnknownUserHasNoSpeaker(t *testing.T) {
	t.Parallel()
	c, recv := newTestConnection(t)
	events := newEventLog(c)

	recv <- &discordgo.Packet{SSRC: 7, Opus: opusPacket(t)}
	if ev := events.next(t); ev.Speaker != "" {
		t.Errorf("Speaker = %q, want empty before a speaking update", ev.Speaker)
	}
	if got := c.Speaker("discord-7"); got != "" {
		t.Errorf("Speaker() = %q", got)
	}
}

func TestConnection_LeaveClosesTrack(t *testing.T) {
	t.Parallel()
	c, recv := newTestConnection(t)
	events := newEventLog(c)

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 9})
	recv <- &discordgo.Packet{SSRC: 9, Opus: opusPacket(t)}
	events.next(t)
	ch := c.InputStreams()["discord-9"]

	// Another guild and a user who stays are ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "other", UserID: "u2"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u2", ChannelID: "chan-1"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})
	if _, ok := c.InputStreams()["discord-9"]; !ok {
		t.Fatal("track closed by an unrelated update")
	}

	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u2"},
		BeforeUpdate: &discordgo.VoiceState{ChannelID: "chan-1"},
	})
	if ev := events.next(t); ev.Type != audio.EventLeave || ev.TrackID != "discord-9" {
		t.Errorf("event = %+v", ev)
	}
	if _, ok := c.InputStreams()["discord-9"]; ok {
		t.Error("track still listed after leave")
	}
	for range ch {
	}
}

func TestConnection_DisconnectClosesStreams(t *testing.T) {
	t.Parallel()
	c, recv := newTestConnection(t)
	events := newEventLog(c)
	recv <- &discordgo.Packet{SSRC: 1, Opus: opusPacket(t)}
	events.next(t)
	ch := c.InputStreams()["discord-1"]

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed by Disconnect")
	}
	if n := len(c.InputStreams()); n != 0 {
		t.Errorf("InputStreams has %d entries after Disconnect", n)
	}
}
