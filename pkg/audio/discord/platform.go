// Package discord provides an [audio.Platform] that listens to a Discord
// voice channel through bwmarrin/discordgo.
//
// Discord delivers one Opus stream per speaking user, identified by SSRC.
// Each SSRC becomes a track; the user behind it is learned from speaking
// updates and resolved to the member's display name.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/rememberme/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] on top of an open discordgo session.
// The session is owned by the caller.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New returns a Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID}
}

// Connect joins channelID muted and undeafened and returns a receive-only
// [audio.Connection]. ctx bounds the join only.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	c := newConnection(vc, p.guildID, channelID, memberName(p.session, p.guildID))
	c.removeHandler = p.session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	return c, nil
}

// memberName resolves a user ID to the guild nickname, global name or
// username, falling back to the ID.
func memberName(s *discordgo.Session, guildID string) func(userID string) string {
	return func(userID string) string {
		if s == nil || s.State == nil {
			return userID
		}
		m, err := s.State.Member(guildID, userID)
		if err != nil || m == nil {
			return userID
		}
		switch {
		case m.Nick != "":
			return m.Nick
		case m.User != nil && m.User.GlobalName != "":
			return m.User.GlobalName
		case m.User != nil && m.User.Username != "":
			return m.User.Username
		}
		return userID
	}
}
