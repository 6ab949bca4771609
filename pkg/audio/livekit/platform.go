// Package livekit provides an [audio.Platform] that joins a LiveKit room as a
// hidden listener and turns every subscribed audio track into a PCM stream.
//
// Incoming RTP carries Opus; each track gets its own decoder and is padded
// with silence while the publisher's DTX suppresses packets.
package livekit

import (
	"context"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/rememberme/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Config holds the server URL and credentials of a LiveKit deployment.
type Config struct {
	URL       string
	APIKey    string
	APISecret string

	// Identity is the listener's participant identity.
	Identity string
}

// Platform implements [audio.Platform] for LiveKit rooms.
type Platform struct {
	cfg Config
}

// New returns a Platform for cfg. Connect fails when credentials are missing.
func New(cfg Config) *Platform {
	if cfg.Identity == "" {
		cfg.Identity = "rememberme-listener"
	}
	return &Platform{cfg: cfg}
}

// Connect joins room and returns a receive-only [audio.Connection]. Audio
// tracks subscribed before Connect returns are picked up immediately.
func (p *Platform) Connect(ctx context.Context, room string) (audio.Connection, error) {
	if p.cfg.URL == "" || p.cfg.APIKey == "" || p.cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := newConnection()
	cb := &lksdk.RoomCallback{
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			c.removeParticipant(rp.Identity())
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				c.addTrack(pub.SID(), rp.Identity(), speakerOf(rp), func() (*rtp.Packet, error) {
					pkt, _, err := track.ReadRTP()
					return pkt, err
				})
			},
			OnTrackUnsubscribed: func(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, _ *lksdk.RemoteParticipant) {
				c.removeTrack(pub.SID())
			},
		},
	}

	r, err := lksdk.ConnectToRoom(p.cfg.URL, lksdk.ConnectInfo{
		APIKey:              p.cfg.APIKey,
		APISecret:           p.cfg.APISecret,
		RoomName:            room,
		ParticipantIdentity: p.cfg.Identity,
	}, cb)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("livekit: connect to room %q: %w", room, err)
	}
	c.leave = r.Disconnect
	return c, nil
}

// speakerOf prefers the participant's display name over its identity.
func speakerOf(rp *lksdk.RemoteParticipant) string {
	if n := rp.Name(); n != "" {
		return n
	}
	return rp.Identity()
}
