// Package audio defines the frame-source contracts consumed by the
// segmentation engine and the PCM helpers shared by the source adapters.
//
// The two primary abstractions are:
//
//   - [Platform] connects to a call (a LiveKit room, a Discord voice channel,
//     an ingest endpoint) and returns a [Connection].
//   - [Connection] exposes one frame channel per live track plus
//     participant lifecycle events.
//
// Sources only ever receive audio. Adapters live in sub-packages
// (audio/livekit, audio/discord, audio/wsingest, audio/wavfile).
package audio

import (
	"context"
)

// EventType classifies track lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a new track starts delivering audio.
	EventJoin EventType = iota

	// EventLeave is emitted when a track's participant disconnects.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a track lifecycle change.
type Event struct {
	// Type indicates whether the track appeared or went away.
	Type EventType

	// TrackID is the key of the track in [Connection.InputStreams].
	TrackID string

	// Speaker is the participant name or role reported by the session layer.
	// It may be empty when the platform has no metadata for the track.
	Speaker string
}

// Connection is a live, receive-only session on a call.
//
// All frame channels returned by InputStreams are closed when the track ends
// or when Disconnect is called. Implementations must be safe for concurrent
// use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-track frame channels
	// keyed by track ID. Call it again after an [EventJoin] to pick up the new
	// channel.
	InputStreams() map[string]<-chan AudioFrame

	// Speaker returns the participant name or role behind trackID, or the
	// empty string when unknown.
	Speaker(trackID string) string

	// OnParticipantChange registers cb for join and leave events. Only one
	// callback is kept; later calls replace earlier ones. cb runs on an
	// internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears the connection down and closes every frame channel.
	// Calling it more than once is a no-op.
	Disconnect() error
}

// Platform connects to a call and returns a [Connection].
type Platform interface {
	// Connect joins the call identified by channelID. ctx bounds the connection
	// attempt only; the returned Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
