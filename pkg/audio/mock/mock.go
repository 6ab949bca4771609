// Package mock provides in-memory mock implementations of [audio.Platform]
// and [audio.Connection] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	frames := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{
//	    InputStreamsResult: map[string]<-chan audio.AudioFrame{"patient": frames},
//	    Speakers:           map[string]string{"patient": "Margaret"},
//	}
//	platform := &mock.Platform{ConnectResult: conn}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rememberme/pkg/audio"
)

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by InputStreams. Defaults to an empty map.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// Speakers maps track IDs to the value returned by Speaker.
	Speakers map[string]string

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	CallCountInputStreams        int
	CallCountDisconnect          int
	CallCountOnParticipantChange int

	callback func(audio.Event)
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.InputStreamsResult))
	for id, ch := range c.InputStreamsResult {
		snap[id] = ch
	}
	return snap
}

// Speaker implements [audio.Connection].
func (c *Connection) Speaker(trackID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Speakers[trackID]
}

// OnParticipantChange implements [audio.Connection]. Use [Connection.EmitEvent]
// to drive the registered callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.callback = cb
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// AddTrack registers a new input stream, as a platform would on join. It does
// not emit an event; call EmitEvent afterwards.
func (c *Connection) AddTrack(trackID, speaker string, ch <-chan audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InputStreamsResult == nil {
		c.InputStreamsResult = make(map[string]<-chan audio.AudioFrame)
	}
	if c.Speakers == nil {
		c.Speakers = make(map[string]string)
	}
	c.InputStreamsResult[trackID] = ch
	c.Speakers[trackID] = speaker
}

// EmitEvent synchronously invokes the registered participant callback.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect.
	ConnectError error

	// ConnectCalls records the channelID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	return p.ConnectResult, p.ConnectError
}
