package app

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/rememberme/pkg/audio"
)

// Attacher opens a segmentation session for every track of a connection.
// Implemented by [track.Manager].
type Attacher interface {
	Attach(ctx context.Context, conn audio.Connection)
	CloseAll()
}

// ListenerInfo holds metadata about the active listening session.
type ListenerInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Source is the configured source type ("livekit", "discord", ...).
	Source string

	// ChannelID is the room or voice channel being listened to. Empty for
	// sources without channels.
	ChannelID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// Listener manages the connection to the frame source. Only one session can
// be active at a time. All exported methods are safe for concurrent use.
type Listener struct {
	platform audio.Platform
	tracks   Attacher
	source   string
	now      func() time.Time

	mu     sync.Mutex
	active bool
	info   ListenerInfo
	conn   audio.Connection
	cancel context.CancelFunc
}

// NewListener returns a Listener that connects to platform and hands every
// track to tracks.
func NewListener(platform audio.Platform, tracks Attacher, source string) *Listener {
	return &Listener{
		platform: platform,
		tracks:   tracks,
		source:   source,
		now:      time.Now,
	}
}

// Start connects to channelID and attaches the connection's tracks. The
// tracks live until [Listener.Stop] or until ctx is done.
//
// Returns an error if a session is already active.
func (l *Listener) Start(ctx context.Context, channelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return fmt.Errorf("listener: a session is already active (id=%s)", l.info.SessionID)
	}

	now := l.now().UTC()
	name := channelID
	if name == "" {
		name = l.source
	}
	sessionID := fmt.Sprintf("listen-%s-%s", sanitizeName(name), now.Format("20060102T150405Z"))

	conn, err := l.platform.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("listener: connect to %q: %w", channelID, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	l.tracks.Attach(sessionCtx, conn)

	l.active = true
	l.conn = conn
	l.cancel = cancel
	l.info = ListenerInfo{
		SessionID: sessionID,
		Source:    l.source,
		ChannelID: channelID,
		StartedAt: now,
	}

	slog.Info("listener started",
		"session_id", sessionID,
		"source", l.source,
		"channel_id", channelID,
		"tracks", len(conn.InputStreams()),
	)
	return nil
}

// Stop disconnects from the source and closes every track, discarding
// partial segments. Segments already dispatched keep running.
//
// Returns an error if no session is active.
func (l *Listener) Stop(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return fmt.Errorf("listener: no active session to stop")
	}

	sessionID := l.info.SessionID
	if err := l.conn.Disconnect(); err != nil {
		slog.Warn("listener: disconnect error", "session_id", sessionID, "err", err)
	}
	l.cancel()
	l.tracks.CloseAll()

	l.active = false
	l.conn = nil
	l.cancel = nil
	l.info = ListenerInfo{}

	slog.Info("listener stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is running.
func (l *Listener) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Info returns a copy of the active session's metadata. The zero value is
// returned when no session is active.
func (l *Listener) Info() ListenerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeName lower-cases s and collapses anything but letters and digits
// into single dashes.
func sanitizeName(s string) string {
	out := strings.Trim(unsafeNameChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if out == "" {
		return "default"
	}
	return out
}
