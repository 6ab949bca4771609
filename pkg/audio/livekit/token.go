package livekit

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// DefaultTokenTTL is the validity of minted tokens when the caller passes 0.
const DefaultTokenTTL = time.Hour

// ErrNotConfigured is returned by [MintToken] when the API key or secret is
// missing.
var ErrNotConfigured = errors.New("livekit: api key and secret are not configured")

// TokenRequest describes a participant token.
type TokenRequest struct {
	APIKey    string
	APISecret string
	Room      string
	Identity  string

	// Name is the display name. Defaults to Identity.
	Name string

	// TTL defaults to [DefaultTokenTTL].
	TTL time.Duration

	// Subscribe-only tokens cannot publish tracks. The listener uses them;
	// browser participants get publish rights.
	SubscribeOnly bool
}

// MintToken returns a signed JWT that lets the holder join req.Room.
func MintToken(req TokenRequest) (string, error) {
	if req.APIKey == "" || req.APISecret == "" {
		return "", ErrNotConfigured
	}
	if req.Room == "" || req.Identity == "" {
		return "", errors.New("livekit: token needs a room and an identity")
	}
	if req.TTL <= 0 {
		req.TTL = DefaultTokenTTL
	}
	if req.Name == "" {
		req.Name = req.Identity
	}

	publish, subscribe := !req.SubscribeOnly, true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         req.Room,
		CanPublish:   &publish,
		CanSubscribe: &subscribe,
	}
	at := auth.NewAccessToken(req.APIKey, req.APISecret)
	at.AddGrant(grant).
		SetIdentity(req.Identity).
		SetName(req.Name).
		SetValidFor(req.TTL)

	tok, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("livekit: sign token: %w", err)
	}
	return tok, nil
}
