package resilience

import (
	"context"

	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that transcribes with the first healthy
// backend of a [FallbackGroup].
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback that prefers primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend after the existing ones.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe implements [stt.Provider]. An empty transcript is a valid
// answer and does not trigger failover.
func (f *STTFallback) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, wav)
	})
}
