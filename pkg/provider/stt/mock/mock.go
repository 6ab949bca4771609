// Package mock provides a test double for the stt.Provider interface.
//
//	p := &mock.Provider{Text: "we went to the market"}
//	text, _ := p.Transcribe(ctx, wav)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	WAV []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when TranscribeFunc is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, when set, overrides Text and Err.
	TranscribeFunc func(ctx context.Context, wav []byte) (string, error)

	// TranscribeCalls records every invocation in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, WAV: wav})
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, wav)
	}
	return text, err
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

var _ stt.Provider = (*Provider)(nil)
