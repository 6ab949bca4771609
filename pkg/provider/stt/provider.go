// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Segments are transcribed in one batch request after the speaker has stopped
// talking, so the contract is a single call taking a complete WAV file
// (16-bit PCM, mono) and returning the recognised text. Backends include a
// local whisper.cpp server, the whisper.cpp bindings linked in-process,
// OpenAI's transcription endpoint and Deepgram's pre-recorded API.
//
// Implementations must be safe for concurrent use: several segments from
// different tracks may be transcribed at the same time.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in wav. An empty string with a nil
	// error means the backend heard nothing intelligible. Implementations must
	// return promptly once ctx is cancelled.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
