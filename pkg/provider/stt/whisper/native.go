//go:build whispercpp

// NativeProvider is only built with the whispercpp tag: it needs libwhisper.a
// and whisper.h on LIBRARY_PATH and C_INCLUDE_PATH at link time.

package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; each Transcribe call creates its own
// inference context because contexts are not safe for concurrent use.
type NativeProvider struct {
	model    whisperlib.Model
	language string
}

// NewNative loads the ggml model at modelPath.
func NewNative(modelPath string, language string) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if language == "" {
		language = defaultLanguage
	}
	return &NativeProvider{model: model, language: language}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Provider. whisper.cpp expects 16 kHz input; other
// rates are resampled before inference.
func (p *NativeProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	pcm, format, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("whisper: decode wav: %w", err)
	}
	if format.Channels > 1 {
		pcm = audio.StereoToMono(pcm)
	}
	if format.SampleRate != whisperSampleRate {
		pcm = audio.ResampleMono16(pcm, format.SampleRate, whisperSampleRate)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "err", err)
	}
	if err := wctx.Process(pcmToFloat32(pcm), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
