//go:build whispercpp

package main

import (
	"errors"

	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
	"github.com/MrWong99/rememberme/pkg/provider/stt/whisper"
)

// registerNativeWhisper registers the in-process whisper.cpp backend. The
// model path comes from options.model_path, falling back to the model field.
func registerNativeWhisper(reg *config.Registry) {
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.StringOption("model_path", entry.Model)
		if modelPath == "" {
			return nil, errors.New("whisper-native: options.model_path is required")
		}
		return whisper.NewNative(modelPath, entry.StringOption("language", ""))
	})
}
