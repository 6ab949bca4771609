//go:build !whispercpp

package main

import "github.com/MrWong99/rememberme/internal/config"

// registerNativeWhisper is a no-op without the whispercpp build tag; a
// config naming whisper-native then fails with ErrProviderNotRegistered.
func registerNativeWhisper(*config.Registry) {}
