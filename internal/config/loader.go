package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "whisper-native", "openai", "deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultWebSocketPath = "/ingest"
	DefaultMCPPath       = "/mcp"
	DefaultPatientID     = "patient_001"
	DefaultLiveKitRoom   = "rememberme_call"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references against the environment, decodes
// the YAML from r, fills defaults and validates the result. Unknown keys are
// rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills optional fields that were left empty. Segmentation
// thresholds are never defaulted.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = SourceLiveKit
	}
	if cfg.Source.WebSocketPath == "" {
		cfg.Source.WebSocketPath = DefaultWebSocketPath
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.Patient.ID == "" {
		cfg.Patient.ID = DefaultPatientID
	}
	if cfg.LiveKit.Room == "" {
		cfg.LiveKit.Room = DefaultLiveKitRoom
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Segmentation
	if err := cfg.Segmentation.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}
	if cfg.Segmentation.MaxConcurrentDispatches < 0 {
		errs = append(errs, fmt.Errorf("segmentation.max_concurrent_dispatches must be >= 0, got %d", cfg.Segmentation.MaxConcurrentDispatches))
	}
	if cfg.Segmentation.DispatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("segmentation.dispatch_timeout must be >= 0, got %s", cfg.Segmentation.DispatchTimeout))
	}

	// Source
	switch cfg.Source.Type {
	case SourceLiveKit:
		if !cfg.LiveKit.Configured() {
			errs = append(errs, errors.New("source livekit requires livekit.url, livekit.api_key and livekit.api_secret"))
		}
		if cfg.LiveKit.Room == "" {
			errs = append(errs, errors.New("source livekit requires livekit.room"))
		}
	case SourceDiscord:
		if cfg.Discord.Token == "" || cfg.Discord.GuildID == "" || cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("source discord requires discord.token, discord.guild_id and discord.channel_id"))
		}
	case SourceWebSocket:
		if !strings.HasPrefix(cfg.Source.WebSocketPath, "/") {
			errs = append(errs, fmt.Errorf("source.websocket_path %q must start with /", cfg.Source.WebSocketPath))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type %q is invalid; valid values: livekit, discord, websocket", cfg.Source.Type))
	}
	if cfg.LiveKit.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("livekit.token_ttl must be >= 0, got %s", cfg.LiveKit.TokenTTL))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.ClinicalLLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
		}
		validateProviderName("embeddings", fb.Name)
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("memory.embedding_dimensions is required when providers.embeddings is configured"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions must be >= 0, got %d", cfg.Memory.EmbeddingDimensions))
	}

	// People
	seen := make(map[string]int, len(cfg.People))
	for i, p := range cfg.People {
		prefix := fmt.Sprintf("people[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := strings.ToLower(p.Name)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of people[%d]", prefix, p.Name, prev))
		}
		seen[key] = i
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	if cfg.Recordings.Dir == "" {
		slog.Debug("recordings.dir is empty; segment audio will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
