package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/rememberme/internal/app"
	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/resilience"
	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/audio/discord"
	"github.com/MrWong99/rememberme/pkg/audio/livekit"
	"github.com/MrWong99/rememberme/pkg/audio/wsingest"
	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/rememberme/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/rememberme/pkg/provider/embeddings/openai"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
	"github.com/MrWong99/rememberme/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/rememberme/pkg/provider/llm/openai"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
	"github.com/MrWong99/rememberme/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/rememberme/pkg/provider/stt/openai"
	"github.com/MrWong99/rememberme/pkg/provider/stt/whisper"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors share one pattern through any-llm-go: optional
	// APIKey (otherwise read from the vendor's env var) and optional BaseURL.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := entry.StringOption("prompt", ""); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	registerNativeWhisper(reg)

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := entry.IntOption("dimensions", 0); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := entry.IntOption("dimensions", 0); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})
}

// registerSources wires the frame source factories. Resources that outlive
// the source, such as the Discord gateway session, are added to cleanup.
func registerSources(reg *config.Registry, cleanup *cleanups) {
	reg.RegisterSource(config.SourceLiveKit, func(cfg *config.Config) (audio.Platform, error) {
		return livekit.New(livekit.Config{
			URL:       cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			Identity:  cfg.LiveKit.Identity,
		}), nil
	})

	reg.RegisterSource(config.SourceDiscord, func(cfg *config.Config) (audio.Platform, error) {
		session, err := discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers
		if err := session.Open(); err != nil {
			return nil, fmt.Errorf("discord gateway: %w", err)
		}
		cleanup.add(session.Close)
		slog.Info("discord gateway connected", "guild_id", cfg.Discord.GuildID)
		return discord.New(session, cfg.Discord.GuildID), nil
	})

	reg.RegisterSource(config.SourceWebSocket, func(*config.Config) (audio.Platform, error) {
		return wsingest.New(), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// Configured fallbacks wrap the primary in a circuit-breaking fallback chain.
// m may be nil.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.STT, err = buildSTT(cfg.Providers, reg, m); err != nil {
		return nil, err
	}
	if ps.LLM, err = buildLLM(cfg.Providers.LLM, cfg.Providers.LLMFallbacks, reg, m); err != nil {
		return nil, err
	}
	if entry := cfg.Providers.ClinicalLLM; entry.Name != "" {
		if ps.ClinicalLLM, err = buildLLM(entry, cfg.Providers.LLMFallbacks, reg, m); err != nil {
			return nil, fmt.Errorf("clinical: %w", err)
		}
	}
	if cfg.Providers.Embeddings.Name != "" {
		if ps.Embeddings, err = buildEmbeddings(cfg.Providers, reg, m); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func buildSTT(pc config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (stt.Provider, error) {
	primary, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, providerErr(reg, "stt", pc.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name)
	if len(pc.STTFallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewSTTFallback(primary, pc.STT.Name, resilience.FallbackConfig{Kind: "stt", Metrics: m})
	for _, entry := range pc.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, providerErr(reg, "stt fallback", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

func buildLLM(primaryEntry config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	primary, err := reg.CreateLLM(primaryEntry)
	if err != nil {
		return nil, providerErr(reg, "llm", primaryEntry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primaryEntry.Name, "model", primaryEntry.Model)
	if len(fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewLLMFallback(primary, primaryEntry.Name, resilience.FallbackConfig{Kind: "llm", Metrics: m})
	for _, entry := range fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, providerErr(reg, "llm fallback", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

func buildEmbeddings(pc config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (embeddings.Provider, error) {
	primary, err := reg.CreateEmbeddings(pc.Embeddings)
	if err != nil {
		return nil, providerErr(reg, "embeddings", pc.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", pc.Embeddings.Name, "dimensions", primary.Dimensions())
	if len(pc.EmbeddingsFallbacks) == 0 {
		return primary, nil
	}

	// Vectors from different models are not comparable, so every fallback
	// must match the primary's dimensions.
	fb := resilience.NewEmbeddingsFallback(primary, pc.Embeddings.Name, resilience.FallbackConfig{Kind: "embeddings", Metrics: m})
	for _, entry := range pc.EmbeddingsFallbacks {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, providerErr(reg, "embeddings fallback", entry.Name, err)
		}
		if err := fb.AddFallback(entry.Name, p); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

func providerErr(reg *config.Registry, kind, name string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		base, _, _ := strings.Cut(kind, " ")
		return fmt.Errorf("%s provider %q is not available in this build (have %s): %w",
			kind, name, strings.Join(reg.Names(base), ", "), err)
	}
	return fmt.Errorf("create %s provider %q: %w", kind, name, err)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       rememberme: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printRow(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printRow(w, "Clinical LLM", cfg.Providers.ClinicalLLM.Name, cfg.Providers.ClinicalLLM.Model)
	printRow(w, "Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printRow(w, "Source", string(cfg.Source.Type), "")
	fmt.Fprintf(w, "║  People known    : %-19d ║\n", len(cfg.People))
	if cfg.MCP.Enabled {
		fmt.Fprintf(w, "║  MCP             : %-19s ║\n", cfg.MCP.Path)
	} else {
		fmt.Fprintf(w, "║  MCP             : %-19s ║\n", "(disabled)")
	}
	fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
