package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/speaker"
	"github.com/MrWong99/rememberme/internal/summarize"
	"github.com/MrWong99/rememberme/pkg/memory/postgres"
)

// runRecap prints the patient's daily recap, or the answer to a caregiver
// question when question is set. Only the store and the LLM are needed.
func runRecap(ctx context.Context, out io.Writer, configPath, question string, days int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogLevel, nil))

	dims := cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = 1536
	}
	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := buildLLM(cfg.Providers.LLM, cfg.Providers.LLMFallbacks, reg, nil)
	if err != nil {
		return err
	}

	reporter := summarize.NewReporter(store, provider,
		summarize.WithReporterRoster(speaker.New(cfg.People)),
	)

	var text string
	if question != "" {
		text, err = reporter.Ask(ctx, question, days)
	} else {
		text, err = reporter.DailyRecap(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}
