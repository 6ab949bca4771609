package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/segment"
)

const cliYAML = `
segmentation:
  energy_threshold: 500
  min_speech_frames: 3
  silence_frame_threshold: 40
  min_buffer_frames_to_dispatch: 10
  sample_rate: 16000
source:
  type: livekit
livekit:
  url: wss://example.livekit.cloud
  api_key: devkey
  api_secret: a-secret-that-is-long-enough-for-hs256
  room: family-room
providers:
  stt:
    name: whisper
    base_url: http://localhost:8178
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
memory:
  postgres_dsn: postgres://localhost/rememberme
people:
  - name: Sarah
    relationship: daughter
`

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cliYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "rememberme "+version {
		t.Errorf("output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Parallel()
	out, err := run(t, "token", "--config", writeCLIConfig(t), "--identity", "sarah-phone")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tok := strings.TrimSpace(out)
	if strings.Count(tok, ".") != 2 {
		t.Errorf("output %q is not a JWT", tok)
	}
}

func TestTokenCommand_MissingConfig(t *testing.T) {
	t.Parallel()
	_, err := run(t, "token", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "configs/example.yaml") {
		t.Fatalf("err = %v, want a hint to the example config", err)
	}
}

func TestReplayCommand_RequiresFiles(t *testing.T) {
	t.Parallel()
	if _, err := run(t, "replay", "--config", writeCLIConfig(t)); err == nil {
		t.Fatal("replay without files should fail")
	}
}

func TestReplayTrailingSilence(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Segmentation: config.SegmentationConfig{
		Thresholds: segment.Thresholds{SilenceFrameThreshold: 50},
	}}
	if got, want := replayTrailingSilence(cfg), 55*20*time.Millisecond; got != want {
		t.Errorf("replayTrailingSilence = %v, want %v", got, want)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeCLIConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ps, err := buildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.STT == nil || ps.LLM == nil {
		t.Fatalf("providers = %+v, want STT and LLM", ps)
	}
	if ps.ClinicalLLM != nil || ps.Embeddings != nil {
		t.Errorf("unconfigured providers were built: %+v", ps)
	}
}

func TestBuildProviders_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeCLIConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Providers.STT.Name = "whisper-native"

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	_, err = buildProviders(cfg, reg, nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Skipf("whisper-native is available in this build (err = %v)", err)
	}
	if !strings.Contains(err.Error(), "whisper") {
		t.Errorf("err = %v, want the available backends listed", err)
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeCLIConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)
	out := buf.String()
	for _, want := range []string{"whisper", "openai / gpt-4o-mini", "(not configured)", "livekit", "(disabled)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
