package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/rememberme/pkg/provider/llm"
)

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You summarise conversations.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "transcript"}},
		Temperature:  0.3,
		MaxTokens:    150,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].ContentString() != "transcript" {
		t.Errorf("user content = %q", params.Messages[1].ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("max tokens = %v, want 150", params.MaxTokens)
	}
}

func TestBuildParams_DefaultsLeftUnset(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.1"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("expected only the user message, got %d", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Error("expected nil temperature")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil max tokens")
	}
}

func TestBuildParams_JSONAddsInstruction(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.1"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		JSON:     true,
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected injected system message, got %d messages", len(params.Messages))
	}
	if got := params.Messages[0].ContentString(); got != jsonInstruction {
		t.Errorf("system content = %q", got)
	}

	params = p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Extract clinical fields.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		JSON:         true,
	})
	got := params.Messages[0].ContentString()
	if !strings.HasPrefix(got, "Extract clinical fields.") || !strings.HasSuffix(got, jsonInstruction) {
		t.Errorf("system content = %q", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	_, err := New("not-a-backend", "x")
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "ollama") {
		t.Errorf("error should list supported backends, got %v", err)
	}
}

func TestNew_Ollama(t *testing.T) {
	t.Parallel()

	p, err := New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://localhost:11434"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "llama3.1" {
		t.Errorf("model = %q", p.model)
	}
}
