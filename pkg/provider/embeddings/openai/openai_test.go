package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		opts  []Option
		want  int
	}{
		{model: "text-embedding-3-small", want: 1536},
		{model: "text-embedding-3-large", want: 3072},
		{model: "text-embedding-ada-002", want: 1536},
		{model: "my-custom-embedder", want: 0},
		{model: "text-embedding-3-large", opts: []Option{WithDimensions(256)}, want: 256},
	}
	for _, tt := range tests {
		p, err := New("sk-test", tt.model, tt.opts...)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.model, err)
		}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("%s: Dimensions() = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "x"); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
}

func TestEmbed_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	var gotDims float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		gotDims, _ = body["dimensions"].(float64)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],
			"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithDimensions(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "We talked about the grandchildren.")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.25, -0.5, 1}
	if len(vec) != len(want) {
		t.Fatalf("len = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
	if gotDims != 3 {
		t.Errorf("request dimensions = %v, want 3", gotDims)
	}
}
