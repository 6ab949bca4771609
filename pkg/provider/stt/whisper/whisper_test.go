package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/provider/stt/whisper"
)

type inference struct {
	language string
	model    string
	wav      []byte
}

// newInferenceServer answers POST /inference with responseText and forwards
// every parsed request on the returned channel.
func newInferenceServer(t *testing.T, responseText string) (*httptest.Server, <-chan inference) {
	t.Helper()
	got := make(chan inference, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, _ := io.ReadAll(f)
		got <- inference{language: r.FormValue("language"), model: r.FormValue("model"), wav: wav}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNew_EmptyServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_PostsWAV(t *testing.T) {
	t.Parallel()

	srv, got := newInferenceServer(t, "  I had tea with Sarah.\n")
	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"), whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav := audio.EncodeWAV(make([]byte, 3200), audio.Format{SampleRate: 16000, Channels: 1})
	text, err := p.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I had tea with Sarah." {
		t.Errorf("text = %q", text)
	}

	req := <-got
	if req.language != "de" || req.model != "small" {
		t.Errorf("fields = %+v", req)
	}
	if len(req.wav) != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", len(req.wav), len(wav))
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), []byte("RIFF"))
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code: %v", err)
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Transcribe(ctx, []byte("RIFF")); err == nil {
		t.Fatal("expected error after context deadline")
	}
}
