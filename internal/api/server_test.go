package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/health"
	"github.com/MrWong99/rememberme/internal/observe"
)

func testLiveKit() config.LiveKitConfig {
	return config.LiveKitConfig{
		URL:       "wss://livekit.example.com",
		APIKey:    "devkey",
		APISecret: "a-secret-that-is-long-enough-for-hs256",
		Room:      "rememberme_call",
		TokenTTL:  time.Hour,
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestTokenHandler(t *testing.T) {
	t.Parallel()
	h := TokenHandler(testLiveKit())

	tests := []struct {
		path string
	}{
		{"/get_token?identity=Sarah"},
		{"/get_token"},
	}
	for _, tt := range tests {
		rec := get(t, h, tt.path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %s", tt.path, rec.Code, rec.Body)
		}
		var body TokenResponse
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", tt.path, err)
		}
		if body.Token == "" || body.Room != "rememberme_call" || body.URL != "wss://livekit.example.com" {
			t.Errorf("%s: body = %+v", tt.path, body)
		}
	}
}

func TestTokenHandler_NotConfigured(t *testing.T) {
	t.Parallel()
	lk := testLiveKit()
	lk.APISecret = ""
	rec := get(t, TokenHandler(lk), "/get_token?identity=x")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Errorf("body = %v, want an error message", body)
	}
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()
	hh := health.New(health.WithDetail("livekit_configured", func() any { return true }))
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	ingest := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	s := New(":0",
		WithMetrics(testMetrics(t)),
		WithHealth(hh),
		WithTokenEndpoint(testLiveKit()),
		WithMetricsHandler(metricsHandler),
		WithHandler("/ingest", ingest),
	)
	h := s.Handler()

	for path, want := range map[string]int{
		"/healthz":                  http.StatusOK,
		"/health":                   http.StatusOK,
		"/get_token?identity=Sarah": http.StatusOK,
		"/metrics":                  http.StatusOK,
		"/ingest?track=a":           http.StatusTeapot,
		"/nope":                     http.StatusNotFound,
	} {
		if rec := get(t, h, path); rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
	if len(s.Routes()) != 6 {
		t.Errorf("Routes() = %v", s.Routes())
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/get_token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /get_token = %d, want 405", rec.Code)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(ln.Addr().String(), WithMetrics(testMetrics(t)), WithHealth(health.New()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
