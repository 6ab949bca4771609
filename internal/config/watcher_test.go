package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rememberme/internal/config"
)

var louderYAML = strings.Replace(minimalYAML, "energy_threshold: 500", "energy_threshold: 900", 1) + `
server:
  log_level: debug
`

const brokenYAML = `
server:
  log_level: bananas
`

type reload struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watch writes content to a fresh config file and watches it with a short
// interval. Every reload is sent on the returned channel.
func watch(t *testing.T, content string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content)

	reloads := make(chan reload, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		reloads <- reload{old, new, d}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// writeConfig replaces the file and pushes its mtime forward so the next poll
// notices even on filesystems with coarse timestamps.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	touch(t, path)
}

func touch(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	next := info.ModTime().Add(2 * time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", r.diff)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, minimalYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil")
	}
	if cfg.Segmentation.EnergyThreshold != 500 {
		t.Errorf("EnergyThreshold = %v, want 500", cfg.Segmentation.EnergyThreshold)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(brokenYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_ReportsDiff(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, minimalYAML)

	writeConfig(t, path, louderYAML)

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if r.old.Segmentation.EnergyThreshold != 500 || r.new.Segmentation.EnergyThreshold != 900 {
		t.Errorf("old/new energy threshold = %v/%v, want 500/900",
			r.old.Segmentation.EnergyThreshold, r.new.Segmentation.EnergyThreshold)
	}
	if !r.diff.SegmentationChanged || !r.diff.LogLevelChanged || r.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want segmentation and log level (debug)", r.diff)
	}
	if w.Current() != r.new {
		t.Error("Current() should return the reloaded config")
	}
	expectNoReload(t, reloads)
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, minimalYAML)
	initial := w.Current()

	writeConfig(t, path, brokenYAML)
	expectNoReload(t, reloads)
	if w.Current() != initial {
		t.Error("Current() changed after an invalid edit")
	}

	// Fixing the file is picked up again.
	writeConfig(t, path, louderYAML)
	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload after the fix")
	}
}

func TestWatcher_IgnoresIneffectiveEdits(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, minimalYAML)
	initial := w.Current()

	touch(t, path)
	expectNoReload(t, reloads)

	writeConfig(t, path, "# just a comment\n"+minimalYAML)
	expectNoReload(t, reloads)
	if w.Current() == initial {
		t.Error("Current() should track the edited file even without effective changes")
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, minimalYAML)
	w.Stop()
	w.Stop()
}
