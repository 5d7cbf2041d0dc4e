package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_PublishesValidReload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "router.json")
	writeConfigFile(t, path, `{"toolExposure": "hierarchical"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ref := NewRef(cfg)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, ref, func(c *Config) { reloaded <- c }, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start(context.Background())
	defer w.Stop()

	writeConfigFile(t, path, `{"toolExposure": "namespaced"}`)

	select {
	case c := <-reloaded:
		if c.ToolExposure != ExposureNamespaced {
			t.Errorf("toolExposure = %q, want %q", c.ToolExposure, ExposureNamespaced)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	if ref.Get().ToolExposure != ExposureNamespaced {
		t.Errorf("ref not updated: %q", ref.Get().ToolExposure)
	}
}

func TestWatcher_KeepsLastGoodOnInvalidFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "router.json")
	writeConfigFile(t, path, `{"toolExposure": "both"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ref := NewRef(cfg)

	w, err := NewWatcher(path, ref, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start(context.Background())
	defer w.Stop()

	writeConfigFile(t, path, `{"toolExposure": "both", "bogusKey": true}`)

	// Give the debounced reload time to run, then confirm the snapshot
	// still carries the last valid content.
	time.Sleep(3 * DebounceInterval)
	if !waitFor(t, time.Second, func() bool { return ref.Get().ToolExposure == ExposureBoth }) {
		t.Errorf("last good config lost: %q", ref.Get().ToolExposure)
	}
}

func TestWatcher_StopIsPrompt(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "router.json")
	writeConfigFile(t, path, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	w, err := NewWatcher(path, NewRef(cfg), nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
