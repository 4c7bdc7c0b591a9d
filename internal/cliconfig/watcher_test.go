package cliconfig

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRewriteWatcherReloads(t *testing.T) {
	path := writeFile(t, "config.toml", "[host_rewrite]\n\"10.0.0.1\" = \"a\"\n")

	got := make(chan map[string]string, 4)
	w := NewRewriteWatcher(path, func(m map[string]string) { got <- m }, zerolog.New(io.Discard))
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("[host_rewrite]\n\"10.0.0.1\" = \"b\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if m["10.0.0.1"] != "b" {
			t.Fatalf("reloaded map = %v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestRewriteWatcherIgnoresInvalidFile(t *testing.T) {
	path := writeFile(t, "config.toml", "")

	called := false
	w := NewRewriteWatcher(path, func(map[string]string) { called = true }, zerolog.New(io.Discard))

	if err := os.WriteFile(path, []byte("host_rewrite = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if called {
		t.Fatal("apply called for an unparsable file")
	}

	if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	var applied map[string]string
	w.apply = func(m map[string]string) { applied = m }
	w.reload()
	if applied == nil || len(applied) != 0 {
		t.Fatalf("empty file should clear the rewrite, got %v", applied)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(io.Discard, "debug", true); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(io.Discard, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(io.Discard, "loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
