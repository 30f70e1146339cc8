package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c })
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Give the watcher time to register before the first edit.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("timezone: Mars/Olympus\n"), 0o600))
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(3 * watchDebounce):
	}

	next := DefaultConfig()
	next.LogLevel = "debug"
	require.NoError(t, Save(path, next))

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after save")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "absent", "config.yaml"), func(*Config) {})
	assert.Error(t, err)
}
