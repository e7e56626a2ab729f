package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	mu      sync.Mutex
	configs []*Config
}

func (r *reloadRecorder) callback(cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

func (r *reloadRecorder) last() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.configs) == 0 {
		return nil
	}
	return r.configs[len(r.configs)-1]
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{}, func(*Config) error { return nil })
	assert.Error(t, err, "empty file path")

	_, err = NewWatcher(WatcherConfig{FilePath: "x.yaml"}, nil)
	assert.Error(t, err, "nil callback")
}

func TestWatcherDeliversInitialConfig(t *testing.T) {
	path := writeConfigFile(t, "confidence_threshold: 0.75\n")
	rec := &reloadRecorder{}

	w, err := NewWatcher(WatcherConfig{FilePath: path, DebounceMillis: 50}, rec.callback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 0.75, rec.last().ConfidenceThreshold)
}

func TestWatcherFailsOnInvalidInitialConfig(t *testing.T) {
	path := writeConfigFile(t, "confidence_threshold: 9\n")
	w, err := NewWatcher(WatcherConfig{FilePath: path, DebounceMillis: 50}, func(*Config) error { return nil })
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial config")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "confidence_threshold: 0.7\n")
	rec := &reloadRecorder{}

	w, err := NewWatcher(WatcherConfig{FilePath: path, DebounceMillis: 50}, rec.callback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("confidence_threshold: 0.85\n"), 0o644))

	require.Eventually(t, func() bool {
		return rec.count() >= 2
	}, 5*time.Second, 20*time.Millisecond, "reload should fire after debounce")
	assert.Equal(t, 0.85, rec.last().ConfidenceThreshold)
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	path := writeConfigFile(t, "confidence_threshold: 0.7\n")
	rec := &reloadRecorder{}

	w, err := NewWatcher(WatcherConfig{FilePath: path, DebounceMillis: 50}, rec.callback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("confidence_threshold: 99\n"), 0o644))

	// give the debounce a chance to fire; the invalid file must not reach
	// the callback
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestWatcherStop(t *testing.T) {
	path := writeConfigFile(t, "")
	w, err := NewWatcher(WatcherConfig{FilePath: path, DebounceMillis: 50}, func(*Config) error { return nil })
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}
