package reloader

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_matches(t *testing.T) {
	w := &Watcher{patterns: []string{"*.go", "*.yaml"}}

	tests := []struct {
		path string
		want bool
	}{
		{path: "/project/main.go", want: true},
		{path: "/project/sub/config.yaml", want: true},
		{path: "/project/readme.md", want: false},
		{path: "/project/go", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, w.matches(tt.path))
		})
	}
}

func TestWatcher_firesCallbackOnMatchingChange(t *testing.T) {
	dir := t.TempDir()

	var fired atomic.Int64
	w, err := Listen(dir, "*.txt", func() { fired.Add(1) }, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestWatcher_ignoresNonMatchingChange(t *testing.T) {
	dir := t.TempDir()

	var fired atomic.Int64
	w, err := Listen(dir, "*.txt", func() { fired.Add(1) }, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestWatcher_collapsesOverlappingEvents(t *testing.T) {
	dir := t.TempDir()

	var running atomic.Int64
	var overlapped atomic.Bool
	w, err := Listen(dir, "*.txt", func() {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(200 * time.Millisecond)
		running.Add(-1)
	}, nil)
	require.NoError(t, err)
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "burst.txt"), []byte{byte(i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	assert.False(t, overlapped.Load(), "reload callbacks must not overlap")
}

func TestWatcher_stopIsIdempotentlySafe(t *testing.T) {
	dir := t.TempDir()

	w, err := Listen(dir, "*.txt", func() {}, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}
