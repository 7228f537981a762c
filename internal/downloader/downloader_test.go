package downloader

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/provider"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySource serves bundles from memory. Bundles listed in blocking stream
// nothing until the read context is canceled.
type memorySource struct {
	mu       sync.Mutex
	bundles  map[string][]byte
	blocking map[string]bool
	opened   chan string
}

func newMemorySource() *memorySource {
	return &memorySource{
		bundles:  make(map[string][]byte),
		blocking: make(map[string]bool),
		opened:   make(chan string, 16),
	}
}

func (s *memorySource) add(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bundles[name] = data
}

func (s *memorySource) block(name string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bundles[name] = make([]byte, size)
	s.blocking[name] = true
}

func (s *memorySource) Stat(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.bundles[name]
	if !ok {
		return 0, &source.UnavailableError{Name: name}
	}

	return int64(len(data)), nil
}

func (s *memorySource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.bundles[name]
	blocking := s.blocking[name]
	s.mu.Unlock()

	if !ok {
		return nil, &source.UnavailableError{Name: name}
	}

	s.opened <- name

	if blocking {
		return io.NopCloser(blockingReader{ctx: ctx}), nil
	}

	return io.NopCloser(iotest.OneByteReader(bytes.NewReader(data))), nil
}

type blockingReader struct {
	ctx context.Context
}

func (r blockingReader) Read([]byte) (int, error) {
	<-r.ctx.Done()

	return 0, r.ctx.Err()
}

type harness struct {
	dl      *Downloader
	src     *memorySource
	tracker *fetch.Tracker
	dir     string
}

func newHarness(t *testing.T, cfg Config, run bool) *harness {
	t.Helper()

	cfg.InstallDir = t.TempDir()

	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 4
	}

	h := &harness{
		src:     newMemorySource(),
		tracker: fetch.NewTracker(),
		dir:     cfg.InstallDir,
	}
	h.dl = New(h.src, h.tracker, cfg)

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() { done <- h.dl.Run(ctx) }()

		t.Cleanup(func() {
			cancel()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("downloader did not stop")
			}
		})
	}

	return h
}

func (h *harness) fetch(t *testing.T, name string) {
	t.Helper()

	ctx := context.Background()

	_, err := h.tracker.RequestFetch(ctx, name)
	require.NoError(t, err)
	require.NoError(t, h.dl.Fetch(ctx, name))
}

func (h *harness) waitFor(t *testing.T, name string, want fetch.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		got, err := h.tracker.CurrentStatus(name)

		return err == nil && got == want
	}, 5*time.Second, time.Millisecond, "bundle %s never reached %s", name, want)
}

func (h *harness) statuses(t *testing.T, name string) []fetch.Status {
	t.Helper()

	history, err := h.tracker.History(name)
	require.NoError(t, err)

	out := make([]fetch.Status, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.To)
	}

	return out
}

func TestDownloader_InstallsBundle(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 2, QueueSize: 4}, true)
	h.src.add("pack1", []byte("0123456789"))

	h.fetch(t, "pack1")
	h.waitFor(t, "pack1", fetch.StatusCompleted)

	path, ok := h.tracker.ResolvedPath("pack1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(h.dir, "pack1"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = os.Stat(filepath.Join(h.dir, PartialDir, "pack1.part"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, []fetch.Status{
		fetch.StatusPending,
		fetch.StatusDownloading, // stat
		fetch.StatusDownloading, // 4 bytes
		fetch.StatusDownloading, // 8 bytes
		fetch.StatusDownloading, // 10 bytes
		fetch.StatusTransferring,
		fetch.StatusCompleted,
	}, h.statuses(t, "pack1"))

	b, err := h.tracker.Snapshot("pack1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.BytesDownloaded)
	assert.Equal(t, int64(10), b.TotalBytes)
}

func TestDownloader_UnavailableBundle(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, true)

	h.fetch(t, "missing")
	h.waitFor(t, "missing", fetch.StatusFailed)

	b, err := h.tracker.Snapshot("missing")
	require.NoError(t, err)
	assert.Equal(t, fetch.ErrorCodeUnavailable, b.ErrorCode)
}

func TestDownloader_RetryAfterFailure(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, true)

	h.fetch(t, "pack1")
	h.waitFor(t, "pack1", fetch.StatusFailed)

	h.src.add("pack1", []byte("abc"))

	h.fetch(t, "pack1")
	h.waitFor(t, "pack1", fetch.StatusCompleted)
}

func TestDownloader_NetworkConfirmation(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		want     fetch.Status
		tail     []fetch.Status
	}{
		{
			name:     "approved",
			approved: true,
			want:     fetch.StatusCompleted,
			tail: []fetch.Status{
				fetch.StatusTransferring,
				fetch.StatusRequiresConfirmation,
				fetch.StatusTransferring,
				fetch.StatusCompleted,
			},
		},
		{
			name:     "rejected",
			approved: false,
			want:     fetch.StatusCanceled,
			tail: []fetch.Status{
				fetch.StatusTransferring,
				fetch.StatusRequiresConfirmation,
				fetch.StatusCanceled,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4, ConfirmDownloadAbove: 5}, true)
			h.src.add("pack1", []byte("0123456789"))
			h.src.add("small", []byte("01"))

			h.fetch(t, "small")
			h.waitFor(t, "small", fetch.StatusCompleted)

			h.fetch(t, "pack1")
			h.waitFor(t, "pack1", fetch.StatusWaitingForNetworkConfirmation)

			require.NoError(t, h.dl.Confirm(context.Background(), "pack1", tt.approved))
			h.waitFor(t, "pack1", tt.want)

			_, err := os.Stat(filepath.Join(h.dir, "pack1"))
			assert.Equal(t, tt.approved, err == nil)
		})
	}
}

func TestDownloader_InstallConfirmation(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		want     fetch.Status
		tail     []fetch.Status
	}{
		{
			name:     "approved",
			approved: true,
			want:     fetch.StatusCompleted,
			tail: []fetch.Status{
				fetch.StatusTransferring,
				fetch.StatusRequiresConfirmation,
				fetch.StatusTransferring,
				fetch.StatusCompleted,
			},
		},
		{
			name:     "rejected",
			approved: false,
			want:     fetch.StatusCanceled,
			tail: []fetch.Status{
				fetch.StatusTransferring,
				fetch.StatusRequiresConfirmation,
				fetch.StatusCanceled,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4, ConfirmInstall: true}, true)
			h.src.add("pack1", []byte("0123456789"))

			h.fetch(t, "pack1")
			h.waitFor(t, "pack1", fetch.StatusRequiresConfirmation)

			require.NoError(t, h.dl.Confirm(context.Background(), "pack1", tt.approved))
			h.waitFor(t, "pack1", tt.want)

			_, err := os.Stat(filepath.Join(h.dir, PartialDir, "pack1.part"))
			assert.ErrorIs(t, err, os.ErrNotExist)

			statuses := h.statuses(t, "pack1")
			require.GreaterOrEqual(t, len(statuses), len(tt.tail))
			assert.Equal(t, tt.tail, statuses[len(statuses)-len(tt.tail):])

			history, err := h.tracker.History("pack1")
			require.NoError(t, err)

			// Declining a prompt ends off the canonical table; everything before it is on it.
			for _, tr := range history {
				if tr.To == fetch.StatusCanceled {
					continue
				}

				assert.False(t, tr.Normalized, "%s -> %s is not a canonical edge", tr.From, tr.To)
			}
		})
	}
}

func TestDownloader_ConfirmErrors(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, true)
	h.src.block("pack1", 10)
	ctx := context.Background()

	assert.ErrorIs(t, h.dl.Confirm(ctx, "pack1", true), provider.ErrUnknownBundle)

	h.fetch(t, "pack1")
	<-h.src.opened

	assert.ErrorIs(t, h.dl.Confirm(ctx, "pack1", true), provider.ErrNoPendingConfirmation)
}

func TestDownloader_CancelRunning(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, true)
	h.src.block("pack1", 10)
	ctx := context.Background()

	assert.ErrorIs(t, h.dl.Cancel(ctx, "pack1"), provider.ErrUnknownBundle)

	h.fetch(t, "pack1")
	<-h.src.opened

	require.NoError(t, h.dl.Cancel(ctx, "pack1"))
	h.waitFor(t, "pack1", fetch.StatusCanceled)

	_, err := os.Stat(filepath.Join(h.dir, PartialDir, "pack1.part"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloader_CancelQueued(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, true)
	h.src.block("pack1", 10)
	h.src.add("pack2", []byte("abc"))

	h.fetch(t, "pack1")
	<-h.src.opened

	h.fetch(t, "pack2")
	require.NoError(t, h.dl.Cancel(context.Background(), "pack2"))

	status, err := h.tracker.CurrentStatus("pack2")
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusCanceled, status, "queued bundles are canceled synchronously")

	require.NoError(t, h.dl.Cancel(context.Background(), "pack1"))
	h.waitFor(t, "pack1", fetch.StatusCanceled)
}

func TestDownloader_QueueFull(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 1}, false)
	ctx := context.Background()

	require.NoError(t, h.dl.Fetch(ctx, "pack1"))
	require.NoError(t, h.dl.Fetch(ctx, "pack1"), "fetching a queued bundle is a no-op")
	assert.ErrorIs(t, h.dl.Fetch(ctx, "pack2"), ErrQueueFull)
}

func TestDownloader_InvalidNames(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, false)

	for _, name := range []string{"", "*", "..", ".partial", "a/b", `a\b`, "../etc"} {
		err := h.dl.Fetch(context.Background(), name)
		assert.ErrorIs(t, err, fetch.ErrInvalidName, name)
	}
}

func TestDownloader_ShutdownCancelsWork(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1, QueueSize: 4}, false)
	h.src.block("pack1", 10)
	h.src.add("pack2", []byte("abc"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.dl.Run(ctx) }()

	h.fetch(t, "pack1")
	<-h.src.opened
	h.fetch(t, "pack2")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("downloader did not stop")
	}

	h.waitFor(t, "pack1", fetch.StatusCanceled)
	h.waitFor(t, "pack2", fetch.StatusCanceled)

	assert.ErrorIs(t, h.dl.Fetch(context.Background(), "pack3"), ErrStopped)
}
