package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJournal struct {
	before time.Time
}

func (s *stubJournal) Append(context.Context, storage.JournalRecord) error { return nil }

func (s *stubJournal) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.before = before

	return 3, nil
}

func TestPruneJournal(t *testing.T) {
	repo := &stubJournal{}

	deleted, err := PruneJournal(context.Background(), repo, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), repo.before, time.Minute)
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	modTime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestRemoveStalePartials(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "old.part"), 2*time.Hour)
	writeFile(t, filepath.Join(dir, "fresh.part"), time.Minute)
	writeFile(t, filepath.Join(dir, "active.part"), 2*time.Hour)
	writeFile(t, filepath.Join(dir, "notes.txt"), 2*time.Hour)

	isActive := func(name string) bool { return name == "active" }

	removed, err := RemoveStalePartials(context.Background(), dir, time.Hour, isActive)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, "old.part"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	for _, keep := range []string{"fresh.part", "active.part", "notes.txt"} {
		_, err := os.Stat(filepath.Join(dir, keep))
		assert.NoError(t, err, keep)
	}
}

func TestRemoveStalePartials_MissingDir(t *testing.T) {
	removed, err := RemoveStalePartials(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour, nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
