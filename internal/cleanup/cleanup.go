package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/storage"
)

const partialExt = ".part"

// PruneJournal deletes journal entries older than keep.
func PruneJournal(ctx context.Context, repo storage.JournalWriteRepository, keep time.Duration) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := repo.DeleteBefore(ctx, time.Now().Add(-keep))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "pruned journal", "deleted", deleted, "retention", keep.String())
	}

	return deleted, nil
}

// RemoveStalePartials deletes partial downloads in dir that were last written
// more than olderThan ago and whose bundle is not being fetched.
func RemoveStalePartials(ctx context.Context, dir string, olderThan time.Duration, isActive func(name string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil // nothing was ever downloaded
		}

		return 0, fmt.Errorf("failed to read partial directory: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), partialExt) {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), partialExt)
		if isActive != nil && isActive(name) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat partial file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= olderThan {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete stale partial file", "file", filePath, "err", err)

			return removed, err
		}

		logger.InfoContext(ctx, "deleted stale partial file", "file", filePath, "bundle", name)

		removed++
	}

	return removed, nil
}
