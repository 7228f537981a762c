package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/storage"
)

type JournalRepository struct {
	db *sql.DB
}

func NewJournalRepository(dbConn *sql.DB) *JournalRepository {
	return &JournalRepository{db: dbConn}
}

var _ storage.JournalRepository = (*JournalRepository)(nil)

// Append writes rec. ID is assigned by the database.
func (r *JournalRepository) Append(ctx context.Context, rec storage.JournalRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transitions (
			bundle, from_status, to_status, bytes_downloaded, total_bytes,
			error_code, resolved_path, synthesized, normalized, instance_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Bundle, rec.FromStatus, rec.ToStatus, rec.BytesDownloaded, rec.TotalBytes,
		rec.ErrorCode, rec.ResolvedPath, rec.Synthesized, rec.Normalized, rec.InstanceID,
		rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return nil
}

// History returns the latest limit records of bundle, oldest first.
func (r *JournalRepository) History(ctx context.Context, bundle string, limit int) ([]storage.JournalRecord, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, bundle, from_status, to_status, bytes_downloaded, total_bytes,
			error_code, resolved_path, synthesized, normalized, instance_id, recorded_at
		FROM transitions
		WHERE bundle = ?
		ORDER BY id DESC
		LIMIT ?`, bundle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []storage.JournalRecord

	for rows.Next() {
		var (
			rec        storage.JournalRecord
			recordedAt int64
		)

		err := rows.Scan(&rec.ID, &rec.Bundle, &rec.FromStatus, &rec.ToStatus, &rec.BytesDownloaded, &rec.TotalBytes,
			&rec.ErrorCode, &rec.ResolvedPath, &rec.Synthesized, &rec.Normalized, &rec.InstanceID, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		rec.RecordedAt = time.Unix(0, recordedAt).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}

	slices.Reverse(records)

	return records, nil
}

// DeleteBefore removes records older than before and returns how many were removed.
func (r *JournalRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transitions WHERE recorded_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	affected, _ := res.RowsAffected()

	return affected, nil
}
