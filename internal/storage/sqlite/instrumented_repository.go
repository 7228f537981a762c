package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/storage"
	"github.com/italolelis/bundle_fetcher/internal/telemetry"
)

// InstrumentedJournalRepository wraps JournalRepository with telemetry.
type InstrumentedJournalRepository struct {
	repo      *JournalRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJournalRepository creates a new instrumented journal repository.
func NewInstrumentedJournalRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJournalRepository {
	return &InstrumentedJournalRepository{
		repo:      NewJournalRepository(dbConn),
		telemetry: tel,
	}
}

var _ storage.JournalRepository = (*InstrumentedJournalRepository)(nil)

// Append writes a record with telemetry.
func (r *InstrumentedJournalRepository) Append(ctx context.Context, rec storage.JournalRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "append_transition", func(ctx context.Context) error {
		return r.repo.Append(ctx, rec)
	})
}

// History reads a bundle's records with telemetry.
func (r *InstrumentedJournalRepository) History(ctx context.Context, bundle string, limit int) ([]storage.JournalRecord, error) {
	var result []storage.JournalRecord

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_history", func(ctx context.Context) error {
		var err error

		result, err = r.repo.History(ctx, bundle, limit)

		return err
	})
	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// DeleteBefore prunes old records with telemetry.
func (r *InstrumentedJournalRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "delete_transitions", func(ctx context.Context) error {
		var err error

		deleted, err = r.repo.DeleteBefore(ctx, before)

		return err
	})
	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return deleted, nil
}
