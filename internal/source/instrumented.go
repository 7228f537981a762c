package source

import (
	"context"
	"io"

	"github.com/italolelis/bundle_fetcher/internal/telemetry"
)

// InstrumentedSource wraps a Source with telemetry.
type InstrumentedSource struct {
	source     Source
	telemetry  *telemetry.Telemetry
	sourceType string
}

// NewInstrumentedSource creates a new instrumented source.
func NewInstrumentedSource(src Source, tel *telemetry.Telemetry, sourceType string) *InstrumentedSource {
	return &InstrumentedSource{
		source:     src,
		telemetry:  tel,
		sourceType: sourceType,
	}
}

// Stat returns the payload size with telemetry.
func (s *InstrumentedSource) Stat(ctx context.Context, name string) (int64, error) {
	var size int64

	err := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "stat", func(ctx context.Context) error {
		var err error

		size, err = s.source.Stat(ctx, name)

		return err
	})
	if err != nil {
		return 0, err
	}

	return size, nil
}

// Open opens the payload with telemetry.
func (s *InstrumentedSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	var rc io.ReadCloser

	err := s.telemetry.InstrumentSourceOperation(ctx, s.sourceType, "open", func(ctx context.Context) error {
		var err error

		rc, err = s.source.Open(ctx, name)

		return err
	})
	if err != nil {
		return nil, err
	}

	return rc, nil
}
