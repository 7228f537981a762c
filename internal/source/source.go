// Package source reads bundle payloads from remote storage.
package source

import (
	"context"
	"io"
)

// Source serves bundle payloads by name.
type Source interface {
	// Stat returns the payload size in bytes, or 0 when the source cannot tell.
	Stat(ctx context.Context, name string) (int64, error)
	// Open streams the payload. The caller closes the reader.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}
