package progress

import (
	"context"
	"io"
)

// Reader wraps an io.Reader, reports progress via a callback and stops reading
// once its context is canceled.
type Reader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(written int64, total int64)
	written        int64 // cumulative total
	sinceReport    int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader reports every interval bytes, and once more when total is reached.
func NewReader(ctx context.Context, r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.written += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || (pr.total > 0 && pr.written == pr.total) {
			pr.onProgress(pr.written, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// Written returns the number of bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.written
}
