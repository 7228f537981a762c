package fetch

import "time"

// Bundle is an immutable snapshot of one named bundle's fetch session.
type Bundle struct {
	Name            string
	Status          Status
	BytesDownloaded int64
	TotalBytes      int64
	ErrorCode       string // Only set when Status is StatusFailed
	ResolvedPath    string // Only set when Status is StatusCompleted
	RequestedAt     time.Time
	UpdatedAt       time.Time
}

// Progress returns the download progress in percent, or 0 when the total is unknown.
func (b Bundle) Progress() float64 {
	if b.TotalBytes <= 0 {
		return 0
	}

	return float64(b.BytesDownloaded) * 100 / float64(b.TotalBytes)
}

// Event is a status update reported by a provider. Zero values mean absent.
type Event struct {
	Name            string `json:"name"`
	Status          Status `json:"status"`
	BytesDownloaded int64  `json:"bytes_downloaded,omitempty"`
	TotalBytes      int64  `json:"total_bytes,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	Path            string `json:"path,omitempty"`
}

// Transition records one applied status change.
type Transition struct {
	Name string
	From Status
	To   Status
	At   time.Time

	// Synthesized is set for the Pending transition created when an event
	// arrives for a bundle that was never requested.
	Synthesized bool

	// Normalized is set when the edge is not part of the canonical state machine.
	Normalized bool

	// Bundle is the bundle value after the transition.
	Bundle Bundle
}

// apply returns the bundle that results from applying ev on top of b.
func (b Bundle) apply(ev Event, now time.Time) Bundle {
	next := b
	next.Status = ev.Status
	next.UpdatedAt = now
	next.ErrorCode = ""
	next.ResolvedPath = ""

	if ev.TotalBytes > 0 {
		next.TotalBytes = ev.TotalBytes
	}

	// Progress never goes backwards within a session.
	if ev.BytesDownloaded > next.BytesDownloaded {
		next.BytesDownloaded = ev.BytesDownloaded
	}

	switch ev.Status {
	case StatusFailed:
		next.ErrorCode = ev.ErrorCode
		if next.ErrorCode == "" {
			next.ErrorCode = ErrorCodeUnknown
		}
	case StatusCompleted:
		next.ResolvedPath = ev.Path
		if next.TotalBytes > 0 {
			next.BytesDownloaded = next.TotalBytes
		}
	}

	if next.TotalBytes > 0 && next.BytesDownloaded > next.TotalBytes {
		next.BytesDownloaded = next.TotalBytes
	}

	return next
}
