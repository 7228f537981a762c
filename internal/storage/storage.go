package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrNotFound is returned when a bundle has no journal entries.
var ErrNotFound = errors.New("no journal entries")

// JournalRecord is one bundle status transition as written to the journal.
type JournalRecord struct {
	ID              int64
	Bundle          string
	FromStatus      string
	ToStatus        string
	BytesDownloaded int64
	TotalBytes      int64
	ErrorCode       string
	ResolvedPath    string
	Synthesized     bool
	Normalized      bool
	InstanceID      string
	RecordedAt      time.Time
}

// JournalReadRepository reads the journal.
type JournalReadRepository interface {
	// History returns the latest limit records of bundle, oldest first. A limit of zero returns everything.
	History(ctx context.Context, bundle string, limit int) ([]JournalRecord, error)
}

// JournalWriteRepository appends to and prunes the journal.
type JournalWriteRepository interface {
	Append(ctx context.Context, rec JournalRecord) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// JournalRepository is the full journal store.
type JournalRepository interface {
	JournalReadRepository
	JournalWriteRepository
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random)
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
