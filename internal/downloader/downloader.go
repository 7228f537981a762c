// Package downloader is a provider that streams bundles from a source into an
// install directory.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/bundle_fetcher/internal/downloader/progress"
	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/provider"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0755

	// PartialDir holds in-flight downloads inside the install directory.
	PartialDir = ".partial"
	partialExt = ".part"
)

var (
	// ErrQueueFull is returned by Fetch when no more bundles can be queued.
	ErrQueueFull = errors.New("download queue is full")

	// ErrStopped is returned by Fetch once the workers have shut down.
	ErrStopped = errors.New("downloader stopped")
)

// Config controls the download pipeline.
type Config struct {
	InstallDir  string
	MaxParallel int
	QueueSize   int

	// ConfirmDownloadAbove asks for confirmation before downloading bundles
	// larger than this many bytes. Zero disables the prompt.
	ConfirmDownloadAbove int64
	// ConfirmInstall asks for confirmation before moving a bundle into place.
	ConfirmInstall bool
	// ProgressInterval is the number of bytes between progress events.
	ProgressInterval int64
}

const (
	jobQueued int32 = iota
	jobRunning
	jobDone
)

type job struct {
	name     string
	ctx      context.Context
	cancel   context.CancelFunc
	state    atomic.Int32
	awaiting atomic.Bool
	confirm  chan bool
}

// Downloader fetches bundles with a bounded pool of workers.
type Downloader struct {
	cfg  Config
	src  source.Source
	sink provider.Sink

	queue chan *job

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

var _ provider.Provider = (*Downloader)(nil)

// New creates a downloader reading from src and reporting to sink.
func New(src source.Source, sink provider.Sink, cfg Config) *Downloader {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	return &Downloader{
		cfg:   cfg,
		src:   src,
		sink:  sink,
		queue: make(chan *job, cfg.QueueSize),
		jobs:  make(map[string]*job),
	}
}

// Run dispatches queued bundles to at most MaxParallel workers until ctx is
// canceled. Pending and running downloads are canceled on the way out.
func (d *Downloader) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "download workers started", "max_parallel", d.cfg.MaxParallel, "queue_size", d.cfg.QueueSize)

	stop := context.AfterFunc(ctx, func() { d.stop(ctx) })
	defer stop()

	var wg errgroup.Group

	wg.SetLimit(d.cfg.MaxParallel)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down download workers")

			return wg.Wait()
		case j := <-d.queue:
			wg.Go(func() error {
				d.process(j)

				return nil
			})
		}
	}
}

// Fetch queues name for download. Fetching a bundle that is already queued or
// running is a no-op.
func (d *Downloader) Fetch(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", fetch.ErrInvalidName, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}

	if _, ok := d.jobs[name]; ok {
		return nil
	}

	// The download outlives the request that queued it.
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{name: name, ctx: jctx, cancel: cancel, confirm: make(chan bool, 1)}

	select {
	case d.queue <- j:
	default:
		cancel()

		return ErrQueueFull
	}

	d.jobs[name] = j

	ctx = logctx.WithBundle(ctx, name)
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "bundle queued", "queued", len(d.queue))

	return nil
}

// Cancel aborts a queued or running download.
func (d *Downloader) Cancel(ctx context.Context, name string) error {
	d.mu.Lock()
	j, ok := d.jobs[name]
	d.mu.Unlock()

	if !ok {
		return provider.ErrUnknownBundle
	}

	d.cancelJob(ctx, j)

	return nil
}

// Confirm answers a pending download or install prompt.
func (d *Downloader) Confirm(_ context.Context, name string, approved bool) error {
	d.mu.Lock()
	j, ok := d.jobs[name]
	d.mu.Unlock()

	if !ok {
		return provider.ErrUnknownBundle
	}

	if !j.awaiting.CompareAndSwap(true, false) {
		return provider.ErrNoPendingConfirmation
	}

	j.confirm <- approved

	return nil
}

func (d *Downloader) stop(ctx context.Context) {
	d.mu.Lock()
	d.stopped = true
	jobs := make([]*job, 0, len(d.jobs))
	for _, j := range d.jobs {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	for _, j := range jobs {
		d.cancelJob(ctx, j)
	}
}

// cancelJob reports queued jobs as canceled right away. Running jobs notice the
// canceled context and report it themselves.
func (d *Downloader) cancelJob(ctx context.Context, j *job) {
	if j.state.CompareAndSwap(jobQueued, jobDone) {
		d.finish(ctx, j, fetch.Event{Name: j.name, Status: fetch.StatusCanceled})

		return
	}

	j.cancel()
}

func (d *Downloader) process(j *job) {
	if !j.state.CompareAndSwap(jobQueued, jobRunning) {
		return
	}

	ctx := logctx.WithBundle(j.ctx, j.name)
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download panic", "panic", r)

			d.finish(ctx, j, fetch.Event{Name: j.name, Status: fetch.StatusFailed, ErrorCode: fetch.ErrorCodeInternal})
		}
	}()

	ev := d.download(ctx, j)
	d.finish(ctx, j, ev)
}

// download runs the pipeline for j and returns its terminal event.
func (d *Downloader) download(ctx context.Context, j *job) fetch.Event {
	logger := logctx.LoggerFromContext(ctx)

	total, err := d.src.Stat(ctx, j.name)
	if err != nil {
		return d.failed(ctx, j, "failed to stat bundle", err)
	}

	if !d.emit(ctx, fetch.Event{Name: j.name, Status: fetch.StatusDownloading, TotalBytes: total}) {
		return d.canceled(j)
	}

	if d.cfg.ConfirmDownloadAbove > 0 && total > d.cfg.ConfirmDownloadAbove {
		logger.InfoContext(ctx, "bundle needs download confirmation",
			"size", humanize.Bytes(uint64(total)),
			"limit", humanize.Bytes(uint64(d.cfg.ConfirmDownloadAbove)))

		if !d.awaitConfirmation(ctx, j, fetch.StatusWaitingForNetworkConfirmation) {
			return d.canceled(j)
		}

		if !d.emit(ctx, fetch.Event{Name: j.name, Status: fetch.StatusDownloading, TotalBytes: total}) {
			return d.canceled(j)
		}
	}

	partial := d.partialPath(j.name)

	written, err := d.writePartial(ctx, j.name, partial, total)
	if err != nil {
		removePartial(ctx, partial)

		if ctx.Err() != nil {
			return d.canceled(j)
		}

		return d.failed(ctx, j, "failed to download bundle", err)
	}

	if !d.emit(ctx, fetch.Event{Name: j.name, Status: fetch.StatusTransferring, BytesDownloaded: written, TotalBytes: total}) {
		removePartial(ctx, partial)

		return d.canceled(j)
	}

	if d.cfg.ConfirmInstall {
		if !d.awaitConfirmation(ctx, j, fetch.StatusRequiresConfirmation) {
			removePartial(ctx, partial)

			return d.canceled(j)
		}

		if !d.emit(ctx, fetch.Event{Name: j.name, Status: fetch.StatusTransferring, BytesDownloaded: written, TotalBytes: total}) {
			removePartial(ctx, partial)

			return d.canceled(j)
		}
	}

	target := filepath.Join(d.cfg.InstallDir, j.name)
	if err := os.Rename(partial, target); err != nil {
		removePartial(ctx, partial)

		return d.failed(ctx, j, "failed to install bundle", err)
	}

	logger.InfoContext(ctx, "bundle installed", "path", target, "size", humanize.Bytes(uint64(written)))

	return fetch.Event{
		Name:            j.name,
		Status:          fetch.StatusCompleted,
		BytesDownloaded: written,
		TotalBytes:      max(total, written),
		Path:            target,
	}
}

func (d *Downloader) writePartial(ctx context.Context, name, partial string, total int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(partial), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create partial directory: %w", err)
	}

	rc, err := d.src.Open(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer rc.Close()

	out, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("failed to create partial file: %w", err)
	}
	defer out.Close()

	logger.InfoContext(ctx, "downloading bundle", "size", humanize.Bytes(uint64(total)))

	pr := progress.NewReader(ctx, rc, total, d.cfg.ProgressInterval, func(written, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
		}

		d.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusDownloading, BytesDownloaded: written, TotalBytes: total})
	})

	if _, err := io.Copy(out, pr); err != nil {
		return pr.Written(), fmt.Errorf("failed to copy bundle: %w", err)
	}

	if err := out.Sync(); err != nil {
		return pr.Written(), fmt.Errorf("failed to sync partial file: %w", err)
	}

	return pr.Written(), nil
}

// awaitConfirmation reports status and blocks until the prompt is answered. It
// returns false when the prompt was rejected or the job was canceled.
func (d *Downloader) awaitConfirmation(ctx context.Context, j *job, status fetch.Status) bool {
	j.awaiting.Store(true)

	if !d.emit(ctx, fetch.Event{Name: j.name, Status: status}) {
		j.awaiting.Store(false)

		return false
	}

	select {
	case <-ctx.Done():
		j.awaiting.Store(false)

		return false
	case approved := <-j.confirm:
		if !approved {
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "confirmation rejected", "status", status.String())
		}

		return approved
	}
}

func (d *Downloader) failed(ctx context.Context, j *job, msg string, err error) fetch.Event {
	code := source.Code(err)

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, msg, "error_code", code, "err", err)

	return fetch.Event{Name: j.name, Status: fetch.StatusFailed, ErrorCode: code}
}

func (d *Downloader) canceled(j *job) fetch.Event {
	return fetch.Event{Name: j.name, Status: fetch.StatusCanceled}
}

// finish forgets j and reports its terminal event. The job is forgotten first so
// a host reacting to the event can queue the bundle again.
func (d *Downloader) finish(ctx context.Context, j *job, ev fetch.Event) {
	d.mu.Lock()
	if cur, ok := d.jobs[j.name]; ok && cur == j {
		delete(d.jobs, j.name)
	}
	d.mu.Unlock()

	j.state.Store(jobDone)
	j.cancel()

	d.emit(context.WithoutCancel(ctx), ev)
}

// emit reports ev and returns false once the bundle no longer accepts events.
func (d *Downloader) emit(ctx context.Context, ev fetch.Event) bool {
	if err := d.sink.ApplyStatusEvent(ctx, ev); err != nil {
		if errors.Is(err, fetch.ErrTerminal) {
			return false
		}

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to report status", "status", ev.Status.String(), "err", err)
	}

	return ctx.Err() == nil
}

func (d *Downloader) partialPath(name string) string {
	return filepath.Join(d.cfg.InstallDir, PartialDir, name+partialExt)
}

func removePartial(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "path", path, "err", err)
	}
}

// validName accepts names that are a single, non-hidden path element.
func validName(name string) bool {
	if name == "" || name == fetch.Wildcard || strings.HasPrefix(name, ".") {
		return false
	}

	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
