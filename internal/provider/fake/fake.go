// Package fake simulates a bundle provider. It walks every requested bundle
// through the download pipeline on a timer without touching the network, which
// makes it useful for local development and for exercising hosts.
package fake

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/provider"
)

// Config controls the simulated pipeline.
type Config struct {
	InstallDir   string
	Chunks       int
	TickInterval time.Duration
	TotalBytes   int64

	// NetworkError fails every session half-way with NETWORK_ERROR.
	NetworkError bool
	// RequireConfirmation pauses every session in RequiresConfirmation before install.
	RequireConfirmation bool
}

type session struct {
	cancel   context.CancelFunc
	confirm  chan bool
	awaiting atomic.Bool
}

// Provider is a simulated provider.
type Provider struct {
	cfg  Config
	sink provider.Sink

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup

	networkError atomic.Bool
}

var _ provider.Provider = (*Provider)(nil)

// New creates a fake provider reporting to sink.
func New(sink provider.Sink, cfg Config) *Provider {
	if cfg.Chunks <= 0 {
		cfg.Chunks = 1
	}

	p := &Provider{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*session),
	}
	p.networkError.Store(cfg.NetworkError)

	return p
}

// SetNetworkError toggles network error injection for sessions started afterwards.
func (p *Provider) SetNetworkError(enabled bool) {
	p.networkError.Store(enabled)
}

// Fetch starts a simulated session. Fetching a bundle that is already in
// progress is a no-op.
func (p *Provider) Fetch(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[name]; ok {
		return nil
	}

	// The session outlives the request that started it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{cancel: cancel, confirm: make(chan bool, 1)}
	p.sessions[name] = s

	failHalfway := p.networkError.Load()

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.finish(name, s)

		p.run(sctx, name, s, failHalfway)
	}()

	return nil
}

// Cancel aborts a running session.
func (p *Provider) Cancel(_ context.Context, name string) error {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()

	if !ok {
		return provider.ErrUnknownBundle
	}

	s.cancel()

	return nil
}

// Confirm answers the install prompt of a session.
func (p *Provider) Confirm(_ context.Context, name string, approved bool) error {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()

	if !ok {
		return provider.ErrUnknownBundle
	}

	if !s.awaiting.CompareAndSwap(true, false) {
		return provider.ErrNoPendingConfirmation
	}

	s.confirm <- approved

	return nil
}

// Shutdown cancels every running session and waits for them to report.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for _, s := range p.sessions {
		s.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish forgets s. A bundle is forgotten before its terminal status is reported
// so a host reacting to that status can start a new session right away.
func (p *Provider) finish(name string, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.sessions[name]; ok && cur == s {
		delete(p.sessions, name)
	}

	s.cancel()
}

func (p *Provider) emitTerminal(ctx context.Context, s *session, ev fetch.Event) {
	p.finish(ev.Name, s)
	p.emit(context.WithoutCancel(ctx), ev)
}

func (p *Provider) run(ctx context.Context, name string, s *session, failHalfway bool) {
	ctx = logctx.WithBundle(ctx, name)
	logger := logctx.LoggerFromContext(ctx).With("provider", "fake")
	ctx = logctx.WithLogger(ctx, logger)

	total := p.cfg.TotalBytes

	if !p.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusDownloading, TotalBytes: total}) {
		return
	}

	failAt := max(p.cfg.Chunks/2, 1)

	for i := 1; i <= p.cfg.Chunks; i++ {
		if !p.tick(ctx, s, name) {
			return
		}

		if failHalfway && i == failAt {
			logger.InfoContext(ctx, "simulating network error")

			p.emitTerminal(ctx, s, fetch.Event{Name: name, Status: fetch.StatusFailed, ErrorCode: fetch.ErrorCodeNetwork})

			return
		}

		written := total * int64(i) / int64(p.cfg.Chunks)
		if !p.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusDownloading, BytesDownloaded: written, TotalBytes: total}) {
			return
		}
	}

	if !p.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusTransferring}) {
		return
	}

	if p.cfg.RequireConfirmation {
		s.awaiting.Store(true)

		if !p.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusRequiresConfirmation}) {
			return
		}

		select {
		case <-ctx.Done():
			s.awaiting.Store(false)
			p.emitTerminal(ctx, s, fetch.Event{Name: name, Status: fetch.StatusCanceled})

			return
		case approved := <-s.confirm:
			if !approved {
				logger.InfoContext(ctx, "install rejected")
				p.emitTerminal(ctx, s, fetch.Event{Name: name, Status: fetch.StatusCanceled})

				return
			}
		}

		if !p.emit(ctx, fetch.Event{Name: name, Status: fetch.StatusTransferring}) {
			return
		}
	}

	if !p.tick(ctx, s, name) {
		return
	}

	p.emitTerminal(ctx, s, fetch.Event{
		Name:   name,
		Status: fetch.StatusCompleted,
		Path:   filepath.Join(p.cfg.InstallDir, name),
	})
}

// tick waits one interval. It reports Canceled and returns false when the session is canceled.
func (p *Provider) tick(ctx context.Context, s *session, name string) bool {
	timer := time.NewTimer(p.cfg.TickInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		p.emitTerminal(ctx, s, fetch.Event{Name: name, Status: fetch.StatusCanceled})

		return false
	case <-timer.C:
		return true
	}
}

// emit reports ev and returns false when the session should stop.
func (p *Provider) emit(ctx context.Context, ev fetch.Event) bool {
	err := p.sink.ApplyStatusEvent(ctx, ev)
	if err == nil {
		return true
	}

	if errors.Is(err, fetch.ErrTerminal) {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "bundle already finished, stopping session", "status", ev.Status.String())

		return false
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to report status", "status", ev.Status.String(), "err", err)

	return true
}
