// Package fetch tracks the lifecycle of deferred bundle downloads reported by an
// external provider.
//
// A Tracker holds one record per bundle name. Providers report progress through
// ApplyStatusEvent, hosts start sessions with RequestFetch and read state with
// the lock-free query methods. Every applied change is delivered synchronously to
// subscribers on the goroutine that reported it.
package fetch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/logctx"
)

// Wildcard subscribes to transitions of every bundle.
const Wildcard = "*"

const defaultMaxLogEntries = 128

// Callback receives a transition. It runs on the goroutine that applied the event
// while the bundle's record is locked, so it must not request, apply or evict the
// same bundle synchronously.
type Callback func(ctx context.Context, tr Transition)

// SubscriptionID identifies a registered callback.
type SubscriptionID uint64

// Observer is notified about tracker activity. It is used for metrics.
type Observer interface {
	TransitionApplied(ctx context.Context, tr Transition)
	EventRejected(ctx context.Context, name string, status Status)
	CallbackFailed(ctx context.Context, name string)
	// BundleEvicted receives the last value of a bundle removed by EvictIf, Evict or Reset.
	BundleEvicted(ctx context.Context, b Bundle)
}

type nopObserver struct{}

func (nopObserver) TransitionApplied(context.Context, Transition) {}
func (nopObserver) EventRejected(context.Context, string, Status) {}
func (nopObserver) CallbackFailed(context.Context, string)        {}
func (nopObserver) BundleEvicted(context.Context, Bundle)          {}

type record struct {
	mu      sync.Mutex // serializes writers of this bundle
	removed bool       // set under mu once the record left the map
	current atomic.Pointer[Bundle]

	logMu sync.Mutex
	log   []Transition
}

type subscription struct {
	id     SubscriptionID
	name   string
	cb     Callback
	active atomic.Bool
}

// Tracker is the fetch session state machine for a set of named bundles.
type Tracker struct {
	records sync.Map // bundle name -> *record

	subMu  sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64

	observer      Observer
	now           func() time.Time
	maxLogEntries int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithObserver sets the observer notified about applied and rejected events.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithClock overrides the time source used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaxLogEntries bounds the per-bundle transition log. Oldest entries are dropped first.
func WithMaxLogEntries(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxLogEntries = n
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		observer:      nopObserver{},
		now:           time.Now,
		maxLogEntries: defaultMaxLogEntries,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// RequestFetch starts a fetch session for name. It reports started=true when the
// bundle moved to Pending, and false when the request was a no-op because the
// bundle is already in flight or completed.
func (t *Tracker) RequestFetch(ctx context.Context, name string) (bool, error) {
	if !validName(name) {
		return false, ErrInvalidName
	}

	ctx = logctx.WithBundle(ctx, name)
	logger := logctx.LoggerFromContext(ctx)

	rec := t.lockRecord(name)
	defer rec.mu.Unlock()

	from := StatusNotRequested

	if cur := rec.current.Load(); cur != nil {
		from = cur.Status

		if from.IsActive() || from == StatusCompleted {
			logger.DebugContext(ctx, "fetch request ignored", "status", from.String())

			return false, nil
		}
	}

	now := t.now()
	next := Bundle{Name: name, Status: StatusPending, RequestedAt: now, UpdatedAt: now}

	t.commit(ctx, rec, Transition{Name: name, From: from, To: StatusPending, At: now, Bundle: next})

	logger.InfoContext(ctx, "fetch requested", "from", from.String())

	return true, nil
}

// ApplyStatusEvent applies a provider status update. Events for unknown bundles
// first synthesize the Pending transition. Events for bundles in a terminal
// status are rejected with a *TransitionError.
func (t *Tracker) ApplyStatusEvent(ctx context.Context, ev Event) error {
	if !validName(ev.Name) {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, ErrInvalidName)
	}

	if !ev.Status.Valid() || ev.Status == StatusNotRequested {
		return fmt.Errorf("%w: status %s", ErrInvalidEvent, ev.Status)
	}

	ctx = logctx.WithBundle(ctx, ev.Name)
	logger := logctx.LoggerFromContext(ctx)

	rec := t.lockRecord(ev.Name)
	defer rec.mu.Unlock()

	now := t.now()

	cur := rec.current.Load()
	if cur == nil {
		logger.WarnContext(ctx, "status event for unrequested bundle, synthesizing pending", "status", ev.Status.String())

		pending := Bundle{Name: ev.Name, Status: StatusPending, RequestedAt: now, UpdatedAt: now}
		if ev.Status == StatusPending {
			pending = pending.apply(ev, now)
		}

		t.commit(ctx, rec, Transition{
			Name:        ev.Name,
			From:        StatusNotRequested,
			To:          StatusPending,
			At:          now,
			Synthesized: true,
			Bundle:      pending,
		})

		if ev.Status == StatusPending {
			return nil
		}

		cur = &pending
	}

	if cur.Status.IsTerminal() {
		logger.WarnContext(ctx, "anomaly: status event after terminal status",
			"status", cur.Status.String(),
			"event_status", ev.Status.String())

		t.observer.EventRejected(ctx, ev.Name, ev.Status)

		return &TransitionError{Name: ev.Name, From: cur.Status, To: ev.Status, Err: ErrTerminal}
	}

	if ev.BytesDownloaded > 0 && ev.BytesDownloaded < cur.BytesDownloaded {
		logger.DebugContext(ctx, "ignoring regressing progress",
			"bytes_downloaded", cur.BytesDownloaded,
			"event_bytes_downloaded", ev.BytesDownloaded)
	}

	normalized := !CanTransition(cur.Status, ev.Status)
	if normalized {
		logger.WarnContext(ctx, "normalized out-of-order status event",
			"from", cur.Status.String(),
			"to", ev.Status.String())
	}

	t.commit(ctx, rec, Transition{
		Name:       ev.Name,
		From:       cur.Status,
		To:         ev.Status,
		At:         now,
		Normalized: normalized,
		Bundle:     cur.apply(ev, now),
	})

	return nil
}

// CurrentStatus returns the status of name, or ErrNotFound if it was never requested.
func (t *Tracker) CurrentStatus(name string) (Status, error) {
	b, err := t.Snapshot(name)
	if err != nil {
		return StatusNotRequested, err
	}

	return b.Status, nil
}

// ResolvedPath returns the installed path of name. It reports false for every
// status other than Completed.
func (t *Tracker) ResolvedPath(name string) (string, bool) {
	b, err := t.Snapshot(name)
	if err != nil || b.Status != StatusCompleted {
		return "", false
	}

	return b.ResolvedPath, true
}

// Snapshot returns the current bundle value for name.
func (t *Tracker) Snapshot(name string) (Bundle, error) {
	v, ok := t.records.Load(name)
	if !ok {
		return Bundle{}, ErrNotFound
	}

	cur := v.(*record).current.Load()
	if cur == nil {
		return Bundle{}, ErrNotFound
	}

	return *cur, nil
}

// Bundles returns every tracked bundle sorted by name.
func (t *Tracker) Bundles() []Bundle {
	var bundles []Bundle

	t.records.Range(func(_, v any) bool {
		if cur := v.(*record).current.Load(); cur != nil {
			bundles = append(bundles, *cur)
		}

		return true
	})

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Name < bundles[j].Name })

	return bundles
}

// History returns the recorded transitions of name, oldest first.
func (t *Tracker) History(name string) ([]Transition, error) {
	v, ok := t.records.Load(name)
	if !ok {
		return nil, ErrNotFound
	}

	rec := v.(*record)

	rec.logMu.Lock()
	defer rec.logMu.Unlock()

	if len(rec.log) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Transition, len(rec.log))
	copy(out, rec.log)

	return out, nil
}

// EvictIf forgets name when check accepts its current value. The check and the
// removal happen under the bundle's lock, so no event can slip in between. It
// returns ErrNotFound for untracked bundles and the check's error otherwise.
func (t *Tracker) EvictIf(ctx context.Context, name string, check func(Bundle) error) error {
	rec := t.lockExisting(name)
	if rec == nil {
		return ErrNotFound
	}
	defer rec.mu.Unlock()

	cur := rec.current.Load()
	if cur == nil {
		return ErrNotFound
	}

	if check != nil {
		if err := check(*cur); err != nil {
			return err
		}
	}

	t.remove(logctx.WithBundle(ctx, name), name, rec)

	return nil
}

// Evict forgets name. It reports whether the bundle was tracked.
func (t *Tracker) Evict(name string) bool {
	return t.EvictIf(context.Background(), name, nil) == nil
}

// Reset forgets every bundle. Subscriptions are kept.
func (t *Tracker) Reset() {
	ctx := context.Background()

	t.records.Range(func(k, v any) bool {
		rec := v.(*record)

		rec.mu.Lock()
		if !rec.removed {
			t.remove(logctx.WithBundle(ctx, k.(string)), k.(string), rec)
		}
		rec.mu.Unlock()

		return true
	})
}

// remove detaches rec from the map. The caller holds rec.mu.
func (t *Tracker) remove(ctx context.Context, name string, rec *record) {
	rec.removed = true
	t.records.CompareAndDelete(name, rec)

	if cur := rec.current.Load(); cur != nil {
		t.observer.BundleEvicted(ctx, *cur)
	}
}

// Subscribe registers cb for transitions of name, or of every bundle when name is Wildcard.
func (t *Tracker) Subscribe(name string, cb Callback) SubscriptionID {
	if cb == nil {
		panic("fetch: Subscribe called with nil callback")
	}

	s := &subscription{
		id:   SubscriptionID(t.nextID.Add(1)),
		name: name,
		cb:   cb,
	}
	s.active.Store(true)

	t.subMu.Lock()
	t.subs = append(t.subs, s)
	t.subMu.Unlock()

	return s.id
}

// Unsubscribe removes a subscription. No invocation for id starts after it returns.
func (t *Tracker) Unsubscribe(id SubscriptionID) bool {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for i, s := range t.subs {
		if s.id == id {
			s.active.Store(false)
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)

			return true
		}
	}

	return false
}

// lockRecord returns the live record of name with its lock held. A record evicted
// while the caller waited for the lock is skipped, so writers never commit to a
// detached record.
func (t *Tracker) lockRecord(name string) *record {
	for {
		rec := t.loadOrCreate(name)

		rec.mu.Lock()
		if !rec.removed {
			return rec
		}
		rec.mu.Unlock()
	}
}

// lockExisting is lockRecord without creating a record. It returns nil when name
// is not tracked.
func (t *Tracker) lockExisting(name string) *record {
	for {
		v, ok := t.records.Load(name)
		if !ok {
			return nil
		}

		rec := v.(*record)

		rec.mu.Lock()
		if !rec.removed {
			return rec
		}
		rec.mu.Unlock()
	}
}

func (t *Tracker) loadOrCreate(name string) *record {
	if v, ok := t.records.Load(name); ok {
		return v.(*record)
	}

	v, _ := t.records.LoadOrStore(name, &record{})

	return v.(*record)
}

// commit stores the transition's bundle, logs it and notifies observers and
// subscribers. The caller holds rec.mu.
func (t *Tracker) commit(ctx context.Context, rec *record, tr Transition) {
	b := tr.Bundle
	rec.current.Store(&b)

	rec.logMu.Lock()
	rec.log = append(rec.log, tr)
	if over := len(rec.log) - t.maxLogEntries; over > 0 {
		rec.log = append([]Transition(nil), rec.log[over:]...)
	}
	rec.logMu.Unlock()

	t.observer.TransitionApplied(ctx, tr)
	t.dispatch(ctx, tr)
}

func (t *Tracker) dispatch(ctx context.Context, tr Transition) {
	t.subMu.RLock()
	targets := make([]*subscription, 0, len(t.subs))

	for _, s := range t.subs {
		if s.name == Wildcard || s.name == tr.Name {
			targets = append(targets, s)
		}
	}
	t.subMu.RUnlock()

	for _, s := range targets {
		if !s.active.Load() {
			continue
		}

		t.invoke(ctx, s, tr)
	}
}

func (t *Tracker) invoke(ctx context.Context, s *subscription, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "subscriber panic",
				"subscription_id", uint64(s.id),
				"from", tr.From.String(),
				"to", tr.To.String(),
				"panic", r,
				"stack", string(debug.Stack()))

			t.observer.CallbackFailed(ctx, tr.Name)
		}
	}()

	s.cb(ctx, tr)
}

func validName(name string) bool {
	return name != "" && name != Wildcard
}
