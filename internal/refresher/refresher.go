// Package refresher keeps a cache warm by reissuing entries close to expiry
// and persists the cached question set across restarts.
//
// All refresh passes and saves run on the refresher's own goroutine. Other
// goroutines reach it through queued commands.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"sigdns/internal/obs"
	"sigdns/internal/query"
	"sigdns/internal/record"
)

// Cache is the part of *cache.Cache the refresher drives.
type Cache interface {
	Query(ctx context.Context, t record.Type, domain string, ignoreCache bool) (*query.Query, bool, error)
	QueryAsync(t record.Type, domain string, cb query.Callback, data any, ignoreCache bool)
	LookupKey(key query.Key) *query.Query
	IdentifyExpired(percent int) []query.Key
	CacheKeys() []query.Key
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdSave
	cmdInitSave
	cmdSuspend
	cmdResume
	cmdQuit
)

type command struct {
	kind  commandKind
	file  string
	every time.Duration
}

type Refresher struct {
	cache   Cache
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	metrics *obs.Metrics

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	cmds    chan command
	done    chan struct{}
	ticker  *clock.Ticker
	started atomic.Bool

	// owned by the run goroutine
	saveFile   string
	saveTicker *clock.Ticker

	stopOnce  sync.Once
	passes    atomic.Int64
	suspended atomic.Bool
}

type Option func(*Refresher)

func WithClock(c clock.Clock) Option {
	return func(r *Refresher) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

func New(c Cache, opts Options, options ...Option) (*Refresher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		cache:  c,
		opts:   opts,
		logger: slog.Default(),
		clock:  clock.New(),
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command, commandBuffer),
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Start arms the refresh timer and launches the refresher goroutine.
func (r *Refresher) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.ticker = r.clock.Ticker(r.opts.Interval)
	go r.run()
	r.logger.Info("refresher started",
		"interval", r.opts.Interval,
		"percent", r.opts.Percent,
		"max_concurrent", r.opts.MaxConcurrent)
}

// Stop abandons a refresh pass blocked on the concurrency cap, queues a
// quit behind any pending commands and waits for the goroutine to exit.
func (r *Refresher) Stop(ctx context.Context) error {
	r.cancel()
	// Never started: claim the start so a later Start is a no-op, and mark
	// the refresher done.
	if r.started.CompareAndSwap(false, true) {
		close(r.done)
		return nil
	}
	r.stopOnce.Do(func() {
		select {
		case r.cmds <- command{kind: cmdQuit}:
		case <-r.done:
		case <-ctx.Done():
		}
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceRefresh queues an immediate refresh pass.
func (r *Refresher) ForceRefresh() error {
	return r.post(command{kind: cmdRefresh})
}

// SaveQueries queues a save to the file set by InitSaveQueries.
func (r *Refresher) SaveQueries() error {
	return r.post(command{kind: cmdSave})
}

// InitSaveQueries sets the save file and saves to it every interval.
func (r *Refresher) InitSaveQueries(file string, every time.Duration) error {
	if file == "" || every <= 0 {
		return ErrSaveConfig
	}
	return r.post(command{kind: cmdInitSave, file: file, every: every})
}

func (r *Refresher) post(c command) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.cmds <- c:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Suspend stops timer driven passes until Resume. Forced refreshes and saves
// still run.
func (r *Refresher) Suspend() error {
	return r.post(command{kind: cmdSuspend})
}

func (r *Refresher) Resume() error {
	return r.post(command{kind: cmdResume})
}

// Suspended reports whether timer driven passes are paused.
func (r *Refresher) Suspended() bool {
	return r.suspended.Load()
}

// Passes reports how many refresh passes have run.
func (r *Refresher) Passes() int64 {
	return r.passes.Load()
}

func (r *Refresher) run() {
	defer close(r.done)
	defer r.ticker.Stop()

	for {
		var saveC <-chan time.Time
		if r.saveTicker != nil {
			saveC = r.saveTicker.C
		}

		select {
		case <-r.ticker.C:
			if !r.suspended.Load() {
				r.refresh()
			}
		case <-saveC:
			r.save()
		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdRefresh:
				r.refresh()
			case cmdSave:
				r.save()
			case cmdInitSave:
				r.saveFile = cmd.file
				if r.saveTicker != nil {
					r.saveTicker.Stop()
				}
				r.saveTicker = r.clock.Ticker(cmd.every)
				r.logger.Info("query save scheduled", "file", cmd.file, "every", cmd.every)
			case cmdSuspend:
				if !r.suspended.Swap(true) {
					r.logger.Info("refresher suspended")
				}
			case cmdResume:
				if r.suspended.Swap(false) {
					r.logger.Info("refresher resumed")
				}
			case cmdQuit:
				if r.saveTicker != nil {
					r.saveTicker.Stop()
				}
				r.logger.Info("refresher stopped", "passes", r.passes.Load())
				return
			}
		}
	}
}

// refresh reissues every entry selected by IdentifyExpired, holding at most
// MaxConcurrent of them in flight.
func (r *Refresher) refresh() {
	start := r.clock.Now()
	keys := r.cache.IdentifyExpired(r.opts.Percent)

	dispatched := 0
	for _, key := range keys {
		existing := r.cache.LookupKey(key)
		if existing == nil {
			continue
		}
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.logger.Warn("refresh pass abandoned", "remaining", len(keys)-dispatched, "error", err)
			break
		}
		qs := existing.Questions()
		t, domain := existing.Type(), existing.Domain()
		if len(qs) > 0 {
			t, domain = qs[0].Type, qs[0].Name
		}
		r.cache.QueryAsync(t, domain, r.refreshed, nil, true)
		dispatched++
	}

	r.passes.Add(1)
	r.metrics.ObserveRefreshPass(r.clock.Since(start))
	if len(keys) > 0 {
		r.logger.Debug("refresh pass", "selected", len(keys), "dispatched", dispatched)
	}
}

func (r *Refresher) refreshed(q *query.Query, _ bool, _ any) {
	r.sem.Release(1)
	r.metrics.Refreshed(q.Failed())
	if q.Failed() {
		r.logger.Debug("refresh failed", "query", q.Key().String(), "error", q.ErrorMessage())
	}
}

func (r *Refresher) save() {
	if r.saveFile == "" {
		r.logger.Warn("query save requested without a save file")
		return
	}
	keys := r.cache.CacheKeys()
	err := WriteQueries(r.saveFile, keys)
	r.metrics.Persisted("save", err)
	if errors.Is(err, ErrUnsavableKey) {
		r.logger.Warn("query save skipped keys", "file", r.saveFile, "error", err)
		return
	}
	if err != nil {
		r.logger.Error("query save failed", "file", r.saveFile, "error", err)
		return
	}
	r.logger.Debug("queries saved", "file", r.saveFile, "count", len(keys))
}

// LoadQueries reads a saved query list and resolves every entry through the
// cache, at most MaxConcurrent at a time. Malformed lines are logged and
// skipped. It returns the number of queries issued.
func (r *Refresher) LoadQueries(ctx context.Context, file string) (int, error) {
	keys, err := ReadQueries(file)
	if err != nil {
		if !errors.Is(err, ErrBadLine) {
			r.metrics.Persisted("load", err)
			return 0, err
		}
		r.logger.Warn("skipping malformed query list lines", "file", file, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(r.opts.MaxConcurrent))
	for _, k := range keys {
		g.Go(func() error {
			_, _, err := r.cache.Query(gctx, k.Type, k.Domain, false)
			return err
		})
	}
	err = g.Wait()
	r.metrics.Persisted("load", err)
	if err != nil {
		return len(keys), err
	}
	r.logger.Info("queries loaded", "file", file, "count", len(keys))
	return len(keys), nil
}
