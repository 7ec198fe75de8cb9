// Package syncer downloads city packs: it discovers a city's assets,
// delegates caching to the city's worker when one is active, and falls back
// to caching directly otherwise.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/discover"
	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/fetch"
)

// Discoverer resolves a slug to its asset set.
type Discoverer interface {
	Discover(ctx context.Context, slug string) (*discover.AssetSet, error)
}

// WorkerLocator finds the active worker bound to a city.
type WorkerLocator interface {
	ActiveWorker(slug string) (*channel.Client, bool)
}

// Config wires an Engine.
type Config struct {
	Origin        string
	Discoverer    Discoverer
	Storage       domain.CacheStorage // nil means caching is unsupported
	Meta          domain.MetaStore
	Workers       WorkerLocator // optional
	Client        fetch.Doer
	Bus           *events.Bus
	SchemaVersion int
	Observer      domain.SyncObserver
	OnSyncFailed  func(slug string, err error)
	Logger        *slog.Logger
}

// Engine runs city syncs. Concurrent syncs of one city share a single run.
type Engine struct {
	origin        string
	discoverer    Discoverer
	storage       domain.CacheStorage
	meta          domain.MetaStore
	workers       WorkerLocator
	client        fetch.Doer
	bus           *events.Bus
	schemaVersion int
	observer      domain.SyncObserver
	onSyncFailed  func(slug string, err error)
	logger        *slog.Logger

	mu     sync.RWMutex
	states map[string]domain.SyncState
	flight singleflight.Group
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = domain.NoOpObserver{}
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	return &Engine{
		origin:        cfg.Origin,
		discoverer:    cfg.Discoverer,
		storage:       cfg.Storage,
		meta:          cfg.Meta,
		workers:       cfg.Workers,
		client:        cfg.Client,
		bus:           cfg.Bus,
		schemaVersion: cfg.SchemaVersion,
		observer:      cfg.Observer,
		onSyncFailed:  cfg.OnSyncFailed,
		logger:        cfg.Logger,
		states:        make(map[string]domain.SyncState),
	}
}

// Option adjusts a single Sync call.
type Option func(*syncOptions)

type syncOptions struct {
	observer     domain.SyncObserver
	onSyncFailed func(slug string, err error)
}

// WithObserver adds an observer for this call in addition to the engine's.
func WithObserver(o domain.SyncObserver) Option {
	return func(opts *syncOptions) { opts.observer = o }
}

// WithOnSyncFailed replaces the failure callback for this call. nil
// disables it.
func WithOnSyncFailed(fn func(slug string, err error)) Option {
	return func(opts *syncOptions) { opts.onSyncFailed = fn }
}

func (e *Engine) options(opts []Option) syncOptions {
	o := syncOptions{onSyncFailed: e.onSyncFailed}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PartitionName is the partition holding slug's pack.
func (e *Engine) PartitionName(slug string) string {
	return domain.PartitionName(slug, e.schemaVersion)
}

// Sync downloads the complete pack of slug. It always re-runs discovery
// and caching, even when the city is already ready.
func (e *Engine) Sync(ctx context.Context, slug string, opts ...Option) error {
	o := e.options(opts)

	if e.storage == nil {
		e.update(slug, domain.SyncState{Status: domain.StatusError, Error: domain.ErrCacheUnsupported.Error()}, o)
		return domain.ErrCacheUnsupported
	}
	if err := domain.ValidateSlug(slug); err != nil {
		e.update(slug, domain.SyncState{Status: domain.StatusError, Error: err.Error()}, o)
		return err
	}

	_, err, shared := e.flight.Do(slug, func() (interface{}, error) {
		return nil, e.run(ctx, slug, o)
	})
	if shared {
		e.logger.Debug("joined in-flight sync", "slug", slug)
	}
	return err
}

func (e *Engine) run(ctx context.Context, slug string, o syncOptions) error {
	e.update(slug, domain.SyncState{Status: domain.StatusSyncing, Progress: 0}, o)
	e.logger.Info("sync started", "slug", slug)

	set, err := e.discoverer.Discover(ctx, slug)
	if err != nil {
		return e.fail(slug, err, o)
	}

	if client, ok := e.activeWorker(slug); ok {
		err = e.delegate(ctx, client, set)
	} else {
		err = e.cacheDirectly(ctx, set, o)
	}
	if err != nil {
		return e.fail(slug, err, o)
	}

	if e.meta != nil {
		if err := e.meta.MarkDownloaded(slug, set.LastUpdated); err != nil {
			e.logger.Error("failed to record download", "slug", slug, "error", err)
		}
	}
	e.update(slug, domain.SyncState{Status: domain.StatusReady, Progress: 100}, o)
	e.logger.Info("sync finished", "slug", slug, "assets", len(set.URLs))
	return nil
}

func (e *Engine) activeWorker(slug string) (*channel.Client, bool) {
	if e.workers == nil {
		return nil, false
	}
	return e.workers.ActiveWorker(slug)
}

// delegate asks the city's worker to download the full URL set and waits
// for its done reply.
func (e *Engine) delegate(ctx context.Context, client *channel.Client, set *discover.AssetSet) error {
	reply, err := client.Request(ctx, channel.Envelope{
		Type: channel.TypeDownloadCityPack,
		Slug: set.Slug,
		URLs: set.URLs,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWorkerDelegationFailed, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s", domain.ErrWorkerDelegationFailed, reply.Error)
	}
	return nil
}

// cacheDirectly stores the phase-1 responses, then fetches the remaining
// URLs one at a time. Failed assets are logged and still count as done.
func (e *Engine) cacheDirectly(ctx context.Context, set *discover.AssetSet, o syncOptions) error {
	name := e.PartitionName(set.Slug)
	part, err := e.storage.Open(name)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", name, err)
	}

	for _, resp := range []*domain.StoredResponse{set.Document, set.Data} {
		e.put(part, resp)
	}

	total := len(set.URLs)
	done := 2
	e.progress(set.Slug, done, total, o)

	for _, u := range set.Remaining() {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := fetch.Get(ctx, e.client, u)
		switch {
		case err != nil:
			e.logger.Warn("asset fetch failed", "slug", set.Slug, "url", u,
				"error", fmt.Errorf("%w: %v", domain.ErrAssetFetchFailed, err))
		case !resp.OK():
			e.logger.Warn("asset fetch failed", "slug", set.Slug, "url", u,
				"error", fmt.Errorf("%w: status %d", domain.ErrAssetFetchFailed, resp.Status))
		default:
			e.put(part, resp)
		}
		done++
		e.progress(set.Slug, done, total, o)
	}
	return nil
}

func (e *Engine) put(part domain.Partition, resp *domain.StoredResponse) {
	if resp == nil {
		return
	}
	if err := part.Put(resp); err != nil {
		e.logger.Warn("cache put failed", "url", resp.URL, "error", err)
		return
	}
	e.bus.Publish(events.TopicCacheWrite, events.CacheWrite{Partition: part.Name(), URL: resp.URL})
}

func (e *Engine) progress(slug string, done, total int, o syncOptions) {
	pct := 100
	if total > 0 {
		pct = int(math.Round(float64(done) / float64(total) * 100))
	}
	e.update(slug, domain.SyncState{Status: domain.StatusSyncing, Progress: pct}, o)
}

func (e *Engine) fail(slug string, err error, o syncOptions) error {
	e.logger.Error("sync failed", "slug", slug, "error", err)
	e.update(slug, domain.SyncState{Status: domain.StatusError, Error: err.Error()}, o)
	if o.onSyncFailed != nil {
		o.onSyncFailed(slug, err)
	}
	return err
}

// update records state for slug and notifies observers. Progress never
// moves backwards within a syncing attempt.
func (e *Engine) update(slug string, state domain.SyncState, o syncOptions) {
	state.Slug = slug

	e.mu.Lock()
	prev, ok := e.states[slug]
	if ok && prev.Status == domain.StatusSyncing && state.Status == domain.StatusSyncing &&
		state.Progress != 0 && state.Progress < prev.Progress {
		state.Progress = prev.Progress
	}
	e.states[slug] = state
	e.mu.Unlock()

	e.observer.OnProgress(state)
	if o.observer != nil {
		o.observer.OnProgress(state)
	}
}
