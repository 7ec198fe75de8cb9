// Package worker implements the per-scope background worker: its
// install/activate lifecycle, request interception over cache partitions,
// the bulk download command and background sync tags.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/juju/clock"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/fetch"
)

// State is the lifecycle position of a worker.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// DefaultDownloadConcurrency bounds parallel fetches of one download command.
const DefaultDownloadConcurrency = 6

// Deps are the collaborators shared by every worker of a process.
type Deps struct {
	Storage             domain.CacheStorage
	Tags                domain.SyncTagStore
	Client              fetch.Doer
	Bus                 *events.Bus
	Metrics             *Metrics
	Clock               clock.Clock
	Logger              *slog.Logger
	DownloadConcurrency int
}

// Worker serves one scope.
type Worker struct {
	cfg         Config
	storage     domain.CacheStorage
	tags        domain.SyncTagStore
	client      fetch.Doer
	bus         *events.Bus
	metrics     *Metrics
	clock       clock.Clock
	logger      *slog.Logger
	concurrency int

	mu    sync.RWMutex
	state State

	clientsMu sync.Mutex
	clients   map[channel.Transport]struct{}

	// background work that outlives the message that started it
	pending sync.WaitGroup
}

// New creates a worker in the installing state.
func New(cfg Config, deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.DownloadConcurrency <= 0 {
		deps.DownloadConcurrency = DefaultDownloadConcurrency
	}
	return &Worker{
		cfg:         cfg,
		storage:     deps.Storage,
		tags:        deps.Tags,
		client:      deps.Client,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		logger:      deps.Logger.With("scope", cfg.Scope),
		concurrency: deps.DownloadConcurrency,
		state:       StateInstalling,
		clients:     make(map[channel.Transport]struct{}),
	}
}

func (w *Worker) Config() Config {
	return w.cfg
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("worker state", "state", s)
}

// Install prepares the worker and moves it to installed without waiting
// for older workers' clients. The app-scope worker precaches its list.
func (w *Worker) Install(ctx context.Context) error {
	if w.State() != StateInstalling {
		return fmt.Errorf("install from state %s", w.State())
	}
	if w.storage == nil {
		w.setState(StateRedundant)
		return domain.ErrCacheUnsupported
	}

	for _, path := range w.cfg.Precache {
		w.precache(ctx, w.cfg.Origin+path)
	}

	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	rule, ok := w.cfg.RuleFor(u)
	if !ok {
		w.logger.Warn("precache url has no rule", "url", rawURL)
		return
	}
	w.metrics.networkFetch(w.cfg.Scope)
	resp, err := fetch.Get(ctx, w.client, rawURL, fetch.Internal())
	if err != nil || !resp.OK() {
		w.logger.Warn("precache failed", "url", rawURL, "error", errOrStatus(err, resp))
		return
	}
	w.store(rule.Partition, resp)
}

// Activate evicts stale-schema partitions of this scope and claims clients.
func (w *Worker) Activate(ctx context.Context) error {
	if w.State() != StateInstalled {
		return fmt.Errorf("activate from state %s", w.State())
	}
	w.setState(StateActivating)

	if w.cfg.IsCity() {
		if err := w.evictStaleSchemas(); err != nil {
			w.logger.Warn("failed to evict stale partitions", "error", err)
		}
	}

	w.setState(StateActive)
	w.bus.Publish(events.TopicWorkerActivated, events.WorkerActivated{
		Slug:  w.cfg.Slug,
		Scope: w.cfg.ScopeURL(),
	})
	w.logger.Info("worker activated", "slug", w.cfg.Slug, "cache", w.cfg.CacheName)
	return nil
}

func (w *Worker) evictStaleSchemas() error {
	names, err := w.storage.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		slug, _, ok := domain.ParsePartitionName(name)
		if !ok || slug != w.cfg.Slug || name == w.cfg.CacheName {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		w.metrics.evicted(name, 1)
		w.logger.Info("deleted stale partition", "partition", name)
	}
	return nil
}

// Terminate makes the worker redundant. It stops answering requests and
// waits for background work to finish.
func (w *Worker) Terminate() {
	w.setState(StateRedundant)
	w.pending.Wait()
}

// Wait blocks until background work started by messages has finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// store writes resp to the named partition and announces the write.
func (w *Worker) store(partition string, resp *domain.StoredResponse) error {
	part, err := w.storage.Open(partition)
	if err != nil {
		return err
	}
	if err := part.Put(resp); err != nil {
		w.logger.Warn("cache put failed", "partition", partition, "url", resp.URL, "error", err)
		return err
	}
	w.bus.Publish(events.TopicCacheWrite, events.CacheWrite{Partition: partition, URL: resp.URL})
	return nil
}

func errOrStatus(err error, resp *domain.StoredResponse) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil {
		return fmt.Sprintf("status %d", resp.Status)
	}
	return "no response"
}
