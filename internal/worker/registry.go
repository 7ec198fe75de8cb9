package worker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
)

// Registration is a worker running in this process and the client end
// of its message channel.
type Registration struct {
	Worker *Worker
	Client *channel.Client

	cancel context.CancelFunc
	served chan struct{}
}

// Registry installs, activates and tracks workers by scope.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	regs     map[string]*Registration
	onNotify func(channel.Envelope)
}

// NewRegistry creates an empty registry whose workers share deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:   deps,
		logger: deps.Logger,
		regs:   make(map[string]*Registration),
	}
}

// OnNotification sets the handler for unsolicited worker messages such as
// RETRY_SYNC. It applies to workers registered afterwards.
func (r *Registry) OnNotification(fn func(channel.Envelope)) {
	r.mu.Lock()
	r.onNotify = fn
	r.mu.Unlock()
}

// Register starts a worker for cfg.Scope. A registration with the same
// config that is still active is returned as is; otherwise the new worker
// installs, activates and replaces the old one.
func (r *Registry) Register(ctx context.Context, cfg Config) (*Registration, error) {
	r.mu.RLock()
	existing := r.regs[cfg.Scope]
	r.mu.RUnlock()
	if existing != nil && existing.Worker.State() == StateActive &&
		existing.Worker.Config().CacheName == cfg.CacheName {
		return existing, nil
	}

	w := New(cfg, r.deps)
	if err := w.Install(ctx); err != nil {
		return nil, err
	}
	if existing != nil {
		r.stop(existing)
	}
	if err := w.Activate(ctx); err != nil {
		return nil, err
	}

	clientEnd, workerEnd := channel.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())
	reg := &Registration{
		Worker: w,
		Client: channel.NewClient(clientEnd, r.logger),
		cancel: cancel,
		served: make(chan struct{}),
	}
	w.Attach(workerEnd)
	go func() {
		defer close(reg.served)
		if err := w.Serve(serveCtx, workerEnd); err != nil {
			r.logger.Warn("worker channel closed", "scope", cfg.Scope, "error", err)
		}
	}()

	r.mu.Lock()
	r.regs[cfg.Scope] = reg
	notify := r.onNotify
	r.mu.Unlock()

	go func() {
		for env := range reg.Client.Notifications() {
			if notify != nil {
				notify(env)
			}
		}
	}()

	return reg, nil
}

// RegisterCity is Register with ConfigFor.
func (r *Registry) RegisterCity(ctx context.Context, origin, slug string, schemaVersion int) (*Registration, error) {
	cfg, err := ConfigFor(origin, slug, schemaVersion)
	if err != nil {
		return nil, err
	}
	return r.Register(ctx, cfg)
}

func (r *Registry) stop(reg *Registration) {
	reg.Client.Close()
	reg.cancel()
	<-reg.served
	reg.Worker.Terminate()
}

// Unregister stops the worker of scope.
func (r *Registry) Unregister(scope string) bool {
	r.mu.Lock()
	reg, ok := r.regs[scope]
	delete(r.regs, scope)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.stop(reg)
	return true
}

// Close stops every worker.
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.regs
	r.regs = make(map[string]*Registration)
	r.mu.Unlock()
	for _, reg := range regs {
		r.stop(reg)
	}
}

// ActiveWorker returns the channel of slug's active city worker.
func (r *Registry) ActiveWorker(slug string) (*channel.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[domain.ScopePath(slug)]
	if !ok || reg.Worker.State() != StateActive || reg.Worker.Config().Slug != slug {
		return nil, false
	}
	return reg.Client, true
}

// Controller returns slug's city worker channel, or the app-scope worker's
// when the city has none.
func (r *Registry) Controller(slug string) (*channel.Client, bool) {
	if c, ok := r.ActiveWorker(slug); ok {
		return c, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs["/"]
	if !ok || reg.Worker.State() != StateActive {
		return nil, false
	}
	return reg.Client, true
}

// Worker returns the worker registered for scope.
func (r *Registry) Worker(scope string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[scope]
	if !ok {
		return nil, false
	}
	return reg.Worker, true
}

// Match returns the worker whose scope is the longest prefix of path.
func (r *Registry) Match(path string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Worker
	for scope, reg := range r.regs {
		inScope := strings.HasPrefix(path, scope) || path+"/" == scope
		if !inScope {
			continue
		}
		if best == nil || len(scope) > len(best.Config().Scope) {
			best = reg.Worker
		}
	}
	return best, best != nil
}

// Workers returns all registered workers ordered by scope.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes := make([]string, 0, len(r.regs))
	for s := range r.regs {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	workers := make([]*Worker, 0, len(scopes))
	for _, s := range scopes {
		workers = append(workers, r.regs[s].Worker)
	}
	return workers
}

// Registrations reports every worker with its absolute scope.
func (r *Registry) Registrations() []domain.WorkerRegistration {
	workers := r.Workers()
	regs := make([]domain.WorkerRegistration, 0, len(workers))
	for _, w := range workers {
		regs = append(regs, domain.WorkerRegistration{
			Scope: w.Config().ScopeURL(),
			State: string(w.State()),
		})
	}
	return regs
}

// FireSyncs fires the persisted sync tags of every worker.
func (r *Registry) FireSyncs(ctx context.Context) {
	for _, w := range r.Workers() {
		w.FireAll(ctx)
	}
}
