// Package gate decides whether a city can be installed: its manifest is
// linked, its worker is active and its page is cached.
package gate

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
)

// DefaultPollInterval is the fallback recheck period of Watch.
const DefaultPollInterval = 1500 * time.Millisecond

// ManifestSource exposes the document's manifest link.
type ManifestSource interface {
	ManifestHref() string
}

// RegistrationLister lists worker registrations.
type RegistrationLister interface {
	Registrations() []domain.WorkerRegistration
}

// Readiness is the derived install state. It is never persisted.
type Readiness struct {
	ManifestOK bool
	WorkerOK   bool
	CacheOK    bool
}

// Ready reports whether all three conditions hold.
func (r Readiness) Ready() bool {
	return r.ManifestOK && r.WorkerOK && r.CacheOK
}

// Config wires a Gate.
type Config struct {
	Slug          string
	Origin        string
	SchemaVersion int
	Document      ManifestSource
	Registrations RegistrationLister
	Storage       domain.CacheStorage
	Bus           *events.Bus
	Clock         clock.Clock
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Gate evaluates install readiness of one city.
type Gate struct {
	slug      string
	origin    string
	partition string
	doc       ManifestSource
	regs      RegistrationLister
	storage   domain.CacheStorage
	bus       *events.Bus
	clock     clock.Clock
	interval  time.Duration
	logger    *slog.Logger
}

func New(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	return &Gate{
		slug:      cfg.Slug,
		origin:    strings.TrimRight(cfg.Origin, "/"),
		partition: domain.PartitionName(cfg.Slug, cfg.SchemaVersion),
		doc:       cfg.Document,
		regs:      cfg.Registrations,
		storage:   cfg.Storage,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		interval:  cfg.PollInterval,
		logger:    cfg.Logger.With("slug", cfg.Slug),
	}
}

// Check evaluates readiness now.
func (g *Gate) Check(ctx context.Context) Readiness {
	return Readiness{
		ManifestOK: g.manifestOK(),
		WorkerOK:   g.workerOK(),
		CacheOK:    g.cacheOK(),
	}
}

func (g *Gate) manifestOK() bool {
	if g.doc == nil {
		return false
	}
	base, err := url.Parse(g.origin + "/")
	if err != nil {
		return false
	}
	ref, err := url.Parse(g.doc.ManifestHref())
	if err != nil {
		return false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	want := domain.ManifestPath(g.slug)
	return u.Path == want || u.Path == want+".json"
}

func (g *Gate) workerOK() bool {
	if g.regs == nil {
		return false
	}
	scope := domain.ScopePath(g.slug)
	for _, r := range g.regs.Registrations() {
		if strings.HasSuffix(r.Scope, scope) && r.Active() {
			return true
		}
	}
	return false
}

// cacheOK accepts the page under any of its URL forms, or any key that
// extends the page path with a query or subpath.
func (g *Gate) cacheOK() bool {
	if g.storage == nil {
		return false
	}
	part, ok := g.storage.Lookup(g.partition)
	if !ok {
		return false
	}

	page := g.origin + domain.CityPath(g.slug)
	for _, u := range []string{page, page + "?standalone=true", page + "/"} {
		if _, ok := part.Match(u); ok {
			return true
		}
	}

	keys, err := part.Keys()
	if err != nil {
		return false
	}
	for _, k := range keys {
		if strings.HasPrefix(k, page+"?") || strings.HasPrefix(k, page+"/") {
			return true
		}
	}
	return false
}

// Watch calls fn with the initial readiness and whenever it changes. It
// rechecks on worker activation, cache writes and manifest swaps for this
// city, and every poll interval. It blocks until ctx ends.
func (g *Gate) Watch(ctx context.Context, fn func(Readiness)) error {
	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	unsubs := []func(){
		g.bus.Subscribe(events.TopicWorkerActivated, func(_ string, data interface{}) {
			if ev, ok := data.(events.WorkerActivated); ok && ev.Slug == g.slug {
				poke()
			}
		}),
		g.bus.Subscribe(events.TopicCacheWrite, func(_ string, data interface{}) {
			if ev, ok := data.(events.CacheWrite); ok && ev.Partition == g.partition {
				poke()
			}
		}),
		g.bus.Subscribe(events.TopicManifestSwap, func(string, interface{}) {
			poke()
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	last := g.Check(ctx)
	fn(last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
		case <-g.clock.After(g.interval):
		}
		current := g.Check(ctx)
		if current != last {
			g.logger.Debug("readiness changed", "manifest", current.ManifestOK,
				"worker", current.WorkerOK, "cache", current.CacheOK)
			last = current
			fn(current)
		}
	}
}
