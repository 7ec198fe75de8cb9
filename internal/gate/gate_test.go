package gate

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/store"
)

const origin = "http://city.test"

type staticRegs []domain.WorkerRegistration

func (s staticRegs) Registrations() []domain.WorkerRegistration { return s }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func cachePage(t *testing.T, st *store.Store, url string) {
	t.Helper()
	p, err := st.Open(domain.PartitionName("tokyo", 1))
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if err := p.Put(&domain.StoredResponse{URL: url, Status: 200, Body: []byte("<html>")}); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func activeTokyo() staticRegs {
	return staticRegs{
		{Scope: origin + "/", State: "active"},
		{Scope: origin + "/city/tokyo/", State: "active"},
	}
}

func TestReadyWhenAllChecksPass(t *testing.T) {
	st := newTestStore(t)
	cachePage(t, st, origin+"/city/tokyo")

	doc := NewDocument("", nil)
	doc.SwapManifest("tokyo")

	g := New(Config{Slug: "tokyo", Origin: origin, Document: doc, Registrations: activeTokyo(), Storage: st})

	r := g.Check(context.Background())
	if !r.Ready() {
		t.Fatalf("expected ready, got %+v", r)
	}
	if again := g.Check(context.Background()); again != r {
		t.Fatalf("expected repeated check to match, got %+v then %+v", r, again)
	}
}

func TestManifestNotSwappedBlocksReadiness(t *testing.T) {
	st := newTestStore(t)
	cachePage(t, st, origin+"/city/tokyo")

	doc := NewDocument("", nil)
	g := New(Config{Slug: "tokyo", Origin: origin, Document: doc, Registrations: activeTokyo(), Storage: st})

	r := g.Check(context.Background())
	if r.Ready() || r.ManifestOK {
		t.Fatalf("expected manifest check to fail, got %+v", r)
	}
	if !r.WorkerOK || !r.CacheOK {
		t.Fatalf("expected worker and cache checks to pass, got %+v", r)
	}
}

func TestManifestAcceptsJSONSuffixAndAbsoluteHref(t *testing.T) {
	doc := NewDocument(origin+"/api/manifest/tokyo.json", nil)
	g := New(Config{Slug: "tokyo", Origin: origin, Document: doc})
	if !g.Check(context.Background()).ManifestOK {
		t.Fatal("expected .json manifest accepted")
	}

	doc.SetManifestHref("/api/manifest/paris")
	if g.Check(context.Background()).ManifestOK {
		t.Fatal("expected other city's manifest rejected")
	}

	doc.SetManifestHref("https://elsewhere.example/api/manifest/tokyo")
	if g.Check(context.Background()).ManifestOK {
		t.Fatal("expected manifest on another origin rejected")
	}

	doc.SetManifestHref("//elsewhere.example/api/manifest/tokyo")
	if g.Check(context.Background()).ManifestOK {
		t.Fatal("expected scheme-relative manifest on another host rejected")
	}
}

func TestWorkerMustBeActive(t *testing.T) {
	doc := NewDocument("", nil)
	doc.SwapManifest("tokyo")

	regs := staticRegs{{Scope: origin + "/city/tokyo/", State: "installed"}}
	g := New(Config{Slug: "tokyo", Origin: origin, Document: doc, Registrations: regs})
	if g.Check(context.Background()).WorkerOK {
		t.Fatal("expected waiting worker rejected")
	}

	regs = staticRegs{{Scope: origin + "/city/tokyo-villa/", State: "active"}}
	g = New(Config{Slug: "tokyo", Origin: origin, Document: doc, Registrations: regs})
	if g.Check(context.Background()).WorkerOK {
		t.Fatal("expected other scope rejected")
	}
}

func TestCacheAcceptsPageVariants(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{origin + "/city/tokyo", true},
		{origin + "/city/tokyo?standalone=true", true},
		{origin + "/city/tokyo/", true},
		{origin + "/city/tokyo?utm_source=homescreen", true},
		{origin + "/city/tokyo-villa", false},
		{origin + "/api/cities/tokyo", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			st := newTestStore(t)
			cachePage(t, st, tt.url)
			g := New(Config{Slug: "tokyo", Origin: origin, Storage: st})
			if got := g.Check(context.Background()).CacheOK; got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNoStorageIsNotReady(t *testing.T) {
	g := New(Config{Slug: "tokyo", Origin: origin})
	if r := g.Check(context.Background()); r.CacheOK || r.Ready() {
		t.Fatalf("expected not ready, got %+v", r)
	}
}

func TestWatchReactsToManifestSwap(t *testing.T) {
	st := newTestStore(t)
	cachePage(t, st, origin+"/city/tokyo")

	bus := events.NewBus(nil)
	doc := NewDocument("", bus)
	clk := testclock.NewClock(time.Now())

	g := New(Config{
		Slug:          "tokyo",
		Origin:        origin,
		Document:      doc,
		Registrations: activeTokyo(),
		Storage:       st,
		Bus:           bus,
		Clock:         clk,
		PollInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan Readiness, 4)
	done := make(chan error, 1)
	go func() {
		done <- g.Watch(ctx, func(r Readiness) { seen <- r })
	}()

	select {
	case r := <-seen:
		if r.Ready() {
			t.Fatalf("expected initial not ready, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial readiness")
	}

	doc.SwapManifest("tokyo")

	select {
	case r := <-seen:
		if !r.Ready() {
			t.Fatalf("expected ready after swap, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected readiness change after manifest swap")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWatchPollsWithoutEvents(t *testing.T) {
	st := newTestStore(t)
	doc := NewDocument("", nil)
	doc.SwapManifest("tokyo")
	clk := testclock.NewClock(time.Now())

	g := New(Config{
		Slug:          "tokyo",
		Origin:        origin,
		Document:      doc,
		Registrations: activeTokyo(),
		Storage:       st,
		Clock:         clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan Readiness, 4)
	go g.Watch(ctx, func(r Readiness) { seen <- r })

	if r := <-seen; r.CacheOK {
		t.Fatalf("expected cache miss first, got %+v", r)
	}

	cachePage(t, st, origin+"/city/tokyo")
	if err := clk.WaitAdvance(DefaultPollInterval, 2*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	select {
	case r := <-seen:
		if !r.Ready() {
			t.Fatalf("expected ready after poll, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected poll to pick up cache write")
	}
}

func TestManifestLink(t *testing.T) {
	page := []byte(`<html><head>
<link rel="stylesheet" href="/static/app.css">
<link rel="Manifest" href="/api/manifest/tokyo">
</head></html>`)
	if got := ManifestLink(page); got != "/api/manifest/tokyo" {
		t.Fatalf("expected tokyo manifest, got %q", got)
	}
	if got := ManifestLink([]byte("<html></html>")); got != "" {
		t.Fatalf("expected no manifest, got %q", got)
	}
}

func TestSwapManifestPublishes(t *testing.T) {
	bus := events.NewBus(nil)
	got := make(chan events.ManifestSwap, 1)
	bus.Subscribe(events.TopicManifestSwap, func(_ string, data interface{}) {
		got <- data.(events.ManifestSwap)
	})

	doc := NewDocument("", bus)
	if doc.ManifestHref() != DefaultManifestHref {
		t.Fatalf("expected default manifest, got %q", doc.ManifestHref())
	}
	doc.SwapManifest("tokyo")

	select {
	case ev := <-got:
		if ev.Href != "/api/manifest/tokyo" {
			t.Fatalf("unexpected href %q", ev.Href)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected manifest swap event")
	}
}
