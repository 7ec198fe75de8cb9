package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/store"
)

type testOrigin struct {
	srv  *httptest.Server
	hits int32
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&o.hits, 1)
		switch r.URL.Path {
		case "/city/tokyo", "/city/paris":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		case "/api/cities/tokyo", "/api/cities/paris":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"slug":"x"}`))
		case "/api/download-city":
			w.Write([]byte(`{"slug":"` + r.URL.Query().Get("slug") + `"}`))
		case "/static/a.js", "/static/b.js", "/":
			w.Write([]byte("ok " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) Hits() int32 { return atomic.LoadInt32(&o.hits) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newActiveWorker(t *testing.T, cfg Config, deps Deps) *Worker {
	t.Helper()
	w := New(cfg, deps)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}

func TestConfigFor(t *testing.T) {
	cfg, err := ConfigFor("https://packs.example/some/path", "tokyo", 2)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.CacheName != "city-pack-tokyo-v2" || cfg.Scope != "/city/tokyo/" || cfg.Origin != "https://packs.example" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := ConfigFor("https://packs.example", "Tokyo!", 1); !errors.Is(err, domain.ErrInvalidSlug) {
		t.Fatalf("expected ErrInvalidSlug, got %v", err)
	}
	if _, err := ConfigFor("not a url", "tokyo", 1); err == nil {
		t.Fatal("expected origin error")
	}
}

func TestInScope(t *testing.T) {
	cfg, _ := ConfigFor("https://packs.example", "tokyo", 1)
	tests := []struct {
		url string
		in  bool
	}{
		{"https://packs.example/city/tokyo", true},
		{"https://packs.example/city/tokyo/", true},
		{"https://packs.example/city/tokyo/map?x=1", true},
		{"https://packs.example/city/tokyo-bay", false},
		{"https://packs.example/city/paris", false},
		{"https://packs.example/_next/static/chunk.js", true},
		{"https://packs.example/static/app.css", true},
		{"https://packs.example/_next/data/build/tokyo.json", true},
		{"https://packs.example/api/cities/tokyo", true},
		{"https://packs.example/api/cities/paris", false},
		{"https://packs.example/api/manifest/tokyo", true},
		{"https://packs.example/api/manifest/tokyo.json", true},
		{"https://packs.example/api/download-city?slug=tokyo", true},
		{"https://packs.example/api/download-city?slug=paris", false},
		{"https://other.example/city/tokyo", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		if got := cfg.InScope(u); got != tt.in {
			t.Fatalf("%s: expected %v, got %v", tt.url, tt.in, got)
		}
	}
}

func TestCacheFirstMakesNoNetworkRequest(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	metrics := NewMetrics(prometheus.NewRegistry())

	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client(), Metrics: metrics})

	page := origin.srv.URL + "/city/tokyo"
	part, _ := st.Open(cfg.CacheName)
	part.Put(&domain.StoredResponse{URL: page, Status: 200, Body: []byte("cached page")})

	resp, ok, err := w.Handle(context.Background(), getRequest(t, page))
	if err != nil || !ok {
		t.Fatalf("expected intercepted response, got %v %v", ok, err)
	}
	if string(resp.Body) != "cached page" {
		t.Fatalf("expected cached body, got %q", resp.Body)
	}
	if origin.Hits() != 0 {
		t.Fatalf("expected 0 network requests, got %d", origin.Hits())
	}
	if got := testutil.ToFloat64(metrics.NetworkFetches.WithLabelValues(cfg.Scope)); got != 0 {
		t.Fatalf("expected network counter 0, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Responses.WithLabelValues(cfg.Scope, SourceCache)); got != 1 {
		t.Fatalf("expected 1 cache response, got %v", got)
	}
}

func TestMissFetchesAndStores(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)

	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client()})

	page := origin.srv.URL + "/city/tokyo"
	resp, ok, err := w.Handle(context.Background(), getRequest(t, page))
	if err != nil || !ok || resp.Status != 200 {
		t.Fatalf("expected network response, got %+v %v %v", resp, ok, err)
	}
	part, _ := st.Lookup(cfg.CacheName)
	if _, ok := part.Match(page); !ok {
		t.Fatal("expected page stored")
	}

	w.Handle(context.Background(), getRequest(t, page))
	if origin.Hits() != 1 {
		t.Fatalf("expected second request from cache, got %d hits", origin.Hits())
	}

	missing := origin.srv.URL + "/city/tokyo/missing"
	resp, ok, _ = w.Handle(context.Background(), getRequest(t, missing))
	if !ok || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 passed to caller, got %+v", resp)
	}
	if _, ok := part.Match(missing); ok {
		t.Fatal("expected 404 not stored")
	}
}

func TestNotIntercepted(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client()})

	post, _ := http.NewRequest(http.MethodPost, origin.srv.URL+"/city/tokyo", nil)
	internal := getRequest(t, origin.srv.URL+"/city/tokyo")
	internal.Header.Set(domain.InternalHeader, "1")
	other := getRequest(t, origin.srv.URL+"/city/paris")
	foreign := getRequest(t, "https://elsewhere.example/city/tokyo")

	for _, req := range []*http.Request{post, internal, other, foreign} {
		if _, ok, _ := w.Handle(context.Background(), req); ok {
			t.Fatalf("expected %s %s not intercepted", req.Method, req.URL)
		}
	}
	if origin.Hits() != 0 {
		t.Fatalf("expected no network requests, got %d", origin.Hits())
	}
}

func TestInactiveWorkerDoesNotAnswer(t *testing.T) {
	origin := newTestOrigin(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := New(cfg, Deps{Storage: newTestStore(t), Client: origin.srv.Client()})

	if _, ok, _ := w.Handle(context.Background(), getRequest(t, origin.srv.URL+"/city/tokyo")); ok {
		t.Fatal("expected installing worker not to intercept")
	}
}

func TestPreloadResponseStored(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client()})

	page := origin.srv.URL + "/city/tokyo/"
	resp, ok, _ := w.HandleFetch(context.Background(), FetchEvent{
		Request: getRequest(t, page),
		Preload: &domain.StoredResponse{Status: 200, Body: []byte("preloaded")},
	})
	if !ok || string(resp.Body) != "preloaded" {
		t.Fatalf("expected preload response, got %+v", resp)
	}
	if origin.Hits() != 0 {
		t.Fatalf("expected no network request, got %d", origin.Hits())
	}
	part, _ := st.Lookup(cfg.CacheName)
	if _, ok := part.Match(page); !ok {
		t.Fatal("expected preload stored")
	}
}

func TestOfflineFallsBackToAnyPartition(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client()})

	asset := origin.srv.URL + "/static/a.js"
	shared, _ := st.Open(PartitionUIAssets)
	shared.Put(&domain.StoredResponse{URL: asset, Status: 200, Body: []byte("shared")})
	origin.srv.Close()

	resp, ok, _ := w.Handle(context.Background(), getRequest(t, asset))
	if !ok || string(resp.Body) != "shared" {
		t.Fatalf("expected fallback from shared partition, got %+v %v", resp, ok)
	}

	if _, ok, _ := w.Handle(context.Background(), getRequest(t, origin.srv.URL+"/static/b.js")); ok {
		t.Fatal("expected pass-through when nothing is stored")
	}
}

func TestActivateEvictsStaleSchema(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	bus := events.NewBus(nil)

	for _, name := range []string{"city-pack-tokyo-v1", "city-pack-paris-v1", "city-pack-tokyo-bay-v1"} {
		p, _ := st.Open(name)
		p.Put(&domain.StoredResponse{URL: "http://x/" + name, Status: 200})
	}

	activated := make(chan events.WorkerActivated, 1)
	unsub := bus.Subscribe(events.TopicWorkerActivated, func(_ string, data interface{}) {
		activated <- data.(events.WorkerActivated)
	})
	defer unsub()

	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 2)
	newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client(), Bus: bus})

	if _, ok := st.Lookup("city-pack-tokyo-v1"); ok {
		t.Fatal("expected city-pack-tokyo-v1 deleted")
	}
	for _, name := range []string{"city-pack-paris-v1", "city-pack-tokyo-bay-v1"} {
		if _, ok := st.Lookup(name); !ok {
			t.Fatalf("expected %s kept", name)
		}
	}

	select {
	case ev := <-activated:
		if ev.Slug != "tokyo" || ev.Scope != origin.srv.URL+"/city/tokyo/" {
			t.Fatalf("unexpected activation event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activation event")
	}
}

func TestInstallWithoutStorage(t *testing.T) {
	cfg, _ := ConfigFor("http://packs.example", "tokyo", 1)
	w := New(cfg, Deps{})
	if err := w.Install(context.Background()); !errors.Is(err, domain.ErrCacheUnsupported) {
		t.Fatalf("expected ErrCacheUnsupported, got %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant, got %s", w.State())
	}
}

func TestDownloadCommand(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	metrics := NewMetrics(nil)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client(), Metrics: metrics})

	clientEnd, workerEnd := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx, workerEnd)
	client := channel.NewClient(clientEnd, nil)
	defer client.Close()

	urls := []string{
		origin.srv.URL + "/city/tokyo",
		origin.srv.URL + "/api/cities/tokyo",
		origin.srv.URL + "/static/a.js",
		origin.srv.URL + "/static/missing.js",
	}
	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	reply, err := client.Request(rctx, channel.Envelope{Type: channel.TypeDownloadCityPack, Slug: "tokyo", URLs: urls})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Type != channel.TypeDownloadCityPackDone || reply.Slug != "tokyo" || reply.Error != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	part, _ := st.Lookup(cfg.CacheName)
	keys, _ := part.Keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 stored entries, got %v", keys)
	}
	if got := testutil.ToFloat64(metrics.Downloads.WithLabelValues(cfg.Scope, "failed")); got != 1 {
		t.Fatalf("expected 1 failed download, got %v", got)
	}
}

func TestDownloadIgnoresOtherCity(t *testing.T) {
	origin := newTestOrigin(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: newTestStore(t), Client: origin.srv.Client()})

	clientEnd, workerEnd := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx, workerEnd)
	client := channel.NewClient(clientEnd, nil)
	defer client.Close()

	rctx, rcancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer rcancel()
	_, err := client.Request(rctx, channel.Envelope{Type: channel.TypeDownloadCityPack, Slug: "paris"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no reply, got %v", err)
	}
	if origin.Hits() != 0 {
		t.Fatalf("expected no fetches, got %d", origin.Hits())
	}
}

func TestDownloadEmptyListFallsBackToPageAndData(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	cfg, _ := ConfigFor(origin.srv.URL, "tokyo", 1)
	w := newActiveWorker(t, cfg, Deps{Storage: st, Client: origin.srv.Client()})

	reply := w.Download(context.Background(), nil)
	if reply.Error != "" {
		t.Fatalf("unexpected error %s", reply.Error)
	}
	part, _ := st.Lookup(cfg.CacheName)
	for _, u := range []string{origin.srv.URL + "/city/tokyo", origin.srv.URL + "/api/cities/tokyo"} {
		if _, ok := part.Match(u); !ok {
			t.Fatalf("expected %s stored", u)
		}
	}
}

func TestBackgroundSync(t *testing.T) {
	origin := newTestOrigin(t)
	st := newTestStore(t)
	cfg, _ := GlobalConfig(origin.srv.URL)
	cfg.Precache = nil
	w := newActiveWorker(t, cfg, Deps{Storage: st, Tags: st, Client: origin.srv.Client()})

	clientEnd, workerEnd := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx, workerEnd)
	client := channel.NewClient(clientEnd, nil)
	defer client.Close()

	client.Post(ctx, channel.Envelope{Type: channel.TypeRegisterSync, ID: "paris"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		tags, _ := st.SyncTags("/")
		if len(tags) == 1 && tags[0] == "city-sync-paris" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected city-sync-paris registered, got %v", tags)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.FireAll(ctx)

	select {
	case env := <-client.Notifications():
		if env.Type != channel.TypeRetrySync || env.ID != "paris" {
			t.Fatalf("unexpected notification %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RETRY_SYNC")
	}
	tags, _ := st.SyncTags("/")
	if len(tags) != 0 {
		t.Fatalf("expected tag cleared, got %v", tags)
	}
}

func TestFireSyncKeepsTagWithoutClients(t *testing.T) {
	st := newTestStore(t)
	cfg, _ := GlobalConfig("http://packs.example")
	cfg.Precache = nil
	w := newActiveWorker(t, cfg, Deps{Storage: st, Tags: st})

	w.RegisterSync("tokyo")
	n, err := w.FireSync(context.Background(), "city-sync-tokyo")
	if err != nil || n != 0 {
		t.Fatalf("expected no delivery, got %d %v", n, err)
	}
	tags, _ := st.SyncTags("/")
	if len(tags) != 1 {
		t.Fatalf("expected tag kept, got %v", tags)
	}
}
