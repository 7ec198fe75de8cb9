package updates

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/events"
	"github.com/mmcdole/citypack/internal/store"
)

func versionServer(t *testing.T, versions map[string]domain.VersionInfo) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != domain.VersionCheckPath {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(versions)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewer(t *testing.T) {
	tests := []struct {
		remote, local string
		want          bool
	}{
		{"2025-02-01T00:00:00Z", "2025-01-01T00:00:00Z", true},
		{"2025-01-01T00:00:00Z", "2025-01-01T00:00:00Z", false},
		{"2025-01-01T01:00:00+02:00", "2025-01-01T00:00:00Z", false},
		{"2025-01-02", "2025-01-01", true},
		{"2024-12-31", "2025-01-01", false},
	}
	for _, tt := range tests {
		if got := Newer(tt.remote, tt.local); got != tt.want {
			t.Fatalf("Newer(%q, %q): expected %v, got %v", tt.remote, tt.local, tt.want, got)
		}
	}
}

func TestCheckOnlyListsDownloadedNewerCities(t *testing.T) {
	srv, _ := versionServer(t, map[string]domain.VersionInfo{
		"tokyo":  {LastUpdated: "2025-02-01T00:00:00Z", Name: "Tokyo"},
		"paris":  {LastUpdated: "2025-01-01T00:00:00Z", Name: "Paris"},
		"london": {LastUpdated: "2025-03-01T00:00:00Z", Name: "London"},
	})
	st := newTestStore(t)
	st.MarkDownloaded("tokyo", "2025-01-01T00:00:00Z")
	st.MarkDownloaded("paris", "2025-01-01T00:00:00Z")
	st.MarkDownloaded("rome", "2025-01-01T00:00:00Z")

	c := New(Config{Origin: srv.URL, Client: srv.Client(), Meta: st})
	got, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(got) != 1 || got[0].ID != "tokyo" || got[0].Name != "Tokyo" {
		t.Fatalf("expected only tokyo, got %+v", got)
	}
}

func TestApplyClearsPendingAndRecordsServerVersion(t *testing.T) {
	srv, _ := versionServer(t, map[string]domain.VersionInfo{
		"tokyo": {LastUpdated: "2025-02-01T00:00:00Z", Name: "Tokyo"},
	})
	st := newTestStore(t)
	st.MarkDownloaded("tokyo", "2025-01-01T00:00:00Z")

	var synced []string
	c := New(Config{
		Origin: srv.URL,
		Client: srv.Client(),
		Meta:   st,
		Sync: func(ctx context.Context, id string) error {
			synced = append(synced, id)
			return nil
		},
	})

	if got, _ := c.Check(context.Background()); len(got) != 1 {
		t.Fatalf("expected tokyo pending, got %+v", got)
	}
	if err := c.Apply(context.Background(), "tokyo"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(synced) != 1 || synced[0] != "tokyo" {
		t.Fatalf("expected tokyo synced, got %v", synced)
	}
	if p := c.Pending(); len(p) != 0 {
		t.Fatalf("expected pending cleared, got %+v", p)
	}
	meta, _ := st.PackMeta()
	if meta.LastUpdated["tokyo"] != "2025-02-01T00:00:00Z" {
		t.Fatalf("expected local record updated, got %q", meta.LastUpdated["tokyo"])
	}
	if got, _ := c.Check(context.Background()); len(got) != 0 {
		t.Fatalf("expected no updates after apply, got %+v", got)
	}
}

func TestApplyKeepsNewerRecordFromSync(t *testing.T) {
	srv, _ := versionServer(t, map[string]domain.VersionInfo{
		"tokyo": {LastUpdated: "2025-02-01T00:00:00Z", Name: "Tokyo"},
	})
	st := newTestStore(t)
	st.MarkDownloaded("tokyo", "2025-01-01T00:00:00Z")

	c := New(Config{
		Origin: srv.URL,
		Client: srv.Client(),
		Meta:   st,
		Sync: func(_ context.Context, id string) error {
			return st.MarkDownloaded(id, "2025-03-01T00:00:00Z")
		},
	})
	c.Check(context.Background())
	if err := c.Apply(context.Background(), "tokyo"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	meta, _ := st.PackMeta()
	if meta.LastUpdated["tokyo"] != "2025-03-01T00:00:00Z" {
		t.Fatalf("expected newer synced record kept, got %q", meta.LastUpdated["tokyo"])
	}
	if got, _ := c.Check(context.Background()); len(got) != 0 {
		t.Fatalf("expected no updates after apply, got %+v", got)
	}
}

func TestApplyFailureKeepsPending(t *testing.T) {
	srv, _ := versionServer(t, map[string]domain.VersionInfo{
		"tokyo": {LastUpdated: "2025-02-01T00:00:00Z", Name: "Tokyo"},
	})
	st := newTestStore(t)
	st.MarkDownloaded("tokyo", "2025-01-01T00:00:00Z")

	c := New(Config{
		Origin: srv.URL,
		Client: srv.Client(),
		Meta:   st,
		Sync:   func(context.Context, string) error { return domain.ErrDiscoveryFailed },
	})
	c.Check(context.Background())

	err := c.Apply(context.Background(), "tokyo")
	if !errors.Is(err, domain.ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
	if p := c.Pending(); len(p) != 1 {
		t.Fatalf("expected tokyo still pending, got %+v", p)
	}
	meta, _ := st.PackMeta()
	if meta.LastUpdated["tokyo"] != "2025-01-01T00:00:00Z" {
		t.Fatalf("expected local record unchanged, got %q", meta.LastUpdated["tokyo"])
	}
}

func TestDismiss(t *testing.T) {
	srv, _ := versionServer(t, map[string]domain.VersionInfo{
		"tokyo": {LastUpdated: "2025-02-01T00:00:00Z", Name: "Tokyo"},
	})
	st := newTestStore(t)
	st.MarkDownloaded("tokyo", "2025-01-01T00:00:00Z")

	c := New(Config{Origin: srv.URL, Client: srv.Client(), Meta: st})
	c.Check(context.Background())
	c.Dismiss()
	if p := c.Pending(); len(p) != 0 {
		t.Fatalf("expected dismissed list empty, got %+v", p)
	}
}

func TestCheckServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Origin: srv.URL, Client: srv.Client(), Meta: newTestStore(t)})
	if _, err := c.Check(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestRunChecksOnOnlineTransition(t *testing.T) {
	srv, hits := versionServer(t, map[string]domain.VersionInfo{})
	bus := events.NewBus(nil)

	c := New(Config{
		Origin: srv.URL,
		Client: srv.Client(),
		Meta:   newTestStore(t),
		Bus:    bus,
		Online: func() bool { return false },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(hits); n != 0 {
		t.Fatalf("expected no check while offline, got %d", n)
	}

	bus.Publish(events.TopicOnline, nil)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(hits) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected check after online transition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
