package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmcdole/citypack/internal/domain"
)

func TestGet(t *testing.T) {
	var gotUA, gotInternal string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotInternal = r.Header.Get(domain.InternalHeader)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	resp, err := Get(context.Background(), srv.Client(), srv.URL+"/ok", Internal())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !resp.OK() || string(resp.Body) != "hello" || resp.URL != srv.URL+"/ok" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("expected header kept, got %v", resp.Header)
	}
	if gotUA != userAgent || gotInternal != "1" {
		t.Fatalf("expected user agent and internal header, got %q %q", gotUA, gotInternal)
	}

	resp, err = Get(context.Background(), srv.Client(), srv.URL+"/missing")
	if err != nil {
		t.Fatalf("expected non-2xx without error, got %v", err)
	}
	if resp.OK() || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %d", resp.Status)
	}
	if gotInternal != "" {
		t.Fatal("expected no internal header without option")
	}
}

func TestGetTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := Get(context.Background(), nil, url); err == nil {
		t.Fatal("expected error from closed server")
	}
}
