package worker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/fetch"
)

// FetchEvent is an intercepted request. Preload is the navigation preload
// response when the platform supplied one.
type FetchEvent struct {
	Request *http.Request
	Preload *domain.StoredResponse
}

// Handle intercepts req. The bool is false when the worker does not
// answer and the request should go to the network unchanged.
func (w *Worker) Handle(ctx context.Context, req *http.Request) (*domain.StoredResponse, bool, error) {
	return w.HandleFetch(ctx, FetchEvent{Request: req})
}

// HandleFetch is Handle with an optional preload response.
func (w *Worker) HandleFetch(ctx context.Context, ev FetchEvent) (*domain.StoredResponse, bool, error) {
	req := ev.Request
	if w.State() != StateActive {
		return nil, false, nil
	}
	if req.Method != http.MethodGet || req.Header.Get(domain.InternalHeader) == "1" {
		return nil, false, nil
	}

	u := w.requestURL(req)
	if w.cfg.IsCity() {
		if !w.cfg.InScope(u) {
			return nil, false, nil
		}
		return w.handleCity(ctx, u.String(), ev.Preload)
	}

	rule, ok := w.cfg.RuleFor(u)
	if !ok {
		return nil, false, nil
	}
	return w.handleRule(ctx, rule, u.String())
}

// requestURL resolves proxied requests, which carry only a path, against
// the worker's origin.
func (w *Worker) requestURL(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		return req.URL
	}
	u, err := url.Parse(w.cfg.Origin + req.URL.RequestURI())
	if err != nil {
		return req.URL
	}
	return u
}

// handleCity is cache-first over the city partition: stored entry,
// navigation preload, live fetch, then any partition.
func (w *Worker) handleCity(ctx context.Context, key string, preload *domain.StoredResponse) (*domain.StoredResponse, bool, error) {
	scope := w.cfg.Scope
	part, err := w.storage.Open(w.cfg.CacheName)
	if err != nil {
		return nil, false, err
	}

	if cached, ok := part.Match(key); ok {
		w.metrics.response(scope, SourceCache)
		return cached, true, nil
	}

	if preload != nil {
		if preload.OK() {
			preload.URL = key
			w.store(w.cfg.CacheName, preload)
		}
		w.metrics.response(scope, SourcePreload)
		return preload, true, nil
	}

	w.metrics.networkFetch(scope)
	resp, err := fetch.Get(ctx, w.client, key, fetch.Internal())
	if err == nil {
		if resp.OK() {
			w.store(w.cfg.CacheName, resp)
		}
		w.metrics.response(scope, SourceNetwork)
		return resp, true, nil
	}
	w.logger.Debug("network fetch failed", "url", key, "error", err)

	if fallback, ok := w.storage.Match(key); ok {
		w.metrics.response(scope, SourceFallback)
		return fallback, true, nil
	}
	w.metrics.response(scope, SourcePassthrough)
	return nil, false, nil
}

func (w *Worker) handleRule(ctx context.Context, rule Rule, key string) (*domain.StoredResponse, bool, error) {
	scope := w.cfg.Scope
	part, err := w.storage.Open(rule.Partition)
	if err != nil {
		return nil, false, err
	}

	switch rule.Strategy {
	case CacheFirst:
		if cached, ok := part.Match(key); ok {
			if rule.Expiration.FromLastUsed {
				part.Touch(key, w.clock.Now())
			}
			w.metrics.response(scope, SourceCache)
			return cached, true, nil
		}
		return w.fetchForRule(ctx, rule, key)

	case StaleWhileRevalidate:
		if cached, ok := part.Match(key); ok {
			w.pending.Add(1)
			go func() {
				defer w.pending.Done()
				w.fetchForRule(context.WithoutCancel(ctx), rule, key)
			}()
			w.metrics.response(scope, SourceCache)
			return cached, true, nil
		}
		return w.fetchForRule(ctx, rule, key)

	default: // NetworkFirst
		resp, ok, err := w.fetchForRule(ctx, rule, key)
		if ok || err != nil {
			return resp, ok, err
		}
		if cached, ok := part.Match(key); ok {
			w.metrics.response(scope, SourceFallback)
			return cached, true, nil
		}
		return nil, false, nil
	}
}

// fetchForRule fetches key, stores a 2xx answer in the rule's partition
// and applies the rule's expiration. A network error is not intercepted.
func (w *Worker) fetchForRule(ctx context.Context, rule Rule, key string) (*domain.StoredResponse, bool, error) {
	w.metrics.networkFetch(w.cfg.Scope)
	resp, err := fetch.Get(ctx, w.client, key, fetch.Internal())
	if err != nil {
		w.logger.Debug("network fetch failed", "url", key, "rule", rule.Name, "error", err)
		return nil, false, nil
	}
	if resp.OK() {
		resp.StoredAt = w.clock.Now()
		resp.LastUsed = resp.StoredAt
		if w.store(rule.Partition, resp) == nil {
			w.expire(rule)
		}
	}
	w.metrics.response(w.cfg.Scope, SourceNetwork)
	return resp, true, nil
}

func (w *Worker) expire(rule Rule) {
	if rule.Expiration == (domain.ExpirationPolicy{}) {
		return
	}
	part, ok := w.storage.Lookup(rule.Partition)
	if !ok {
		return
	}
	n, err := part.Expire(rule.Expiration, w.clock.Now())
	if err != nil {
		w.logger.Warn("expiration failed", "partition", rule.Partition, "error", err)
		return
	}
	w.metrics.evicted(rule.Partition, n)
}
