package worker

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/citypack/internal/channel"
	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/fetch"
)

// Serve handles messages from one connected client until the transport
// closes or ctx ends.
func (w *Worker) Serve(ctx context.Context, t channel.Transport) error {
	w.Attach(t)
	defer func() {
		w.clientsMu.Lock()
		delete(w.clients, t)
		w.clientsMu.Unlock()
	}()

	for {
		env, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.HandleMessage(ctx, env, t)
	}
}

// Attach marks t as a connected client, so background syncs fired after it
// returns reach t. Serve attaches its transport as well.
func (w *Worker) Attach(t channel.Transport) {
	w.clientsMu.Lock()
	w.clients[t] = struct{}{}
	w.clientsMu.Unlock()
}

// HandleMessage dispatches one envelope. Replies go to from.
func (w *Worker) HandleMessage(ctx context.Context, env channel.Envelope, from channel.Transport) {
	switch env.Type {
	case channel.TypeDownloadCityPack:
		if !w.cfg.IsCity() || env.Slug != w.cfg.Slug {
			w.logger.Debug("ignoring download for other city", "slug", env.Slug)
			return
		}
		w.pending.Add(1)
		go func() {
			defer w.pending.Done()
			reply := w.Download(ctx, env.URLs)
			if err := from.Send(ctx, env.Reply(reply)); err != nil {
				w.logger.Warn("failed to send download reply", "slug", env.Slug, "error", err)
			}
		}()

	case channel.TypeRegisterSync:
		if err := w.RegisterSync(env.ID); err != nil {
			w.logger.Warn("failed to register sync", "id", env.ID, "error", err)
		}

	default:
		w.logger.Debug("unknown message", "type", env.Type)
	}
}

// Download fetches urls into the city partition and returns the
// download-city-pack-done envelope. Individual fetch failures are logged
// and skipped; an empty list falls back to the page and data URLs.
func (w *Worker) Download(ctx context.Context, urls []string) channel.Envelope {
	slug := w.cfg.Slug
	done := channel.Envelope{Type: channel.TypeDownloadCityPackDone, Slug: slug}

	if w.State() != StateActive {
		done.Error = domain.ErrWorkerNotActive.Error()
		return done
	}
	if len(urls) == 0 {
		urls = []string{
			w.cfg.Origin + domain.CityPath(slug),
			w.cfg.Origin + domain.DataPath(slug),
		}
	}

	if _, err := w.storage.Open(w.cfg.CacheName); err != nil {
		w.logger.Error("failed to open partition", "partition", w.cfg.CacheName, "error", err)
		done.Error = err.Error()
		return done
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, u := range urls {
		g.Go(func() error {
			w.downloadOne(gctx, u)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		done.Error = err.Error()
		return done
	}
	w.logger.Info("city pack downloaded", "slug", slug, "urls", len(urls))
	return done
}

func (w *Worker) downloadOne(ctx context.Context, u string) {
	w.metrics.networkFetch(w.cfg.Scope)
	resp, err := fetch.Get(ctx, w.client, u, fetch.Internal())
	if err != nil || !resp.OK() {
		w.metrics.download(w.cfg.Scope, "failed")
		w.logger.Warn("asset fetch failed", "url", u, "error", errOrStatus(err, resp))
		return
	}
	if err := w.store(w.cfg.CacheName, resp); err != nil {
		w.metrics.download(w.cfg.Scope, "failed")
		return
	}
	w.metrics.download(w.cfg.Scope, "stored")
}

// RegisterSync persists the background sync tag of city id.
func (w *Worker) RegisterSync(id string) error {
	if err := domain.ValidateSlug(id); err != nil {
		return err
	}
	if w.tags == nil {
		return nil
	}
	return w.tags.AddSyncTag(w.cfg.Scope, domain.SyncTag(id))
}

// SyncTags lists the persisted tags of this worker.
func (w *Worker) SyncTags() ([]string, error) {
	if w.tags == nil {
		return nil, nil
	}
	return w.tags.SyncTags(w.cfg.Scope)
}

// FireSync notifies every connected client with RETRY_SYNC and clears the
// tag. The tag is kept when no client received the message.
func (w *Worker) FireSync(ctx context.Context, tag string) (int, error) {
	id, ok := strings.CutPrefix(tag, "city-sync-")
	if !ok {
		return 0, nil
	}

	w.clientsMu.Lock()
	clients := make([]channel.Transport, 0, len(w.clients))
	for t := range w.clients {
		clients = append(clients, t)
	}
	w.clientsMu.Unlock()

	delivered := 0
	for _, t := range clients {
		if err := t.Send(ctx, channel.Envelope{Type: channel.TypeRetrySync, ID: id}); err != nil {
			w.logger.Debug("retry notification failed", "id", id, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return 0, nil
	}
	if w.tags != nil {
		if err := w.tags.RemoveSyncTag(w.cfg.Scope, tag); err != nil {
			return delivered, err
		}
	}
	w.logger.Info("fired background sync", "tag", tag, "clients", delivered)
	return delivered, nil
}

// FireAll fires every persisted tag.
func (w *Worker) FireAll(ctx context.Context) {
	tags, err := w.SyncTags()
	if err != nil {
		w.logger.Warn("failed to list sync tags", "error", err)
		return
	}
	for _, tag := range tags {
		if _, err := w.FireSync(ctx, tag); err != nil {
			w.logger.Warn("failed to fire sync", "tag", tag, "error", err)
		}
	}
}
