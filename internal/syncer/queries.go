package syncer

import (
	"context"

	"github.com/mmcdole/citypack/internal/domain"
)

// State returns the last known sync state of slug, idle if none.
func (e *Engine) State(slug string) domain.SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.states[slug]; ok {
		return s
	}
	return domain.SyncState{Slug: slug, Status: domain.StatusIdle}
}

// IsReady reports whether the city's partition holds both its document and
// its data. It never creates the partition.
func (e *Engine) IsReady(ctx context.Context, slug string) (bool, error) {
	if e.storage == nil {
		return false, domain.ErrCacheUnsupported
	}
	if err := domain.ValidateSlug(slug); err != nil {
		return false, err
	}
	part, ok := e.storage.Lookup(e.PartitionName(slug))
	if !ok {
		return false, nil
	}
	if _, ok := part.Match(e.origin + domain.CityPath(slug)); !ok {
		return false, nil
	}
	_, ok = part.Match(e.origin + domain.DataPath(slug))
	return ok, nil
}

// Downloaded returns the downloaded-cities record.
func (e *Engine) Downloaded() (domain.PackMeta, error) {
	if e.meta == nil {
		return domain.PackMeta{LastUpdated: map[string]string{}}, nil
	}
	return e.meta.PackMeta()
}

// RemoveOfflineData deletes the city's partition and metadata entry.
// Failures are logged; removal is best effort.
func (e *Engine) RemoveOfflineData(ctx context.Context, slug string) {
	if err := domain.ValidateSlug(slug); err != nil {
		e.logger.Warn("remove offline data", "slug", slug, "error", err)
		return
	}
	if e.storage != nil {
		if _, err := e.storage.Delete(e.PartitionName(slug)); err != nil {
			e.logger.Error("failed to delete partition", "slug", slug, "error", err)
		}
	}
	if e.meta != nil {
		if err := e.meta.RemoveDownloaded(slug); err != nil {
			e.logger.Error("failed to clear download record", "slug", slug, "error", err)
		}
	}

	e.mu.Lock()
	e.states[slug] = domain.SyncState{Slug: slug, Status: domain.StatusIdle}
	e.mu.Unlock()
	e.logger.Info("removed offline data", "slug", slug)
}
