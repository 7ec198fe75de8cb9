package store

import "github.com/mmcdole/citypack/internal/domain"

// metaKey is the single record holding domain.PackMeta.
const metaKey = "city-pack-meta"

// PackMeta returns the downloaded-cities record, empty if none was saved.
func (s *Store) PackMeta() (domain.PackMeta, error) {
	var meta domain.PackMeta
	s.get(bucketMeta, metaKey, &meta)
	if meta.LastUpdated == nil {
		meta.LastUpdated = make(map[string]string)
	}
	return meta, nil
}

// MarkDownloaded records id with its content timestamp.
func (s *Store) MarkDownloaded(id, lastUpdated string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var meta domain.PackMeta
	s.get(bucketMeta, metaKey, &meta)
	if meta.LastUpdated == nil {
		meta.LastUpdated = make(map[string]string)
	}
	if !meta.Has(id) {
		meta.DownloadedIDs = append(meta.DownloadedIDs, id)
	}
	if lastUpdated != "" {
		meta.LastUpdated[id] = lastUpdated
	}
	return s.set(bucketMeta, metaKey, meta)
}

// RemoveDownloaded drops id and its timestamp from the record.
func (s *Store) RemoveDownloaded(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var meta domain.PackMeta
	if !s.get(bucketMeta, metaKey, &meta) {
		return nil
	}
	ids := meta.DownloadedIDs[:0]
	for _, d := range meta.DownloadedIDs {
		if d != id {
			ids = append(ids, d)
		}
	}
	meta.DownloadedIDs = ids
	delete(meta.LastUpdated, id)
	return s.set(bucketMeta, metaKey, meta)
}
