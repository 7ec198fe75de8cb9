package store

import "strings"

// Sync tags are keyed "{scope}|{tag}" so a scope's tags share a prefix.

func tagKey(scope, tag string) string {
	return scope + "|" + tag
}

func (s *Store) AddSyncTag(scope, tag string) error {
	return s.set(bucketSyncTags, tagKey(scope, tag), tag)
}

func (s *Store) RemoveSyncTag(scope, tag string) error {
	return s.delete(bucketSyncTags, tagKey(scope, tag))
}

// SyncTags lists the tags registered for scope.
func (s *Store) SyncTags(scope string) ([]string, error) {
	var tags []string
	prefix := scope + "|"
	err := s.scanPrefix(bucketSyncTags, prefix, func(key string, _ []byte) error {
		tags = append(tags, strings.TrimPrefix(key, prefix))
		return nil
	})
	return tags, err
}
