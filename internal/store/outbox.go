package store

import (
	"encoding/json"
	"sort"

	"github.com/mmcdole/citypack/internal/domain"
)

// SaveRetryIntent inserts or replaces an outbox entry.
func (s *Store) SaveRetryIntent(intent domain.RetryIntent) error {
	return s.set(bucketOutbox, intent.ID, intent)
}

func (s *Store) DeleteRetryIntent(id string) error {
	return s.delete(bucketOutbox, id)
}

// RetryIntents returns every outbox entry ordered by creation time.
func (s *Store) RetryIntents() ([]domain.RetryIntent, error) {
	var intents []domain.RetryIntent
	err := s.scanPrefix(bucketOutbox, "", func(_ string, data []byte) error {
		var intent domain.RetryIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return err
		}
		intents = append(intents, intent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}
