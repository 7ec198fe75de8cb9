package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mmcdole/citypack/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Partitions are nested buckets of the caches bucket, one per partition
// name, holding url -> JSON(domain.StoredResponse).

// Open returns the named partition, creating it if needed.
func (s *Store) Open(name string) (domain.Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
	}
	return &partition{s: s, name: name}, nil
}

// Lookup returns the named partition only if it exists.
func (s *Store) Lookup(name string) (domain.Partition, bool) {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	if !found {
		return nil, false
	}
	return &partition{s: s, name: name}, true
}

// Delete removes the named partition with all its entries.
func (s *Store) Delete(name string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		if caches.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return caches.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete partition %s: %w", name, err)
	}
	return existed, nil
}

// Names lists all partitions in byte order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Match searches every partition for url, in partition name order.
func (s *Store) Match(url string) (*domain.StoredResponse, bool) {
	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		return caches.ForEachBucket(func(k []byte) error {
			if data != nil {
				return nil
			}
			if v := caches.Bucket(k).Get([]byte(url)); v != nil {
				data = make([]byte, len(v))
				copy(data, v)
			}
			return nil
		})
	})
	return decodeResponse(data)
}

// Usage returns the entry count and stored byte size of a partition.
func (s *Store) Usage(name string) (entries int, size int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(name))
		if b == nil {
			return domain.ErrPartitionNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			entries++
			size += int64(len(v))
			return nil
		})
	})
	return entries, size, err
}

func decodeResponse(data []byte) (*domain.StoredResponse, bool) {
	if data == nil {
		return nil, false
	}
	var resp domain.StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// partition implements domain.Partition over one nested bucket.
type partition struct {
	s    *Store
	name string
}

func (p *partition) Name() string { return p.name }

func (p *partition) bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(bucketCaches).Bucket([]byte(p.name))
}

func (p *partition) Match(url string) (*domain.StoredResponse, bool) {
	var data []byte
	p.s.db.View(func(tx *bolt.Tx) error {
		b := p.bucket(tx)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(url)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return decodeResponse(data)
}

// Put stores resp under resp.URL, recreating the partition if it was deleted.
func (p *partition) Put(resp *domain.StoredResponse) error {
	if resp == nil || resp.URL == "" {
		return fmt.Errorf("response url is required")
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	if resp.LastUsed.IsZero() {
		resp.LastUsed = resp.StoredAt
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return p.s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(p.name))
		if err != nil {
			return err
		}
		return b.Put([]byte(resp.URL), data)
	})
}

func (p *partition) Delete(url string) error {
	return p.s.db.Update(func(tx *bolt.Tx) error {
		b := p.bucket(tx)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(url))
	})
}

func (p *partition) Keys() ([]string, error) {
	var keys []string
	err := p.s.db.View(func(tx *bolt.Tx) error {
		b := p.bucket(tx)
		if b == nil {
			return domain.ErrPartitionNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (p *partition) Touch(url string, now time.Time) error {
	return p.s.db.Update(func(tx *bolt.Tx) error {
		b := p.bucket(tx)
		if b == nil {
			return nil
		}
		resp, ok := decodeResponse(b.Get([]byte(url)))
		if !ok {
			return nil
		}
		resp.LastUsed = now
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return b.Put([]byte(url), data)
	})
}

// Expire drops entries older than policy.MaxAge, then the oldest entries
// beyond policy.MaxEntries.
func (p *partition) Expire(policy domain.ExpirationPolicy, now time.Time) (int, error) {
	type entry struct {
		key string
		at  time.Time
	}

	evicted := 0
	err := p.s.db.Update(func(tx *bolt.Tx) error {
		b := p.bucket(tx)
		if b == nil {
			return nil
		}

		var entries []entry
		err := b.ForEach(func(k, v []byte) error {
			resp, ok := decodeResponse(v)
			if !ok {
				entries = append(entries, entry{key: string(k)})
				return nil
			}
			at := resp.StoredAt
			if policy.FromLastUsed {
				at = resp.LastUsed
			}
			entries = append(entries, entry{key: string(k), at: at})
			return nil
		})
		if err != nil {
			return err
		}

		// Newest first
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].at.After(entries[j].at)
		})

		for i, e := range entries {
			expired := policy.MaxAge > 0 && now.Sub(e.at) > policy.MaxAge
			overflow := policy.MaxEntries > 0 && i >= policy.MaxEntries
			if !expired && !overflow {
				continue
			}
			if err := b.Delete([]byte(e.key)); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}
