package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

// MemoryStore keeps records in process memory, split into shards each
// guarded by its own mutex.
type MemoryStore struct {
	policy Policy
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

func NewMemoryStore(policy Policy) *MemoryStore {
	s := &MemoryStore{
		policy: policy,
		shards: make([]*shard, defaultShards),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Admit implements Store.
func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time) (Decision, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		rec = &record{}
		sh.records[key] = rec
	}
	return s.policy.apply(rec, now), nil
}

// Sweep drops records whose window closed more than one window before now.
// It returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	cutoff := now.Add(-2 * s.policy.Window)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.start.Before(cutoff) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps stale records every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Sweep(now)
			}
		}
	}()
}
