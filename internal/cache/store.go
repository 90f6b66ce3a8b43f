// Package cache implements the two-tier content-addressed store: a bounded
// in-process LRU over recent entries plus a disk tier sharded by the first
// two hex digits of the key. Keys are keyType:SHA256(canonical content).
//
// Contracts: a Get never fails hard on corruption (it evicts, records an
// integrity metric and reports a miss); a disk write failure never
// invalidates the memory tier; TTL is enforced at read time.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"readerforge/internal/canon"
	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/publish"
)

// Entry is the persisted cache record.
type Entry struct {
	Key          string            `json:"key"`
	Value        json.RawMessage   `json:"value"`
	Hash         string            `json:"hash"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	AccessCount  int64             `json:"accessCount"`
	LastAccessed time.Time         `json:"lastAccessed"`
	SizeBytes    int               `json:"sizeBytes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (e *Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Store is the two-tier content-addressed store.
type Store struct {
	cfg     config.CacheConfig
	dir     string
	metrics *metrics.Set

	mu    sync.Mutex
	ll    *list.List               // front = most recently used
	items map[string]*list.Element // key -> element holding *Entry

	sweeps int // memory sweeps since last disk sweep

	writeWG sync.WaitGroup
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Store rooted at dir and starts the cleanup sweeper.
func New(cfg config.CacheConfig, dir string, m *metrics.Set) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	s := &Store{
		cfg:     cfg,
		dir:     dir,
		metrics: m,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		stopCh:  make(chan struct{}),
	}
	go s.sweeper()
	return s, nil
}

// Close stops the sweeper and waits for in-flight async disk writes.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.writeWG.Wait()
}

// Key computes the typed content-addressed key for arbitrary content.
func (s *Store) Key(keyType string, content interface{}) (string, error) {
	return canon.Key(keyType, content)
}

// Get looks up content by (keyType, content) identity: memory first, then
// disk. Disk hits are verified (optional) and promoted into memory.
func (s *Store) Get(keyType string, content interface{}) (json.RawMessage, bool) {
	timer := logging.StartTimer(logging.CategoryCache, "get")
	defer func() { s.metrics.CacheOpLatency.WithLabelValues("get").Observe(timer.Stop().Seconds()) }()

	key, err := s.Key(keyType, content)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("cache get: unkeyable content: %v", err)
		s.metrics.CacheMisses.Inc()
		return nil, false
	}
	return s.GetByKey(key)
}

// GetByKey looks up a precomputed key.
func (s *Store) GetByKey(key string) (json.RawMessage, bool) {
	now := time.Now()

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		entry := el.Value.(*Entry)
		if entry.expired(now) {
			s.removeLocked(el, "expired")
			s.mu.Unlock()
			s.metrics.CacheMisses.Inc()
			return nil, false
		}
		entry.AccessCount++
		entry.LastAccessed = now
		s.ll.MoveToFront(el)
		value := entry.Value
		s.mu.Unlock()
		s.metrics.CacheHits.WithLabelValues("memory").Inc()
		return value, true
	}
	s.mu.Unlock()

	entry, ok := s.readDisk(key, now)
	if !ok {
		s.metrics.CacheMisses.Inc()
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	s.promote(entry)
	s.metrics.CacheHits.WithLabelValues("disk").Inc()
	return entry.Value, true
}

// Set stores a value under (keyType, content) identity. TTL is clamped to
// [minTTL, maxTTL]; zero means the configured default. The disk write is
// asynchronous unless sync writes are configured.
func (s *Store) Set(keyType string, content, value interface{}, ttl time.Duration) error {
	timer := logging.StartTimer(logging.CategoryCache, "set")
	defer func() { s.metrics.CacheOpLatency.WithLabelValues("set").Observe(timer.Stop().Seconds()) }()

	key, err := s.Key(keyType, content)
	if err != nil {
		return fmt.Errorf("cache set: unkeyable content: %w", err)
	}
	return s.SetByKey(key, value, ttl)
}

// SetByKey stores a value under a precomputed key.
func (s *Store) SetByKey(key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set: value not serializable: %w", err)
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLDuration()
	}
	if min := s.cfg.MinTTLDuration(); ttl < min {
		ttl = min
	}
	if max := s.cfg.MaxTTLDuration(); ttl > max {
		ttl = max
	}

	now := time.Now()
	entry := &Entry{
		Key:          key,
		Value:        raw,
		Hash:         canon.HashBytes(raw),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		SizeBytes:    len(raw),
	}

	s.promote(entry)

	if s.cfg.SyncDiskWrites {
		if err := s.writeDisk(entry); err != nil {
			// Memory tier stays valid regardless of disk failures.
			logging.Get(logging.CategoryCache).Warn("cache disk write failed for %s: %v", key, err)
		}
		return nil
	}

	s.writeWG.Add(1)
	go func() {
		defer s.writeWG.Done()
		if err := s.writeDisk(entry); err != nil {
			logging.Get(logging.CategoryCache).Warn("cache async disk write failed for %s: %v", key, err)
		}
	}()
	return nil
}

// Delete removes a key from both tiers.
func (s *Store) Delete(key string) {
	timer := logging.StartTimer(logging.CategoryCache, "delete")
	defer func() { s.metrics.CacheOpLatency.WithLabelValues("delete").Observe(timer.Stop().Seconds()) }()

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el, "deleted")
	}
	s.mu.Unlock()
	os.Remove(s.diskPath(key))
}

// Clear empties the memory tier and removes all disk shards.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	s.mu.Unlock()
	s.metrics.CacheEntries.WithLabelValues("memory").Set(0)
	s.metrics.CacheBytes.Set(0)

	shards, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	for _, shard := range shards {
		if shard.IsDir() && len(shard.Name()) == 2 {
			if err := os.RemoveAll(filepath.Join(s.dir, shard.Name())); err != nil {
				return fmt.Errorf("cache clear shard %s: %w", shard.Name(), err)
			}
		}
	}
	return nil
}

// WarmItem is one entry in a Warm batch.
type WarmItem struct {
	KeyType string
	Content interface{}
	Value   interface{}
	TTL     time.Duration
}

// Warm loads a batch with per-entry failure isolation. It returns the count
// of entries stored and the per-entry errors for the rest.
func (s *Store) Warm(items []WarmItem) (int, []error) {
	var errs []error
	stored := 0
	for i, item := range items {
		if err := s.Set(item.KeyType, item.Content, item.Value, item.TTL); err != nil {
			errs = append(errs, fmt.Errorf("warm item %d: %w", i, err))
			continue
		}
		stored++
	}
	return stored, errs
}

// Stats is a point-in-time snapshot for the status endpoint and tests.
type Stats struct {
	MemoryEntries int   `json:"memoryEntries"`
	MemoryBytes   int64 `json:"memoryBytes"`
}

// Stats returns a snapshot of the memory tier.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	for el := s.ll.Front(); el != nil; el = el.Next() {
		bytes += int64(el.Value.(*Entry).SizeBytes)
	}
	return Stats{MemoryEntries: len(s.items), MemoryBytes: bytes}
}

// promote inserts or refreshes an entry at the front of the LRU, evicting
// from the back at capacity. Critical section is map update + link fix only.
func (s *Store) promote(entry *Entry) {
	s.mu.Lock()
	if el, ok := s.items[entry.Key]; ok {
		el.Value = entry
		s.ll.MoveToFront(el)
		s.mu.Unlock()
		return
	}
	el := s.ll.PushFront(entry)
	s.items[entry.Key] = el
	for len(s.items) > s.cfg.MemoryEntries {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest, "lru")
	}
	count := len(s.items)
	s.mu.Unlock()
	s.metrics.CacheEntries.WithLabelValues("memory").Set(float64(count))
}

// removeLocked unlinks an element. Caller holds s.mu.
func (s *Store) removeLocked(el *list.Element, reason string) {
	entry := el.Value.(*Entry)
	s.ll.Remove(el)
	delete(s.items, entry.Key)
	s.metrics.CacheEvictions.WithLabelValues(reason).Inc()
	s.metrics.CacheEntries.WithLabelValues("memory").Set(float64(len(s.items)))
}

// diskPath shards by the first two hex digits of the hash part of the key.
func (s *Store) diskPath(key string) string {
	hexPart := key
	if i := strings.LastIndex(key, ":"); i >= 0 {
		hexPart = key[i+1:]
	}
	shard := "00"
	if len(hexPart) >= 2 {
		shard = hexPart[:2]
	}
	// ':' is filesystem-hostile on some targets; '_' keeps names portable.
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	return filepath.Join(s.dir, shard, name)
}

func (s *Store) writeDisk(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = publish.Write(s.diskPath(entry.Key), "cache", data, publish.Options{})
	return err
}

// readDisk loads and checks a disk entry. Corruption is never fatal: the
// entry is evicted, an integrity metric recorded and a miss reported.
func (s *Store) readDisk(key string, now time.Time) (*Entry, bool) {
	path := s.diskPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		logging.Get(logging.CategoryCache).Warn("cache disk entry corrupt at %s: %v", path, err)
		s.metrics.CacheIntegrity.Inc()
		s.metrics.CacheEvictions.WithLabelValues("corrupt").Inc()
		os.Remove(path)
		return nil, false
	}
	if entry.expired(now) {
		os.Remove(path)
		s.metrics.CacheEvictions.WithLabelValues("expired").Inc()
		return nil, false
	}
	if s.cfg.VerifyDiskHashes {
		if got := canon.HashBytes(entry.Value); got != entry.Hash {
			logging.Get(logging.CategoryCache).Warn("cache checksum mismatch for %s: %s != %s", key, got, entry.Hash)
			s.metrics.CacheIntegrity.Inc()
			s.metrics.CacheEvictions.WithLabelValues("corrupt").Inc()
			os.Remove(path)
			return nil, false
		}
	}
	return &entry, true
}

// sweeper periodically drops expired memory entries; the disk tier is only
// swept on every Nth pass.
func (s *Store) sweeper() {
	ticker := time.NewTicker(s.cfg.CleanupIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepMemory()
			s.sweeps++
			if s.sweeps >= s.cfg.DiskSweepEveryNth {
				s.sweeps = 0
				s.sweepDisk()
			}
		}
	}
}

func (s *Store) sweepMemory() {
	now := time.Now()
	s.mu.Lock()
	var expired []*list.Element
	for el := s.ll.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).expired(now) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		s.removeLocked(el, "expired")
	}
	s.mu.Unlock()
	if len(expired) > 0 {
		logging.CacheDebug("memory sweep removed %d expired entries", len(expired))
	}
}

func (s *Store) sweepDisk() {
	now := time.Now()
	removed := 0
	_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || entry.expired(now) {
			os.Remove(path)
			removed++
		}
		return nil
	})
	if removed > 0 {
		logging.CacheDebug("disk sweep removed %d entries", removed)
	}
}
