package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/config"
	"readerforge/internal/metrics"
)

func newTestStore(t *testing.T, mutate func(*config.CacheConfig)) *Store {
	t.Helper()
	cfg := config.DefaultCacheConfig()
	cfg.SyncDiskWrites = true // deterministic tests
	cfg.MinTTL = "1ms"
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, t.TempDir(), metrics.NewSet())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSetThenGetCoherency(t *testing.T) {
	s := newTestStore(t, nil)
	content := map[string]interface{}{"prompt": "explain inertia"}

	require.NoError(t, s.Set("llm-response", content, map[string]string{"text": "body"}, time.Hour))

	raw, ok := s.Get("llm-response", content)
	require.True(t, ok)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "body", out["text"])
}

func TestGetMissOnUnknownContent(t *testing.T) {
	s := newTestStore(t, nil)
	_, ok := s.Get("llm-response", map[string]string{"prompt": "never stored"})
	assert.False(t, ok)
}

func TestTTLEnforcedAtReadTime(t *testing.T) {
	s := newTestStore(t, nil)
	content := "short-lived"
	require.NoError(t, s.Set("t", content, "v", time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Get("t", content)
	assert.False(t, ok)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	s := newTestStore(t, func(c *config.CacheConfig) { c.MemoryEntries = 2 })

	require.NoError(t, s.Set("k", "a", 1, time.Hour))
	require.NoError(t, s.Set("k", "b", 2, time.Hour))
	// Touch "a" so "b" becomes the LRU victim.
	_, ok := s.Get("k", "a")
	require.True(t, ok)
	require.NoError(t, s.Set("k", "c", 3, time.Hour))

	assert.Equal(t, 2, s.Stats().MemoryEntries)
	_, okA := s.Get("k", "a")
	assert.True(t, okA)
}

func TestDiskHitAfterMemoryLoss(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultCacheConfig()
	cfg.SyncDiskWrites = true
	m := metrics.NewSet()

	s1, err := New(cfg, dir, m)
	require.NoError(t, err)
	require.NoError(t, s1.Set("k", "content", "value", time.Hour))
	s1.Close()

	// Fresh store over the same directory simulates process restart.
	s2, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	defer s2.Close()

	raw, ok := s2.Get("k", "content")
	require.True(t, ok)
	var v string
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, "value", v)
}

func TestCorruptDiskEntryReportsMiss(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultCacheConfig()
	cfg.SyncDiskWrites = true

	s1, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	require.NoError(t, s1.Set("k", "content", "value", time.Hour))
	s1.Close()

	// Corrupt every stored file.
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		return os.WriteFile(path, []byte("{not json"), 0644)
	}))

	s2, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.Get("k", "content")
	assert.False(t, ok, "corrupt entry must report miss, not panic")
}

func TestChecksumMismatchEvicts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultCacheConfig()
	cfg.SyncDiskWrites = true
	cfg.VerifyDiskHashes = true

	s1, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	require.NoError(t, s1.Set("k", "content", "value", time.Hour))
	s1.Close()

	// Tamper with the value but keep valid JSON.
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.Value = json.RawMessage(`"tampered"`)
		out, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return os.WriteFile(path, out, 0644)
	}))

	s2, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	defer s2.Close()

	_, ok := s2.Get("k", "content")
	assert.False(t, ok)
	// The tampered file must be gone after the failed read.
	found := 0
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".json") {
			found++
		}
		return nil
	})
	assert.Zero(t, found)
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Set("k", "a", 1, time.Hour))
	require.NoError(t, s.Set("k", "b", 2, time.Hour))

	key, err := s.Key("k", "a")
	require.NoError(t, err)
	s.Delete(key)
	_, ok := s.Get("k", "a")
	assert.False(t, ok)

	require.NoError(t, s.Clear())
	assert.Zero(t, s.Stats().MemoryEntries)
	_, ok = s.Get("k", "b")
	assert.False(t, ok)
}

func TestWarmIsolatesFailures(t *testing.T) {
	s := newTestStore(t, nil)
	items := []WarmItem{
		{KeyType: "k", Content: "good-1", Value: 1, TTL: time.Hour},
		{KeyType: "k", Content: "bad", Value: func() {}, TTL: time.Hour}, // unserializable
		{KeyType: "k", Content: "good-2", Value: 2, TTL: time.Hour},
	}
	stored, errs := s.Warm(items)
	assert.Equal(t, 2, stored)
	assert.Len(t, errs, 1)

	_, ok := s.Get("k", "good-2")
	assert.True(t, ok)
}

func TestDiskShardingLayout(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultCacheConfig()
	cfg.SyncDiskWrites = true
	s, err := New(cfg, dir, metrics.NewSet())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("k", "content", "v", time.Hour))
	key, err := s.Key("k", "content")
	require.NoError(t, err)
	hexPart := key[strings.LastIndex(key, ":")+1:]

	shardDir := filepath.Join(dir, hexPart[:2])
	entries, err := os.ReadDir(shardDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
