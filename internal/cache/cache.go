// Package cache short-circuits repeated grading of identical inputs.
//
// Entries are keyed by a content fingerprint and written at most once per key.
// Readers never see a partially written entry and entries are never modified
// after insertion. Expiry is time-to-live based; beyond capacity the oldest
// insertion is evicted first.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/trobanga/gradeflow/internal/models"
)

// Entry is the immutable snapshot of a completed task
type Entry struct {
	TaskID    string
	Artifacts models.Artifacts
	Skipped   []models.StageName
	StoredAt  time.Time
}

// Result returns the stored grading result
func (e Entry) Result() (models.GradingResult, bool) {
	if e.Artifacts.Result == nil {
		return models.GradingResult{}, false
	}
	return *e.Artifacts.Result, true
}

// ResultCache is a bounded, expiring, write-once cache of completed tasks
type ResultCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, Entry]
}

// New creates a cache holding at most capacity entries for ttl each
func New(capacity int, ttl time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultCache{lru: expirable.NewLRU[string, Entry](capacity, nil, ttl)}
}

// NewFromConfig creates a cache from the cache section of the configuration.
// Returns nil when caching is disabled; a nil *ResultCache is a valid, always-missing cache.
func NewFromConfig(cfg models.CacheConfig) *ResultCache {
	if !cfg.Enabled {
		return nil
	}
	return New(cfg.Capacity, time.Duration(cfg.TTLMinutes)*time.Minute)
}

// Get returns the entry for fingerprint.
// Peek is used so that reads never reorder entries; eviction stays oldest-insertion-first.
func (c *ResultCache) Get(fingerprint string) (Entry, bool) {
	if c == nil || fingerprint == "" {
		return Entry{}, false
	}
	return c.lru.Peek(fingerprint)
}

// PutIfAbsent stores entry unless fingerprint is already present.
// Returns the entry that is cached after the call and whether this call stored it.
// A losing writer receives the winner's entry.
func (c *ResultCache) PutIfAbsent(fingerprint string, entry Entry) (Entry, bool) {
	if c == nil || fingerprint == "" {
		return entry, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lru.Peek(fingerprint); ok {
		return existing, false
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	c.lru.Add(fingerprint, entry)
	return entry, true
}

// Len returns the number of live entries
func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry
func (c *ResultCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
