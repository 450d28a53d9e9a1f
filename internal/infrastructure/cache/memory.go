package cache

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Defaults for the in-memory response cache.
const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// MemoryConfig tunes the in-memory cache.
type MemoryConfig struct {
	Enabled       bool
	SweepInterval time.Duration
}

type entry struct {
	value     any
	expiresAt time.Time
	category  string
}

// Memory is a TTL'd in-process cache keyed by fingerprint strings. A
// background sweep removes expired entries; reads never block on the sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	enabled bool
	sweep   time.Duration
	group   singleflight.Group
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger

	hits   int64
	misses int64
}

// NewMemory creates the cache and starts its sweep loop when enabled.
func NewMemory(cfg MemoryConfig, logger *zap.Logger) *Memory {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Memory{
		entries: make(map[string]entry),
		enabled: cfg.Enabled,
		sweep:   cfg.SweepInterval,
		stop:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "memory-cache")),
	}
	if m.enabled {
		safego.Go(logger, "cache-sweep", m.sweepLoop)
	}
	return m
}

// Enabled reports whether the cache is active.
func (m *Memory) Enabled() bool { return m.enabled }

// Get returns the cached value for key, or nil/false on miss or expiry.
func (m *Memory) Get(key string) (any, bool) {
	if !m.enabled {
		return nil, false
	}

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		return nil, false
	}

	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
	return e.value, true
}

// Set stores value under key. ttl ≤ 0 uses the default of 60 seconds.
func (m *Memory) Set(key string, value any, ttl time.Duration, category string) {
	if !m.enabled {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if category == "" {
		category = "general"
	}

	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl), category: category}
	m.mu.Unlock()
}

// GetOrSet returns the cached value or runs factory and caches its result.
// Concurrent misses on the same key are collapsed: the factory runs exactly
// once and all callers share its result.
func (m *Memory) GetOrSet(key string, ttl time.Duration, category string, factory func() (any, error)) (any, error) {
	if !m.enabled {
		return factory()
	}
	if v, ok := m.Get(key); ok {
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if v, ok := m.Get(key); ok {
			return v, nil
		}
		v, err := factory()
		if err != nil {
			return nil, err
		}
		m.Set(key, v, ttl, category)
		return v, nil
	})
	return v, err
}

// Delete removes a single entry.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Flush removes all entries. Hit/miss counters are kept.
func (m *Memory) Flush() {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits       int64          `json:"hits"`
	Misses     int64          `json:"misses"`
	Size       int            `json:"size"`
	Categories map[string]int `json:"categories"`
	HitRate    float64        `json:"hitRate"`
	Enabled    bool           `json:"enabled"`
}

// Stats returns hit/miss counters and per-category entry counts.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cats := make(map[string]int)
	for _, e := range m.entries {
		cats[e.category]++
	}
	s := Stats{
		Hits:       m.hits,
		Misses:     m.misses,
		Size:       len(m.entries),
		Categories: cats,
		Enabled:    m.enabled,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the sweep loop.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			removed := m.removeExpired()
			if removed > 0 {
				m.logger.Debug("Swept expired cache entries", zap.Int("removed", removed))
			}
		}
	}
}

func (m *Memory) removeExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
