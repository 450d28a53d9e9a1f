package llm

import (
	"sync"
	"time"
)

// ProviderStats is a point-in-time view of one provider's call history.
type ProviderStats struct {
	Calls         int64     `json:"calls"`
	Failures      int64     `json:"failures"`
	LastLatencyMs int64     `json:"lastLatencyMs"`
	LastUsed      time.Time `json:"lastUsed"`
}

// CallStats accumulates per-provider completion statistics for the
// capabilities endpoint.
type CallStats struct {
	mu sync.Mutex
	m  map[string]*ProviderStats
}

// NewCallStats creates an empty collector.
func NewCallStats() *CallStats {
	return &CallStats{m: make(map[string]*ProviderStats)}
}

// Record notes one completed call against provider.
func (s *CallStats) Record(provider string, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.m[provider]
	if !ok {
		st = &ProviderStats{}
		s.m[provider] = st
	}
	st.Calls++
	if err != nil {
		st.Failures++
	}
	st.LastLatencyMs = latency.Milliseconds()
	st.LastUsed = time.Now().UTC()
}

// Snapshot returns a copy of all per-provider stats.
func (s *CallStats) Snapshot() map[string]ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ProviderStats, len(s.m))
	for k, v := range s.m {
		out[k] = *v
	}
	return out
}
