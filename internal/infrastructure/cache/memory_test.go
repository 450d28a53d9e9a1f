package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(MemoryConfig{Enabled: true, SweepInterval: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestGenerateKey_StableAcrossInsertionOrder(t *testing.T) {
	a := map[string]any{
		"provider":    "openai",
		"model":       "gpt-4o",
		"temperature": 0.7,
		"messages": []any{
			map[string]any{"role": "user", "content": map[string]any{"b": 2, "a": 1}},
		},
	}
	b := map[string]any{
		"messages": []any{
			map[string]any{"content": map[string]any{"a": 1, "b": 2}, "role": "user"},
		},
		"temperature": 0.7,
		"model":       "gpt-4o",
		"provider":    "openai",
	}
	if GenerateKey(a) != GenerateKey(b) {
		t.Fatal("keys differ for property-order-only differences")
	}
}

func TestGenerateKey_TruncatesToLastMessages(t *testing.T) {
	mk := func(n int, prefix string) map[string]any {
		var msgs []any
		for i := 0; i < n; i++ {
			msgs = append(msgs, map[string]any{"role": "user", "content": fmt.Sprintf("%s-%d", prefix, i)})
		}
		return map[string]any{"model": "m", "messages": msgs}
	}

	long := mk(15, "x")
	// Same last 10 messages, different head.
	other := mk(15, "x")
	head := other["messages"].([]any)[:5]
	for i := range head {
		head[i] = map[string]any{"role": "user", "content": fmt.Sprintf("different-%d", i)}
	}
	if GenerateKey(long) != GenerateKey(other) {
		t.Fatal("key depends on messages outside the trailing window")
	}

	// Changing a message inside the window must change the key.
	changed := mk(15, "x")
	msgs := changed["messages"].([]any)
	msgs[14] = map[string]any{"role": "user", "content": "mutated"}
	if GenerateKey(long) == GenerateKey(changed) {
		t.Fatal("key ignores trailing message changes")
	}
}

func TestGenerateKey_PrimitiveWithExtras(t *testing.T) {
	if got := GenerateKey("models", "openai", "v1"); got != "models-openai-v1" {
		t.Fatalf("got %q", got)
	}
	if got := GenerateKey(42); got != "42" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateKey_HashPrefix(t *testing.T) {
	key := GenerateKey(map[string]any{"model": "m"})
	if len(key) != len("sha256-")+64 {
		t.Fatalf("unexpected key shape: %q", key)
	}
}

func TestMemory_RoundTripAndExpiry(t *testing.T) {
	m := newTestCache(t)

	m.Set("k", "v", 30*time.Millisecond, "general")
	if v, ok := m.Get("k"); !ok || v != "v" {
		t.Fatalf("get = %v/%v", v, ok)
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Fatal("expired entry still returned")
	}
}

func TestMemory_SweepRemovesExpired(t *testing.T) {
	m := newTestCache(t)
	m.Set("a", 1, 5*time.Millisecond, "x")
	m.Set("b", 2, time.Minute, "x")

	time.Sleep(50 * time.Millisecond)

	if s := m.Stats(); s.Size != 1 {
		t.Fatalf("size = %d after sweep, want 1", s.Size)
	}
}

func TestMemory_GetOrSetSingleFlight(t *testing.T) {
	m := newTestCache(t)
	var calls int32

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.GetOrSet("shared", time.Minute, "general", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return "computed", nil
			})
		}()
	}
	close(start)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("factory ran %d times, want 1", n)
	}
	if v, ok := m.Get("shared"); !ok || v != "computed" {
		t.Fatalf("value not cached: %v/%v", v, ok)
	}
}

func TestMemory_DisabledPassesThrough(t *testing.T) {
	m := NewMemory(MemoryConfig{Enabled: false}, zap.NewNop())
	m.Set("k", "v", time.Minute, "general")
	if _, ok := m.Get("k"); ok {
		t.Fatal("disabled cache returned a value")
	}
	v, err := m.GetOrSet("k", time.Minute, "general", func() (any, error) { return "fresh", nil })
	if err != nil || v != "fresh" {
		t.Fatalf("GetOrSet = %v/%v", v, err)
	}
}

func TestMemory_Stats(t *testing.T) {
	m := newTestCache(t)
	m.Set("a", 1, time.Minute, "completion")
	m.Set("b", 2, time.Minute, "models")
	m.Get("a")
	m.Get("missing")

	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Categories["completion"] != 1 || s.Categories["models"] != 1 {
		t.Fatalf("categories = %v", s.Categories)
	}
	if s.HitRate != 0.5 {
		t.Fatalf("hitRate = %v", s.HitRate)
	}
}
