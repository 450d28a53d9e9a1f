package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/modelmux/modelmux/pkg/errors"
)

var errBoom = fmt.Errorf("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreaker_ClosedByDefault(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond})
	if b.State() != StateClosed {
		t.Fatal("expected closed state by default")
	}
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("call through closed breaker failed: %v", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures")
	}

	b.Execute(ctx, failing) // 3rd failure
	if b.State() != StateOpen {
		t.Fatal("should be open after 3 failures")
	}

	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("action invoked while open")
	}
	if !errors.IsCircuitOpen(err) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)

	if b.State() != StateClosed {
		t.Fatal("should still be closed: success reset the failure count")
	}
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("should be closed after successful probe")
	}
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	time.Sleep(15 * time.Millisecond)

	b.Execute(ctx, failing) // failed probe
	if b.State() != StateOpen {
		t.Fatal("should re-open after failed probe")
	}

	// Re-opened with a fresh nextAttempt: immediate call is rejected.
	err := b.Execute(ctx, succeeding)
	if !errors.IsCircuitOpen(err) {
		t.Fatalf("expected rejection right after failed probe, got %v", err)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	b.Execute(ctx, failing)
	time.Sleep(15 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Execute(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// Second call while the probe is in flight must be rejected.
	err := b.Execute(ctx, succeeding)
	if !errors.IsCircuitOpen(err) {
		t.Fatalf("expected second probe to be rejected, got %v", err)
	}
	close(release)
}

func TestBreaker_FallbackOnOpen(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Fallback: func(ctx context.Context, cause error) (any, error) {
			return "fallback-value", nil
		},
	})
	ctx := context.Background()

	Do(ctx, b, func(context.Context) (string, error) { return "", errBoom })

	got, err := Do(ctx, b, func(context.Context) (string, error) { return "live", nil })
	if err != nil {
		t.Fatalf("fallback path errored: %v", err)
	}
	if got != "fallback-value" {
		t.Fatalf("got %q, want fallback value", got)
	}

	snap := b.Snapshot()
	if snap.FallbackCalls != 1 {
		t.Fatalf("fallbackCalls = %d, want 1", snap.FallbackCalls)
	}
}

func TestBreaker_SnapshotCounters(t *testing.T) {
	b := New("snap", Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	ctx := context.Background()

	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)

	snap := b.Snapshot()
	if snap.Successes != 1 || snap.Failures != 1 {
		t.Fatalf("counters = %+v", snap)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("consecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}
	if snap.LastFailure == "" || snap.LastSuccess == "" {
		t.Fatalf("timestamps missing: %+v", snap)
	}
	if snap.State != "closed" {
		t.Fatalf("state = %s", snap.State)
	}

	// A success zeroes the consecutive count but not the lifetime total.
	b.Execute(ctx, succeeding)
	snap = b.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutiveFailures = %d after success, want 0", snap.ConsecutiveFailures)
	}
	if snap.Failures != 1 {
		t.Fatalf("lifetime failures = %d, want 1", snap.Failures)
	}
}

func TestRegistry_SameInstanceForSameKey(t *testing.T) {
	a := Get("openai-completion-test", Config{})
	b := Get("openai-completion-test", Config{FailureThreshold: 99})
	if a != b {
		t.Fatal("registry returned different instances for the same key")
	}

	found := false
	for _, s := range All() {
		if s.Name == "openai-completion-test" {
			found = true
		}
	}
	if !found {
		t.Fatal("registered breaker not enumerable")
	}
}
