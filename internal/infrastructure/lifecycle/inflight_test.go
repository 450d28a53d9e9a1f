package lifecycle

import (
	"context"
	"strings"
	"testing"
)

func TestRegistry_RegisterCancelRemove(t *testing.T) {
	r := NewRegistry()

	ctx, h := r.Register(context.Background(), "req-1")
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}

	if !r.Cancel("req-1") {
		t.Fatal("cancel reported miss for in-flight request")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled")
	}
	if !h.Stopped() {
		t.Fatal("handle not marked stopped")
	}

	r.Remove("req-1")
	if r.Len() != 0 {
		t.Fatalf("len = %d after remove", r.Len())
	}
	if r.Cancel("req-1") {
		t.Fatal("cancel succeeded for removed request")
	}
}

func TestRegistry_CancelUnknownID(t *testing.T) {
	r := NewRegistry()
	if r.Cancel("never-registered") {
		t.Fatal("cancel reported success for unknown ID")
	}
}

func TestHandle_StopIdempotent(t *testing.T) {
	r := NewRegistry()
	_, h := r.Register(context.Background(), "req-2")

	h.Stop()
	h.Stop()
	h.Stop()
	if !h.Stopped() {
		t.Fatal("not stopped")
	}
}

func TestHandle_ParentCancelDoesNotMarkStopped(t *testing.T) {
	r := NewRegistry()
	parent, cancel := context.WithCancel(context.Background())
	ctx, h := r.Register(parent, "req-3")

	cancel()
	<-ctx.Done()
	if h.Stopped() {
		t.Fatal("client disconnect misreported as deliberate stop")
	}
}

func TestDeriveRequestID(t *testing.T) {
	if got := DeriveRequestID("body", "header"); got != "body" {
		t.Fatalf("got %q", got)
	}
	if got := DeriveRequestID("", "header"); got != "header" {
		t.Fatalf("got %q", got)
	}
	minted := DeriveRequestID("", "")
	if !strings.HasPrefix(minted, "req_") {
		t.Fatalf("minted ID %q lacks prefix", minted)
	}
	if minted == DeriveRequestID("", "") {
		t.Fatal("minted IDs collide")
	}
}
