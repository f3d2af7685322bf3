package outcome

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestBatchFlags(t *testing.T) {
	b := Batch{Items: []Result{Success(1), Skipped(), Failure(errors.New("x")), {Status: RolledBack}}}

	if want := []bool{true, false, false, false}; !reflect.DeepEqual(b.Flags(), want) {
		t.Errorf("expected %v, got %v", want, b.Flags())
	}
	if b.Count(NoOp) != 1 || b.Count(RolledBack) != 1 {
		t.Errorf("unexpected counts in %+v", b)
	}
}

func TestErrorCategories(t *testing.T) {
	cfg := ConfigError("NOT_TRACKED", "entity is not armed")
	if !IsConfig(cfg) || IsTransport(cfg) {
		t.Errorf("expected config category, got %v", cfg)
	}
	if cfg.TextCode != "NOT_TRACKED" {
		t.Errorf("expected text code NOT_TRACKED, got %s", cfg.TextCode)
	}

	wrapped := fmt.Errorf("register: %w", cfg)
	if !IsConfig(wrapped) {
		t.Error("expected category to survive fmt wrapping")
	}

	transport := TransportError(errors.New("connection refused"), "CACHE_TRANSPORT", "hset")
	if !IsTransport(transport) || IsConfig(transport) {
		t.Errorf("expected transport category, got %v", transport)
	}
	if TransportError(nil, "X", "y") != nil {
		t.Error("expected nil for a nil source error")
	}
}

func TestStatusString(t *testing.T) {
	if RolledBack.String() != "rolled_back" || Status(99).String() != "unknown" {
		t.Error("unexpected status names")
	}
}
