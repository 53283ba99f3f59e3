package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := Network("claim job", context.DeadlineExceeded)
	wrapped := fmt.Errorf("backend: %w", err)
	if !errors.Is(wrapped, ErrNetwork) {
		t.Fatalf("expected network kind")
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("expected cause to unwrap")
	}
	if errors.Is(wrapped, ErrBackendRejected) {
		t.Fatalf("network error must not match backend rejection")
	}
	if Kind(wrapped) != ErrNetwork {
		t.Fatalf("Kind returned %v", Kind(wrapped))
	}
}

func TestRejectedMessage(t *testing.T) {
	err := Rejected("push status", 500, "boom")
	if !errors.Is(err, ErrBackendRejected) {
		t.Fatalf("expected backend rejected kind")
	}
	msg := err.Error()
	for _, part := range []string{"push status", "status 500", "boom"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("expected %q in %q", part, msg)
		}
	}
	if Kind(errors.New("other")) != nil {
		t.Fatalf("expected nil kind for foreign errors")
	}
}
