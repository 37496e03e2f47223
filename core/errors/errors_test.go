package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestClassResolvesWrappedSentinel(t *testing.T) {
	sentinel := fmt.Errorf("nonce: %w: nonce not usable", ErrExpiredOrRevoked)
	wrapped := fmt.Errorf("create loan: %w", sentinel)
	if got := Class(wrapped); got != ErrExpiredOrRevoked {
		t.Fatalf("expected ErrExpiredOrRevoked, got %v", got)
	}
	if !stderrors.Is(wrapped, sentinel) {
		t.Fatalf("expected sentinel identity to survive wrapping")
	}
}

func TestClassUnknown(t *testing.T) {
	if got := Class(stderrors.New("boom")); got != nil {
		t.Fatalf("expected nil class, got %v", got)
	}
	if got := Class(nil); got != nil {
		t.Fatalf("expected nil class for nil error, got %v", got)
	}
}
