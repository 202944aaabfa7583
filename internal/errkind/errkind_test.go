package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatchesThroughWrapping(t *testing.T) {
	base := New(NotFound, "fetch", errors.New("no providers"))
	wrapped := fmt.Errorf("get_file: %w", base)

	if !errors.Is(wrapped, NotFound) {
		t.Fatalf("expected wrapped error to match NotFound")
	}
	if errors.Is(wrapped, Timeout) {
		t.Fatalf("did not expect Timeout match")
	}
	if KindOf(wrapped) != NotFound {
		t.Fatalf("KindOf = %v, want NotFound", KindOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if k := KindOf(errors.New("plain")); k != 0 {
		t.Fatalf("KindOf(plain) = %v, want 0", k)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(Validation, "fetch", "got %d bytes, want %d", 10, 20)
	want := "fetch: validation: got 10 bytes, want 20"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
