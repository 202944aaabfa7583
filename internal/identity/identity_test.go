package identity

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	encoded, err := id.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	restored, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if restored.ID() != id.ID() {
		t.Fatalf("restored ID %s, want %s", restored.ID(), id.ID())
	}
}

func TestLoadOrGenerate(t *testing.T) {
	id, generated, err := LoadOrGenerate("")
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !generated {
		t.Fatal("expected a generated identity for empty input")
	}

	encoded, _ := id.Encode()
	again, generated, err := LoadOrGenerate(encoded)
	if err != nil {
		t.Fatalf("LoadOrGenerate(encoded): %v", err)
	}
	if generated {
		t.Fatal("expected identity to be decoded, not generated")
	}
	if again.ID() != id.ID() {
		t.Fatalf("got %s, want %s", again.ID(), id.ID())
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode("not-a-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}
