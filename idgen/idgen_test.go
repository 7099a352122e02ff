package idgen

import (
	"strings"
	"testing"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{6, 9, 12, 24} {
		gen := NanoID(length)
		if id := gen(); len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("NanoID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("ev_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "ev_") {
		t.Fatalf("Prefixed: %q lacks prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "ev_")); err != nil {
		t.Fatalf("Prefixed: inner id not a UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid input")
	}
}
