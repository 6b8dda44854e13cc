// Package uuid includes tests for the id generator.
package uuid

import (
	"regexp"
	"testing"
)

var hex12 = regexp.MustCompile(`^[0-9a-f]{12}$`)

// TestGeneratorNewID ensures generated IDs are unique 12-char hex strings.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if !hex12.MatchString(id1) || !hex12.MatchString(id2) {
		t.Fatalf("expected 12 hex chars, got %s and %s", id1, id2)
	}
}

func TestHexIDBounds(t *testing.T) {
	t.Parallel()

	id, err := HexID(10)
	if err != nil || len(id) != 10 {
		t.Fatalf("HexID(10) = %q, %v", id, err)
	}
	id, err = HexID(99)
	if err != nil || len(id) != 32 {
		t.Fatalf("HexID(99) = %q, %v", id, err)
	}
}
