// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BatchIDLength is the number of hex characters in a batch id.
const BatchIDLength = 12

// Generator creates short random hex identifiers from UUIDv4 values.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a 12-character lower-case hex batch id.
func (Generator) NewID() (string, error) {
	return HexID(BatchIDLength)
}

// HexID returns the first n hex characters of a fresh UUIDv4 (n <= 32).
func HexID(n int) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	if n <= 0 || n > len(hex) {
		n = len(hex)
	}
	return hex[:n], nil
}
