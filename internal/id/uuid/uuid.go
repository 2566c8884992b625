// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator mints run identifiers and short file tokens.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// RunID returns a time-ordered UUIDv7 string for an orchestrator pass.
func (Generator) RunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Token returns the first n hex characters of a random UUIDv4, used to name
// attachments that carry no usable filename. n is clamped to [1, 32].
func (Generator) Token(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n <= 0 {
		n = 1
	}
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}
