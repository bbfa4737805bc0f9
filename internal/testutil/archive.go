package testutil

import (
	"tm-go/internal/archive"
)

// NewTestArchive creates a new in-memory archive for testing.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive("test-archive")
}
