package domain

import (
	"fmt"
	"time"
)

// Embedding is the vector for one chunk under one embedding model. A
// chunk has at most one current embedding per ModelID; migrating to a
// new model adds rows instead of overwriting old ones.
type Embedding struct {
	ChunkID   string
	ModelID   string
	Vector    []float32
	CreatedAt time.Time
}

// ValidateEmbedding validates an Embedding instance.
func ValidateEmbedding(e *Embedding) error {
	if e == nil {
		return fmt.Errorf("embedding cannot be nil")
	}
	if e.ChunkID == "" {
		return fmt.Errorf("embedding ChunkID is required")
	}
	if e.ModelID == "" {
		return fmt.Errorf("embedding ModelID is required")
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding Vector is required")
	}
	return nil
}
