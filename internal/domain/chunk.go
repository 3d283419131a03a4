package domain

import (
	"fmt"
	"time"
)

// ChunkStatus represents the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkStatusPendingEmbedding ChunkStatus = "pending_embedding"
	ChunkStatusIndexed          ChunkStatus = "indexed"
	ChunkStatusStale            ChunkStatus = "stale"
	ChunkStatusSuperseded       ChunkStatus = "superseded"
)

// Chunk is a bounded, contiguous span of one chat's messages rendered as
// a transcript. It is the unit indexed for retrieval. RenderedText is a
// snapshot as of build time; later edits mark the chunk stale instead of
// rewriting it.
type Chunk struct {
	ID             string
	ChatID         int64
	FirstMessageID int64
	LastMessageID  int64
	TimeRangeStart time.Time
	TimeRangeEnd   time.Time
	Participants   []int64
	MessageCount   int32
	RenderedText   string
	Status         ChunkStatus
	Open           bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidateChunk validates a Chunk instance.
func ValidateChunk(c *Chunk) error {
	if c == nil {
		return fmt.Errorf("chunk cannot be nil")
	}
	if c.ID == "" {
		return fmt.Errorf("chunk ID is required")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("chunk ChatID is required")
	}
	if c.FirstMessageID > c.LastMessageID {
		return fmt.Errorf("chunk message range is inverted: %d > %d", c.FirstMessageID, c.LastMessageID)
	}
	if c.MessageCount <= 0 {
		return fmt.Errorf("chunk MessageCount must be positive")
	}
	if !isValidChunkStatus(c.Status) {
		return fmt.Errorf("chunk Status is invalid: %s", c.Status)
	}
	return nil
}

func isValidChunkStatus(s ChunkStatus) bool {
	switch s {
	case ChunkStatusPendingEmbedding, ChunkStatusIndexed, ChunkStatusStale, ChunkStatusSuperseded:
		return true
	}
	return false
}

// Overlaps reports whether two message-id ranges in the same chat
// intersect. Live chunks must never overlap.
func (c *Chunk) Overlaps(firstID, lastID int64) bool {
	return c.FirstMessageID <= lastID && firstID <= c.LastMessageID
}
