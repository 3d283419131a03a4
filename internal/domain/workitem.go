package domain

import (
	"fmt"
	"time"
)

// WorkItemKind identifies what a work item asks a worker to do.
type WorkItemKind string

const (
	WorkItemKindChunkRegion  WorkItemKind = "chunk_region"
	WorkItemKindEmbedChunk   WorkItemKind = "embed_chunk"
	WorkItemKindReembedChunk WorkItemKind = "reembed_chunk"
)

// WorkItemState represents the queue state of a work item.
type WorkItemState string

const (
	WorkItemStateQueued     WorkItemState = "queued"
	WorkItemStateInProgress WorkItemState = "in_progress"
	WorkItemStateDone       WorkItemState = "done"
	WorkItemStateFailed     WorkItemState = "failed"
)

// WorkItem is a durable unit of deferred pipeline work. It is the only
// mutable shared state besides Chunk.Status; crash recovery works by
// lease expiry returning in_progress items to queued.
type WorkItem struct {
	ID     string
	ChatID int64
	Kind   WorkItemKind

	// chunk_region payload: re-chunk messages of ChatID starting at
	// FromMessageID. Zero bounds are open: FromMessageID of zero means
	// from the start of the chat's stored history, ToMessageID of zero
	// means through the end of its timeline.
	FromMessageID int64
	ToMessageID   int64

	// embed_chunk / reembed_chunk payload.
	ChunkID string
	ModelID string

	State          WorkItemState
	Attempts       int32
	LastError      string
	LeaseExpiresAt *time.Time
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DedupKey is the natural key used to suppress duplicate queued items
// for the same payload.
func (w *WorkItem) DedupKey() string {
	switch w.Kind {
	case WorkItemKindChunkRegion:
		return fmt.Sprintf("%s:%d:%d:%d", w.Kind, w.ChatID, w.FromMessageID, w.ToMessageID)
	default:
		return fmt.Sprintf("%s:%s:%s", w.Kind, w.ChunkID, w.ModelID)
	}
}

// ValidateWorkItem validates a WorkItem instance.
func ValidateWorkItem(w *WorkItem) error {
	if w == nil {
		return fmt.Errorf("work item cannot be nil")
	}
	if w.ID == "" {
		return fmt.Errorf("work item ID is required")
	}
	if !isValidWorkItemKind(w.Kind) {
		return fmt.Errorf("work item Kind is invalid: %s", w.Kind)
	}
	if !isValidWorkItemState(w.State) {
		return fmt.Errorf("work item State is invalid: %s", w.State)
	}
	switch w.Kind {
	case WorkItemKindChunkRegion:
		if w.ChatID == 0 {
			return fmt.Errorf("chunk_region work item requires ChatID")
		}
		if w.FromMessageID < 0 || w.ToMessageID < 0 {
			return fmt.Errorf("chunk_region work item has negative message bounds")
		}
	case WorkItemKindEmbedChunk, WorkItemKindReembedChunk:
		if w.ChunkID == "" {
			return fmt.Errorf("%s work item requires ChunkID", w.Kind)
		}
		if w.ModelID == "" {
			return fmt.Errorf("%s work item requires ModelID", w.Kind)
		}
	}
	if w.Attempts < 0 {
		return fmt.Errorf("work item Attempts cannot be negative")
	}
	return nil
}

func isValidWorkItemKind(k WorkItemKind) bool {
	switch k {
	case WorkItemKindChunkRegion, WorkItemKindEmbedChunk, WorkItemKindReembedChunk:
		return true
	}
	return false
}

func isValidWorkItemState(s WorkItemState) bool {
	switch s {
	case WorkItemStateQueued, WorkItemStateInProgress, WorkItemStateDone, WorkItemStateFailed:
		return true
	}
	return false
}
