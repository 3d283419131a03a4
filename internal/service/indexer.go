package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quillstone/chatrecall/internal/chunker"
	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// EmbeddingClient is the external embedding capability. Failures are
// treated as transient and retried by the work queue.
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text, modelID string) ([]float32, error)
}

// TranscriptArchiver preserves superseded chunk transcripts for audit.
// Optional; a nil archiver disables archiving.
type TranscriptArchiver interface {
	ArchiveTranscript(ctx context.Context, chunk *domain.Chunk) error
}

// IndexerRepositories is the non-transactional repository set the
// indexer reads through between work item transactions.
type IndexerRepositories interface {
	Events() EventRepositoryInterface
	Chunks() ChunkRepositoryInterface
	WorkItems() WorkItemRepositoryInterface
}

// IndexerService turns claimed work items into chunk and embedding
// state. It owns every Chunk mutation in the system.
type IndexerService struct {
	tx        TxRunner
	repos     IndexerRepositories
	embedding EmbeddingClient
	archiver  TranscriptArchiver
	chunkCfg  chunker.Config
	modelID   string
	uuidGen   UUIDGenerator
}

// NewIndexerService creates a new IndexerService instance
func NewIndexerService(
	tx TxRunner,
	repos IndexerRepositories,
	embedding EmbeddingClient,
	chunkCfg chunker.Config,
	modelID string,
) *IndexerService {
	return &IndexerService{
		tx:        tx,
		repos:     repos,
		embedding: embedding,
		chunkCfg:  chunkCfg,
		modelID:   modelID,
		uuidGen:   &DefaultUUIDGenerator{},
	}
}

// WithArchiver enables transcript archiving for superseded chunks.
func (s *IndexerService) WithArchiver(archiver TranscriptArchiver) *IndexerService {
	s.archiver = archiver
	return s
}

// WithUUIDGen overrides UUID generation (for testing).
func (s *IndexerService) WithUUIDGen(gen UUIDGenerator) *IndexerService {
	s.uuidGen = gen
	return s
}

// Process executes one claimed work item. The returned error marks the
// attempt failed; the caller decides retry versus terminal failure.
func (s *IndexerService) Process(ctx context.Context, item *domain.WorkItem) error {
	ctx, span := telemetry.StartSpan(ctx, "IndexerService.Process", telemetry.SpanAttributes{
		ChatID:     item.ChatID,
		WorkItemID: item.ID,
		Operation:  string(item.Kind),
	})
	defer span.End()

	switch item.Kind {
	case domain.WorkItemKindChunkRegion:
		return s.processChunkRegion(ctx, item)
	case domain.WorkItemKindEmbedChunk, domain.WorkItemKindReembedChunk:
		return s.processEmbedChunk(ctx, item)
	default:
		return fmt.Errorf("unknown work item kind: %s", item.Kind)
	}
}

// processChunkRegion rebuilds the chunk set covering the item's message
// range. Old live chunks in the range are superseded, never rewritten,
// and each inserted chunk gets an embed item enqueued. The whole
// replacement is one transaction so a crash cannot leave a half-built
// region visible.
func (s *IndexerService) processChunkRegion(ctx context.Context, item *domain.WorkItem) error {
	from := item.FromMessageID

	// The region start was computed at enqueue time. An earlier region
	// item for this chat may have built an open chunk below it since;
	// widen the rebuild to cover that chunk instead of orphaning its
	// head when it gets superseded. Safe without a lock because region
	// items of one chat never run concurrently.
	open, err := s.repos.Chunks().FindOpen(ctx, item.ChatID)
	switch {
	case err == nil:
		if open.FirstMessageID < from {
			from = open.FirstMessageID
		}
	case isNotFound(err):
	default:
		return err
	}

	// Same on the tail for bounded ranges: a live chunk straddling the
	// end bound must be rebuilt whole, not cut in half.
	to := item.ToMessageID
	if to != 0 {
		owner, err := s.repos.Chunks().FindLiveByMessage(ctx, item.ChatID, to)
		switch {
		case err == nil:
			if owner.LastMessageID > to {
				to = owner.LastMessageID
			}
		case isNotFound(err):
		default:
			return err
		}
	}

	messages, err := s.repos.Events().ListLatestRevisions(ctx, item.ChatID, from, to)
	if err != nil {
		return fmt.Errorf("failed to load events for region: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	candidates := chunker.BuildChunks(messages, s.chunkCfg)

	var superseded []*domain.Chunk
	err = s.tx.WithTx(ctx, func(repos TxRepositories) error {
		chunks := repos.Chunks()

		oldIDs, err := chunks.SupersedeOverlapping(ctx, item.ChatID, from, to)
		if err != nil {
			return fmt.Errorf("failed to supersede chunks: %w", err)
		}
		if s.archiver != nil {
			for _, id := range oldIDs {
				old, err := chunks.GetByID(ctx, id)
				if err != nil {
					return err
				}
				superseded = append(superseded, old)
			}
		}

		now := time.Now().UTC()
		for _, cand := range candidates {
			c := &domain.Chunk{
				ID:             s.uuidGen.NewString(),
				ChatID:         item.ChatID,
				FirstMessageID: cand.FirstMessageID(),
				LastMessageID:  cand.LastMessageID(),
				TimeRangeStart: cand.TimeRangeStart(),
				TimeRangeEnd:   cand.TimeRangeEnd(),
				Participants:   cand.Participants,
				MessageCount:   int32(len(cand.Messages)),
				RenderedText:   cand.RenderedText,
				Status:         domain.ChunkStatusPendingEmbedding,
				Open:           cand.Open,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := domain.ValidateChunk(c); err != nil {
				return err
			}

			inserted, err := chunks.Insert(ctx, c)
			if err != nil {
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
			if !inserted {
				// Identical live range already present; nothing new to
				// embed. This is the duplicate-delivery path.
				continue
			}

			embed := &domain.WorkItem{
				ID:        s.uuidGen.NewString(),
				ChatID:    item.ChatID,
				Kind:      domain.WorkItemKindEmbedChunk,
				ChunkID:   c.ID,
				ModelID:   s.modelID,
				State:     domain.WorkItemStateQueued,
				CreatedAt: now,
			}
			if _, err := repos.WorkItems().Enqueue(ctx, embed); err != nil {
				return fmt.Errorf("failed to enqueue embed item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Archiving happens outside the transaction: it talks to external
	// storage and must not hold row locks. A failed archive is logged,
	// not retried; the transcript still exists in the chunks table.
	for _, old := range superseded {
		if err := s.archiver.ArchiveTranscript(ctx, old); err != nil {
			log.Printf("transcript archive failed for chunk %s: %v", old.ID, err)
		}
	}

	return nil
}

// processEmbedChunk calls the embedding capability for one chunk and
// stores the vector. The capability call runs without any row lock; the
// lease on the work item is the only thing held.
func (s *IndexerService) processEmbedChunk(ctx context.Context, item *domain.WorkItem) error {
	chunk, err := s.repos.Chunks().GetByID(ctx, item.ChunkID)
	if err != nil {
		if isNotFound(err) {
			// Chunk superseded between enqueue and claim; nothing to do.
			return nil
		}
		return err
	}
	if chunk.Status == domain.ChunkStatusSuperseded {
		return nil
	}

	modelID := item.ModelID
	if modelID == "" {
		modelID = s.modelID
	}

	vector, err := s.embedding.GenerateEmbedding(ctx, chunk.RenderedText, modelID)
	if err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeTransientCapability, "embedding call failed", err)
	}

	embedding := &domain.Embedding{
		ChunkID:   chunk.ID,
		ModelID:   modelID,
		Vector:    vector,
		CreatedAt: time.Now().UTC(),
	}
	if err := domain.ValidateEmbedding(embedding); err != nil {
		return err
	}
	if err := s.repos.Chunks().UpsertEmbedding(ctx, embedding); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}
