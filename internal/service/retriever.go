package service

import (
	"context"
	"fmt"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// RetrievedChunk is one ranked retrieval hit.
type RetrievedChunk struct {
	Chunk domain.Chunk
	Score float32
}

// ChunkSearchRepository is the vector search interface backing retrieval.
type ChunkSearchRepository interface {
	SearchByEmbedding(ctx context.Context, chatID int64, queryVector []float32, modelID string, limit int, minScore float32) ([]RetrievedChunk, error)
}

// RetrieverConfig bounds a retrieval.
type RetrieverConfig struct {
	TopK          int
	MinSimilarity float32
}

// DefaultRetrieverConfig provides sane retrieval defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopK:          5,
		MinSimilarity: 0.25,
	}
}

// RetrieverService answers "which chunks of this chat are relevant to
// this question". It returns fewer than TopK results rather than pad
// with low-relevance chunks; an empty result is the composer's
// abstention signal.
type RetrieverService struct {
	repo      ChunkSearchRepository
	embedding EmbeddingClient
	modelID   string
	cfg       RetrieverConfig
}

// NewRetrieverService creates a new RetrieverService instance
func NewRetrieverService(repo ChunkSearchRepository, embedding EmbeddingClient, modelID string, cfg RetrieverConfig) *RetrieverService {
	if cfg.TopK <= 0 {
		cfg = DefaultRetrieverConfig()
	}
	return &RetrieverService{
		repo:      repo,
		embedding: embedding,
		modelID:   modelID,
		cfg:       cfg,
	}
}

// Retrieve embeds the question and returns ranked indexed chunks of the
// chat above the relevance floor. Chunks of other chats are never
// returned; the repository filter is re-checked here because cross-chat
// leakage is a correctness violation, not a quality problem.
func (s *RetrieverService) Retrieve(ctx context.Context, chatID int64, question string) ([]RetrievedChunk, error) {
	ctx, span := telemetry.StartSpan(ctx, "RetrieverService.Retrieve", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "retrieve",
	})
	defer span.End()

	queryVector, err := s.embedding.GenerateEmbedding(ctx, question, s.modelID)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientCapability, "query embedding failed", err)
	}

	results, err := s.repo.SearchByEmbedding(ctx, chatID, queryVector, s.modelID, s.cfg.TopK, s.cfg.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	for _, r := range results {
		if r.Chunk.ChatID != chatID {
			return nil, domain.NewDomainErrorWithCause(
				domain.ErrCodeInvariantViolation,
				fmt.Sprintf("retrieved chunk %s belongs to chat %d, requested %d", r.Chunk.ID, r.Chunk.ChatID, chatID),
				domain.ErrCrossChatRetrieval,
			)
		}
	}

	return results, nil
}
