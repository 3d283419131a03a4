package service

import (
	"context"
	"log"
	"time"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// AskLogEntry is one question/answer audit record.
type AskLogEntry struct {
	ChatID     int64
	Question   string
	Answer     string
	Abstained  bool
	Retrieved  []RetrievedRef
	ToolCalls  []domain.ToolInvocation
	DurationMS int64
}

// RetrievedRef is the compact log form of one retrieved chunk.
type RetrievedRef struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// AskLogStore persists ask audit records.
type AskLogStore interface {
	CreateAskLog(ctx context.Context, entry AskLogEntry) (string, error)
}

// QueueStatusRepository exposes per-chat work-queue counters.
type QueueStatusRepository interface {
	Enqueue(ctx context.Context, w *domain.WorkItem) (bool, error)
	CountPending(ctx context.Context, chatID int64) (int64, error)
	CountFailed(ctx context.Context, chatID int64) (int64, error)
}

// ChatStatusRepository exposes per-chat indexing progress.
type ChatStatusRepository interface {
	LastIndexedAt(ctx context.Context, chatID int64) (time.Time, error)
}

// Retriever finds the chunks relevant to a question within one chat.
type Retriever interface {
	Retrieve(ctx context.Context, chatID int64, question string) ([]RetrievedChunk, error)
}

// Composer turns a question plus retrieved chunks into a grounded answer.
type Composer interface {
	Compose(ctx context.Context, question string, retrieved []RetrievedChunk) (*domain.Answer, []domain.ToolInvocation)
}

// ChatStatus is the indexing status of one chat.
type ChatStatus struct {
	ChatID       int64
	LastIndexed  time.Time
	PendingItems int64
	FailedItems  int64
}

// AskService is the question-answering front: retrieve, compose, audit.
type AskService struct {
	retriever Retriever
	composer  Composer
	askLogs   AskLogStore
	queue     QueueStatusRepository
	chunks    ChatStatusRepository
	uuidGen   UUIDGenerator
	timeout   time.Duration
}

// NewAskService creates a new AskService instance
func NewAskService(retriever Retriever, composer Composer, askLogs AskLogStore, queue QueueStatusRepository, chunks ChatStatusRepository, timeout time.Duration) *AskService {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AskService{
		retriever: retriever,
		composer:  composer,
		askLogs:   askLogs,
		queue:     queue,
		chunks:    chunks,
		uuidGen:   &DefaultUUIDGenerator{},
		timeout:   timeout,
	}
}

// WithUUIDGen swaps the ID generator, for tests.
func (s *AskService) WithUUIDGen(gen UUIDGenerator) *AskService {
	s.uuidGen = gen
	return s
}

// Ask answers a question against one chat's indexed history. Retrieval
// failures surface as errors; composition failures degrade to
// abstention inside the composer, so a returned Answer is always
// well-formed.
func (s *AskService) Ask(ctx context.Context, chatID int64, question string) (*domain.Answer, error) {
	if chatID == 0 {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "chat id is required")
	}
	if question == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "question is required")
	}
	// Status and Backfill only touch the database; asking is the one
	// operation that needs the embedding and chat providers.
	if s.retriever == nil || s.composer == nil {
		return nil, domain.NewDomainError(domain.ErrCodeTransientCapability, "ask not configured: OPENAI_API_KEY required")
	}

	ctx, span := telemetry.StartSpan(ctx, "AskService.Ask", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "ask",
	})
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	retrieved, err := s.retriever.Retrieve(ctx, chatID, question)
	if err != nil {
		return nil, err
	}

	answer, toolCalls := s.composer.Compose(ctx, question, retrieved)

	refs := make([]RetrievedRef, 0, len(retrieved))
	for _, r := range retrieved {
		refs = append(refs, RetrievedRef{ChunkID: r.Chunk.ID, Score: float64(r.Score)})
	}
	// Audit logging must never fail the answer.
	if _, logErr := s.askLogs.CreateAskLog(ctx, AskLogEntry{
		ChatID:     chatID,
		Question:   question,
		Answer:     answer.Text,
		Abstained:  answer.Abstained,
		Retrieved:  refs,
		ToolCalls:  toolCalls,
		DurationMS: time.Since(start).Milliseconds(),
	}); logErr != nil {
		log.Printf("ask: failed to write ask log for chat %d: %v", chatID, logErr)
		telemetry.CaptureError(ctx, logErr)
	}

	return answer, nil
}

// Status reports how far indexing has progressed for a chat.
func (s *AskService) Status(ctx context.Context, chatID int64) (*ChatStatus, error) {
	if chatID == 0 {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "chat id is required")
	}

	lastIndexed, err := s.chunks.LastIndexedAt(ctx, chatID)
	if err != nil {
		return nil, err
	}
	pending, err := s.queue.CountPending(ctx, chatID)
	if err != nil {
		return nil, err
	}
	failed, err := s.queue.CountFailed(ctx, chatID)
	if err != nil {
		return nil, err
	}

	return &ChatStatus{
		ChatID:       chatID,
		LastIndexed:  lastIndexed,
		PendingItems: pending,
		FailedItems:  failed,
	}, nil
}

// Backfill enqueues a re-chunk of one chat's historical range. Zero
// bounds are open: from 0 means the start of stored history, to 0 means
// through the end of the timeline. The queued-dedup key makes repeated
// calls safe.
func (s *AskService) Backfill(ctx context.Context, chatID, fromMessageID, toMessageID int64) (bool, error) {
	if chatID == 0 {
		return false, domain.NewDomainError(domain.ErrCodeValidation, "chat id is required")
	}
	if fromMessageID < 0 || toMessageID < 0 {
		return false, domain.NewDomainError(domain.ErrCodeValidation, "message bounds must not be negative")
	}
	if toMessageID != 0 && fromMessageID > toMessageID {
		return false, domain.NewDomainError(domain.ErrCodeValidation, "from message id is past the to message id")
	}

	ctx, span := telemetry.StartSpan(ctx, "AskService.Backfill", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "backfill",
	})
	defer span.End()

	item := &domain.WorkItem{
		ID:            s.uuidGen.NewString(),
		Kind:          domain.WorkItemKindChunkRegion,
		ChatID:        chatID,
		FromMessageID: fromMessageID,
		ToMessageID:   toMessageID,
		State:         domain.WorkItemStateQueued,
	}
	return s.queue.Enqueue(ctx, item)
}
