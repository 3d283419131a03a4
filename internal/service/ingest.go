package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// EventRepositoryInterface defines the repository interface for the raw event log
type EventRepositoryInterface interface {
	Insert(ctx context.Context, e *domain.RawEvent) (bool, error)
	ExistsBySourceUpdateID(ctx context.Context, sourceUpdateID int64) (bool, error)
	LatestRevision(ctx context.Context, chatID, messageID int64) (int32, string, error)
	ListLatestRevisions(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]domain.Message, error)
}

// ChunkRepositoryInterface defines the repository interface for chunk persistence
type ChunkRepositoryInterface interface {
	Insert(ctx context.Context, c *domain.Chunk) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Chunk, error)
	FindLiveByMessage(ctx context.Context, chatID, messageID int64) (*domain.Chunk, error)
	FindOpen(ctx context.Context, chatID int64) (*domain.Chunk, error)
	SupersedeOverlapping(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status domain.ChunkStatus) error
	MarkStale(ctx context.Context, id string) error
	UpsertEmbedding(ctx context.Context, e *domain.Embedding) error
	LastIndexedAt(ctx context.Context, chatID int64) (time.Time, error)
}

// WorkItemRepositoryInterface defines the repository interface for the work queue
type WorkItemRepositoryInterface interface {
	Enqueue(ctx context.Context, w *domain.WorkItem) (bool, error)
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

// IngestService is the durability boundary for the inbound event feed.
// It records raw events idempotently and enqueues chunk work; it never
// chunks or embeds anything itself.
type IngestService struct {
	tx      TxRunner
	uuidGen UUIDGenerator
}

// NewIngestService creates a new IngestService instance
func NewIngestService(tx TxRunner) *IngestService {
	return &IngestService{tx: tx, uuidGen: &DefaultUUIDGenerator{}}
}

// NewIngestServiceWithUUIDGen creates a new IngestService with a custom UUID generator (for testing)
func NewIngestServiceWithUUIDGen(tx TxRunner, uuidGen UUIDGenerator) *IngestService {
	return &IngestService{tx: tx, uuidGen: uuidGen}
}

// Record stores one raw event and, for a stored (non-duplicate) event,
// enqueues the chunk work it implies, all in one transaction. The feed
// is at-least-once; this dedup is the sole defense against redelivery.
func (s *IngestService) Record(ctx context.Context, e *domain.RawEvent) (domain.RecordOutcome, error) {
	if err := domain.ValidateRawEvent(e); err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid raw event", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "IngestService.Record", telemetry.SpanAttributes{
		ChatID:    e.ChatID,
		Operation: "record",
	})
	defer span.End()

	outcome := domain.RecordOutcomeDuplicate
	err := s.tx.WithTx(ctx, func(repos TxRepositories) error {
		events := repos.Events()

		// Layer one: update-level dedup.
		seen, err := events.ExistsBySourceUpdateID(ctx, e.SourceUpdateID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}

		// Layer two: message-level dedup with edit revisions.
		stored := *e
		latest, latestHash, err := events.LatestRevision(ctx, e.ChatID, e.MessageID)
		switch {
		case err == nil:
			if !e.Edited {
				// Redelivery of a known message under a fresh update id.
				return nil
			}
			if e.PayloadHash != "" && e.PayloadHash == latestHash {
				// Edit redelivery with identical content.
				return nil
			}
			stored.Revision = latest + 1
		case isNotFound(err):
			stored.Revision = 0
		default:
			return err
		}

		inserted, err := events.Insert(ctx, &stored)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		outcome = domain.RecordOutcomeStored
		return s.enqueueRegion(ctx, repos, &stored)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// enqueueRegion translates a stored event into chunk work. A new
// message extends the chat's open chunk region; an edit marks the
// owning chunk stale and re-chunks from that chunk's start.
func (s *IngestService) enqueueRegion(ctx context.Context, repos TxRepositories, e *domain.RawEvent) error {
	chunks := repos.Chunks()

	from := e.MessageID

	if e.Revision > 0 {
		owner, err := chunks.FindLiveByMessage(ctx, e.ChatID, e.MessageID)
		switch {
		case err == nil:
			if err := chunks.MarkStale(ctx, owner.ID); err != nil {
				return err
			}
			from = owner.FirstMessageID
		case isNotFound(err):
			// Edited before ever being chunked; treat as new material.
		default:
			return err
		}
	} else {
		open, err := chunks.FindOpen(ctx, e.ChatID)
		switch {
		case err == nil:
			if open.FirstMessageID < from {
				from = open.FirstMessageID
			}
		case isNotFound(err):
		default:
			return err
		}
	}

	item := &domain.WorkItem{
		ID:            s.uuidGen.NewString(),
		ChatID:        e.ChatID,
		Kind:          domain.WorkItemKindChunkRegion,
		FromMessageID: from,
		State:         domain.WorkItemStateQueued,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := repos.WorkItems().Enqueue(ctx, item)
	return err
}

func isNotFound(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de) && de.Code == domain.ErrCodeNotFound
}
