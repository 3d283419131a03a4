package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// WorkQueue defines the interface for the durable work-item queue
type WorkQueue interface {
	// Claim atomically moves up to limit ready items to in_progress
	// under a lease
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*domain.WorkItem, error)

	// Complete marks an in_progress item done
	Complete(ctx context.Context, id string) error

	// Retry returns an item to the queue with backoff
	Retry(ctx context.Context, id string, errMsg string, backoff time.Duration) error

	// Fail marks an item terminally failed
	Fail(ctx context.Context, id string, errMsg string) error

	// ReclaimExpired returns items with lapsed leases to the queue
	ReclaimExpired(ctx context.Context) (int64, error)
}

// WorkItemProcessor executes one work item's payload.
type WorkItemProcessor interface {
	Process(ctx context.Context, item *domain.WorkItem) error
}

// PipelineWorkerConfig bounds claiming and retry behavior.
type PipelineWorkerConfig struct {
	BatchSize   int
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxAttempts int32
}

// DefaultPipelineWorkerConfig provides sane worker defaults.
func DefaultPipelineWorkerConfig() PipelineWorkerConfig {
	return PipelineWorkerConfig{
		BatchSize:   10,
		Lease:       2 * time.Minute,
		BaseBackoff: 10 * time.Second,
		MaxAttempts: 5,
	}
}

// PipelineWorker drains the work-item queue: chunk regions and chunk
// embeddings. Each poll first reclaims lapsed leases, then claims and
// processes a batch. Item outcomes are settled individually so one bad
// item never stalls the rest of the batch.
type PipelineWorker struct {
	queue     WorkQueue
	processor WorkItemProcessor
	cfg       PipelineWorkerConfig
}

// NewPipelineWorker creates a new PipelineWorker instance
func NewPipelineWorker(queue WorkQueue, processor WorkItemProcessor, cfg PipelineWorkerConfig) *PipelineWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPipelineWorkerConfig().BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultPipelineWorkerConfig().Lease
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultPipelineWorkerConfig().BaseBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPipelineWorkerConfig().MaxAttempts
	}
	return &PipelineWorker{queue: queue, processor: processor, cfg: cfg}
}

// ProcessJobs implements the JobProcessor interface
func (w *PipelineWorker) ProcessJobs(ctx context.Context) error {
	reclaimed, err := w.queue.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("Reclaimed %d work items with expired leases", reclaimed)
	}

	items, err := w.queue.Claim(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return fmt.Errorf("failed to claim work items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	log.Printf("Processing %d claimed work items", len(items))
	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			log.Printf("Error settling work item %s: %v", item.ID, err)
		}
	}
	return nil
}

func (w *PipelineWorker) processItem(ctx context.Context, item *domain.WorkItem) error {
	ctx, span := telemetry.StartSpan(ctx, "PipelineWorker.processItem", telemetry.SpanAttributes{
		ChatID:     item.ChatID,
		WorkItemID: item.ID,
		Operation:  string(item.Kind),
	})
	defer span.End()
	telemetry.AddBreadcrumb(ctx, "worker", fmt.Sprintf("processing %s item %s (attempt %d)", item.Kind, item.ID, item.Attempts+1))

	err := w.processor.Process(ctx, item)
	if err == nil {
		span.SetStatus(sentry.SpanStatusOK)
		return w.queue.Complete(ctx, item.ID)
	}
	span.SetError(err)
	return w.handleItemFailure(ctx, item, err)
}

// handleItemFailure settles a failed attempt: requeue with exponential
// backoff, or mark terminally failed once the attempt ceiling is hit.
// Terminal failure of one item never blocks unrelated items.
func (w *PipelineWorker) handleItemFailure(ctx context.Context, item *domain.WorkItem, itemErr error) error {
	log.Printf("Work item %s (%s) failed: %v", item.ID, item.Kind, itemErr)

	var domainErr *domain.DomainError
	if errors.As(itemErr, &domainErr) && domainErr.Code == domain.ErrCodeInvariantViolation {
		// No amount of retrying fixes an invariant violation.
		return w.queue.Fail(ctx, item.ID, itemErr.Error())
	}

	if item.Attempts+1 >= w.cfg.MaxAttempts {
		log.Printf("Work item %s exceeded max attempts (%d), marking as failed", item.ID, w.cfg.MaxAttempts)
		return w.queue.Fail(ctx, item.ID, fmt.Sprintf("max attempts exceeded: %v", itemErr))
	}

	backoff := w.backoffFor(item.Attempts)
	log.Printf("Work item %s will be retried in %v (attempt %d/%d)", item.ID, backoff, item.Attempts+1, w.cfg.MaxAttempts)
	return w.queue.Retry(ctx, item.ID, itemErr.Error(), backoff)
}

// backoffFor doubles the base delay per prior attempt, capped at ten
// doublings to keep make_interval arithmetic sane.
func (w *PipelineWorker) backoffFor(attempts int32) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return w.cfg.BaseBackoff * time.Duration(int64(1)<<attempts)
}
