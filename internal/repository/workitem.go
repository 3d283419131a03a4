package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstone/chatrecall/internal/domain"
)

var ErrWorkItemNotFound = domain.ErrWorkItemNotFound

// WorkItemRepository persists the durable work queue. Claiming is an
// optimistic conditional update (queued -> in_progress with a lease);
// crash recovery is lease expiry returning items to queued.
type WorkItemRepository struct {
	db dbtx
}

func NewWorkItemRepository(pool *pgxpool.Pool) *WorkItemRepository {
	return &WorkItemRepository{db: pool}
}

func NewWorkItemRepositoryWithTx(tx pgx.Tx) *WorkItemRepository {
	return &WorkItemRepository{db: tx}
}

const workItemColumns = `id, chat_id, kind, from_message_id, to_message_id, chunk_id, model_id,
	state, attempts, last_error, lease_expires_at, next_attempt_at, created_at, updated_at`

// Enqueue inserts a queued work item. It returns false without error
// when an identical payload is already queued (dedup_key partial unique
// index), so redelivered side effects do not pile up duplicate work.
func (r *WorkItemRepository) Enqueue(ctx context.Context, w *domain.WorkItem) (bool, error) {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	nextAttempt := w.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = createdAt
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO work_items
			(id, chat_id, kind, from_message_id, to_message_id, chunk_id, model_id, dedup_key,
			 state, attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (dedup_key) WHERE state = 'queued' DO NOTHING`,
		w.ID, w.ChatID, w.Kind, w.FromMessageID, w.ToMessageID, nullableUUID(w.ChunkID), w.ModelID,
		w.DedupKey(), domain.WorkItemStateQueued, w.Attempts, w.LastError, nextAttempt, createdAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Claim atomically moves up to limit ready items from queued to
// in_progress under a lease. chunk_region items are serialized per chat:
// only the head of a chat's region queue is claimable, and not while
// another region item for that chat is in progress. Items of different
// chats, and embed items, are claimed freely in parallel.
func (r *WorkItemRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*domain.WorkItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`WITH ready AS (
			 SELECT w.id
			 FROM work_items w
			 WHERE w.state = $1
			   AND w.next_attempt_at <= now()
			   AND (
			       w.kind <> $2
			       OR (
			           NOT EXISTS (
			               SELECT 1 FROM work_items p
			               WHERE p.chat_id = w.chat_id AND p.kind = $2 AND p.state = $3
			           )
			           AND NOT EXISTS (
			               SELECT 1 FROM work_items q
			               WHERE q.chat_id = w.chat_id AND q.kind = $2 AND q.state = $1
			                 AND q.next_attempt_at <= now()
			                 AND (q.created_at, q.id) < (w.created_at, w.id)
			           )
			       )
			   )
			 ORDER BY w.created_at ASC, w.id ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $4
		 )
		 UPDATE work_items
		 SET state = $3,
		     lease_expires_at = now() + make_interval(secs => $5),
		     updated_at = now()
		 FROM ready
		 WHERE work_items.id = ready.id
		 RETURNING work_items.id, work_items.chat_id, work_items.kind, work_items.from_message_id,
		           work_items.to_message_id, work_items.chunk_id, work_items.model_id, work_items.state,
		           work_items.attempts, work_items.last_error, work_items.lease_expires_at,
		           work_items.next_attempt_at, work_items.created_at, work_items.updated_at`,
		domain.WorkItemStateQueued, domain.WorkItemKindChunkRegion, domain.WorkItemStateInProgress,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// Complete marks an in_progress item done.
func (r *WorkItemRepository) Complete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE work_items
		 SET state = $1, lease_expires_at = NULL, last_error = '', updated_at = now()
		 WHERE id = $2 AND state = $3`,
		domain.WorkItemStateDone, id, domain.WorkItemStateInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkItemNotFound
	}
	return nil
}

// Retry returns a failed attempt to the queue with its error recorded
// and the next attempt pushed out by backoff.
func (r *WorkItemRepository) Retry(ctx context.Context, id string, errMsg string, backoff time.Duration) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE work_items
		 SET state = $1,
		     attempts = attempts + 1,
		     last_error = $2,
		     lease_expires_at = NULL,
		     next_attempt_at = now() + make_interval(secs => $3),
		     updated_at = now()
		 WHERE id = $4 AND state = $5`,
		domain.WorkItemStateQueued, errMsg, backoff.Seconds(), id, domain.WorkItemStateInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkItemNotFound
	}
	return nil
}

// Fail marks an item terminally failed after retries are exhausted. It
// stays visible to the operator view and never blocks other items.
func (r *WorkItemRepository) Fail(ctx context.Context, id string, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE work_items
		 SET state = $1,
		     attempts = attempts + 1,
		     last_error = $2,
		     lease_expires_at = NULL,
		     updated_at = now()
		 WHERE id = $3 AND state = $4`,
		domain.WorkItemStateFailed, errMsg, id, domain.WorkItemStateInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkItemNotFound
	}
	return nil
}

// ReclaimExpired returns in_progress items whose lease has lapsed to
// queued. This is the only recovery path for a worker that died
// mid-item.
func (r *WorkItemRepository) ReclaimExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE work_items
		 SET state = $1, lease_expires_at = NULL, updated_at = now()
		 WHERE state = $2 AND lease_expires_at < now()`,
		domain.WorkItemStateQueued, domain.WorkItemStateInProgress,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *WorkItemRepository) GetByID(ctx context.Context, id string) (*domain.WorkItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrWorkItemNotFound
	}
	return scanWorkItem(rows)
}

// CountPending returns queued plus in_progress items for one chat.
func (r *WorkItemRepository) CountPending(ctx context.Context, chatID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM work_items WHERE chat_id = $1 AND state IN ($2, $3)`,
		chatID, domain.WorkItemStateQueued, domain.WorkItemStateInProgress,
	).Scan(&count)
	return count, err
}

// CountFailed returns terminally failed items for one chat.
func (r *WorkItemRepository) CountFailed(ctx context.Context, chatID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM work_items WHERE chat_id = $1 AND state = $2`,
		chatID, domain.WorkItemStateFailed,
	).Scan(&count)
	return count, err
}

// ListFailed returns terminally failed items for operator visibility.
func (r *WorkItemRepository) ListFailed(ctx context.Context, limit int) ([]*domain.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+workItemColumns+`
		 FROM work_items
		 WHERE state = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		domain.WorkItemStateFailed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func scanWorkItem(rows pgx.Rows) (*domain.WorkItem, error) {
	var w domain.WorkItem
	var chunkID, modelID, lastError pgtype.Text
	if err := rows.Scan(
		&w.ID, &w.ChatID, &w.Kind, &w.FromMessageID, &w.ToMessageID, &chunkID, &modelID,
		&w.State, &w.Attempts, &lastError, &w.LeaseExpiresAt, &w.NextAttemptAt, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if chunkID.Valid {
		w.ChunkID = chunkID.String
	}
	if modelID.Valid {
		w.ModelID = modelID.String
	}
	if lastError.Valid {
		w.LastError = lastError.String
	}
	return &w, nil
}

func nullableUUID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
