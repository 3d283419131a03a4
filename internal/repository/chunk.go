package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/service"
)

var ErrChunkNotFound = domain.ErrChunkNotFound

// ChunkRepository persists chunks and their embeddings.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx pgx.Tx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// Insert stores a new chunk. It returns false without error when a live
// chunk with the same (chat_id, first_message_id, last_message_id)
// already exists, which makes re-processing a done work item a no-op.
func (r *ChunkRepository) Insert(ctx context.Context, c *domain.Chunk) (bool, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO chunks
			(id, chat_id, first_message_id, last_message_id, time_range_start, time_range_end,
			 participants, message_count, rendered_text, status, open, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.ChatID, c.FirstMessageID, c.LastMessageID, c.TimeRangeStart, c.TimeRangeEnd,
		c.Participants, c.MessageCount, c.RenderedText, c.Status, c.Open, createdAt, updatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*domain.Chunk, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, chat_id, first_message_id, last_message_id, time_range_start, time_range_end,
		        participants, message_count, rendered_text, status, open, created_at, updated_at
		 FROM chunks WHERE id = $1`,
		id,
	)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindLiveByMessage returns the live chunk owning a message id, if any.
// Live means any status except superseded.
func (r *ChunkRepository) FindLiveByMessage(ctx context.Context, chatID, messageID int64) (*domain.Chunk, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, chat_id, first_message_id, last_message_id, time_range_start, time_range_end,
		        participants, message_count, rendered_text, status, open, created_at, updated_at
		 FROM chunks
		 WHERE chat_id = $1 AND status <> $2
		   AND first_message_id <= $3 AND last_message_id >= $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		chatID, domain.ChunkStatusSuperseded, messageID,
	)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindOpen returns the chat's live open chunk, if one exists.
func (r *ChunkRepository) FindOpen(ctx context.Context, chatID int64) (*domain.Chunk, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, chat_id, first_message_id, last_message_id, time_range_start, time_range_end,
		        participants, message_count, rendered_text, status, open, created_at, updated_at
		 FROM chunks
		 WHERE chat_id = $1 AND open AND status <> $2
		 ORDER BY last_message_id DESC
		 LIMIT 1`,
		chatID, domain.ChunkStatusSuperseded,
	)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}
	return c, nil
}

// SupersedeOverlapping marks every live chunk intersecting the message
// range superseded and returns the affected chunk ids. A toMessageID of
// zero means through the end of the chat's timeline.
func (r *ChunkRepository) SupersedeOverlapping(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]string, error) {
	query := `
		UPDATE chunks
		SET status = $1, updated_at = now()
		WHERE chat_id = $2 AND status <> $1 AND last_message_id >= $3`
	args := []any{domain.ChunkStatusSuperseded, chatID, fromMessageID}
	if toMessageID > 0 {
		query += ` AND first_message_id <= $4`
		args = append(args, toMessageID)
	}
	query += ` RETURNING id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStatus transitions a chunk's status.
func (r *ChunkRepository) UpdateStatus(ctx context.Context, id string, status domain.ChunkStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE chunks SET status = $1, updated_at = now() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChunkNotFound
	}
	return nil
}

// MarkStale flags a chunk whose source messages were edited after it was
// built. Superseded chunks are left alone.
func (r *ChunkRepository) MarkStale(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE chunks SET status = $1, updated_at = now()
		 WHERE id = $2 AND status <> $3`,
		domain.ChunkStatusStale, id, domain.ChunkStatusSuperseded,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChunkNotFound
	}
	return nil
}

// UpsertEmbedding stores the current embedding for (chunk_id, model_id)
// and transitions the chunk to indexed. Re-embedding under the same
// model replaces the vector; a new model id adds a row.
func (r *ChunkRepository) UpsertEmbedding(ctx context.Context, e *domain.Embedding) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, model_id, embedding, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chunk_id, model_id)
		 DO UPDATE SET embedding = EXCLUDED.embedding, created_at = EXCLUDED.created_at`,
		e.ChunkID, e.ModelID, pgvector.NewVector(e.Vector), createdAt,
	)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE chunks SET status = $1, updated_at = now() WHERE id = $2`,
		domain.ChunkStatusIndexed, e.ChunkID,
	)
	return err
}

// SearchByEmbedding returns indexed chunks of one chat ranked by cosine
// similarity against the query vector, ties broken by recency. Only
// scores at or above minScore are returned, so callers may receive
// fewer than limit results.
func (r *ChunkRepository) SearchByEmbedding(ctx context.Context, chatID int64, queryVector []float32, modelID string, limit int, minScore float32) ([]service.RetrievedChunk, error) {
	if limit <= 0 {
		limit = 5
	}

	vec := pgvector.NewVector(queryVector)
	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.chat_id, c.first_message_id, c.last_message_id, c.time_range_start, c.time_range_end,
		        c.participants, c.message_count, c.rendered_text, c.status, c.open, c.created_at, c.updated_at,
		        1 - (e.embedding <=> $1) AS score
		 FROM chunks c
		 JOIN chunk_embeddings e ON e.chunk_id = c.id AND e.model_id = $2
		 WHERE c.chat_id = $3 AND c.status = $4
		   AND 1 - (e.embedding <=> $1) >= $5
		 ORDER BY score DESC, c.time_range_end DESC
		 LIMIT $6`,
		vec, modelID, chatID, domain.ChunkStatusIndexed, minScore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []service.RetrievedChunk
	for rows.Next() {
		var sc service.RetrievedChunk
		if err := scanChunkInto(rows, &sc.Chunk, &sc.Score); err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// ListByChat returns the chat's live chunks ordered by message range,
// for the operator view. Keyset pagination on first_message_id.
func (r *ChunkRepository) ListByChat(ctx context.Context, chatID int64, afterFirstMessageID int64, limit int) ([]*domain.Chunk, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, chat_id, first_message_id, last_message_id, time_range_start, time_range_end,
		        participants, message_count, rendered_text, status, open, created_at, updated_at
		 FROM chunks
		 WHERE chat_id = $1 AND status <> $2 AND first_message_id > $3
		 ORDER BY first_message_id ASC
		 LIMIT $4`,
		chatID, domain.ChunkStatusSuperseded, afterFirstMessageID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := scanChunkInto(rows, &c); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// LastIndexedAt returns the most recent time a chunk of the chat was
// updated to indexed. Zero time when nothing is indexed yet.
func (r *ChunkRepository) LastIndexedAt(ctx context.Context, chatID int64) (time.Time, error) {
	var ts *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT MAX(updated_at) FROM chunks WHERE chat_id = $1 AND status = $2`,
		chatID, domain.ChunkStatusIndexed,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func scanChunk(row pgx.Row) (*domain.Chunk, error) {
	var c domain.Chunk
	if err := row.Scan(
		&c.ID, &c.ChatID, &c.FirstMessageID, &c.LastMessageID, &c.TimeRangeStart, &c.TimeRangeEnd,
		&c.Participants, &c.MessageCount, &c.RenderedText, &c.Status, &c.Open, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChunkInto(rows pgx.Rows, c *domain.Chunk, extra ...any) error {
	dest := []any{
		&c.ID, &c.ChatID, &c.FirstMessageID, &c.LastMessageID, &c.TimeRangeStart, &c.TimeRangeEnd,
		&c.Participants, &c.MessageCount, &c.RenderedText, &c.Status, &c.Open, &c.CreatedAt, &c.UpdatedAt,
	}
	dest = append(dest, extra...)
	return rows.Scan(dest...)
}
