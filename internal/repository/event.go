package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstone/chatrecall/internal/domain"
)

// ErrEventNotFound aliases the domain sentinel so services can match the
// error code without importing this package.
var ErrEventNotFound = domain.ErrEventNotFound

// EventRepository persists the append-only raw event log.
type EventRepository struct {
	db dbtx
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: pool}
}

func NewEventRepositoryWithTx(tx pgx.Tx) *EventRepository {
	return &EventRepository{db: tx}
}

// Insert stores a raw event. It returns false without error when the
// row already exists, either by source_update_id or by
// (chat_id, message_id, revision).
func (r *EventRepository) Insert(ctx context.Context, e *domain.RawEvent) (bool, error) {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO events
			(chat_id, message_id, revision, source_update_id, sender_id, ts, text, reply_to_id, thread_id, payload_hash, edited, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT DO NOTHING`,
		e.ChatID, e.MessageID, e.Revision, e.SourceUpdateID, e.SenderID, e.Timestamp,
		e.Text, e.ReplyToID, e.ThreadID, e.PayloadHash, e.Edited, receivedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExistsBySourceUpdateID reports whether an update id has been seen.
func (r *EventRepository) ExistsBySourceUpdateID(ctx context.Context, sourceUpdateID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE source_update_id = $1)`,
		sourceUpdateID,
	).Scan(&exists)
	return exists, err
}

// LatestRevision returns the highest stored revision for a message and
// its payload hash. ErrEventNotFound when the message has never been
// recorded.
func (r *EventRepository) LatestRevision(ctx context.Context, chatID, messageID int64) (int32, string, error) {
	var revision int32
	var hash pgtype.Text
	err := r.db.QueryRow(ctx,
		`SELECT revision, payload_hash
		 FROM events
		 WHERE chat_id = $1 AND message_id = $2
		 ORDER BY revision DESC
		 LIMIT 1`,
		chatID, messageID,
	).Scan(&revision, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrEventNotFound
		}
		return 0, "", err
	}
	return revision, hash.String, nil
}

// ListLatestRevisions returns the latest revision of every message in
// [fromMessageID, toMessageID] for one chat, chronologically ordered.
// A toMessageID of zero means through the end of the chat's timeline.
func (r *EventRepository) ListLatestRevisions(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]domain.Message, error) {
	query := `
		SELECT DISTINCT ON (message_id) message_id, sender_id, ts, text
		FROM events
		WHERE chat_id = $1 AND message_id >= $2`
	args := []any{chatID, fromMessageID}
	if toMessageID > 0 {
		query += ` AND message_id <= $3`
		args = append(args, toMessageID)
	}
	query += `
		ORDER BY message_id ASC, revision DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m := domain.Message{ChatID: chatID}
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.Timestamp, &m.Text); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Message ids are monotonically increasing within a chat, but sort
	// by timestamp anyway so backfilled history cannot break the
	// chunker's chronological-input requirement.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}
