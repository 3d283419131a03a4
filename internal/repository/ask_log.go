package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstone/chatrecall/internal/service"
)

// AskLogRepository stores question/answer audit records, including every
// tool invocation made while composing the answer.
type AskLogRepository struct {
	pool *pgxpool.Pool
}

func NewAskLogRepository(pool *pgxpool.Pool) *AskLogRepository {
	return &AskLogRepository{pool: pool}
}

func (r *AskLogRepository) CreateAskLog(ctx context.Context, entry service.AskLogEntry) (string, error) {
	retrievedJSON, _ := json.Marshal(entry.Retrieved)
	toolCallsJSON, _ := json.Marshal(entry.ToolCalls)
	if entry.Retrieved == nil {
		retrievedJSON = []byte("[]")
	}
	if entry.ToolCalls == nil {
		toolCallsJSON = []byte("[]")
	}

	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ask_logs (id, chat_id, question, answer, abstained, retrieved, tool_calls, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, entry.ChatID, entry.Question, entry.Answer, entry.Abstained,
		retrievedJSON, toolCallsJSON, entry.DurationMS, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}
