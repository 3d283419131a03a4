//go:build integration

package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/service"
)

func TestAskLogRepository_CreateAskLog(t *testing.T) {
	ctx := context.Background()
	pool := newIntegrationPool(ctx, t)
	repo := NewAskLogRepository(pool)

	id, err := repo.CreateAskLog(ctx, service.AskLogEntry{
		ChatID:    -100500,
		Question:  "who fixed the build?",
		Answer:    "Alice did [1].",
		Retrieved: []service.RetrievedRef{{ChunkID: "chunk-1", Score: 0.91}},
		ToolCalls: []domain.ToolInvocation{
			{Name: "web_search", Arguments: `{"query":"build"}`, Result: "ok", DurationMS: 120},
		},
		DurationMS: 950,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var (
		question  string
		abstained bool
		retrieved []byte
		toolCalls []byte
	)
	err = pool.QueryRow(ctx,
		`SELECT question, abstained, retrieved, tool_calls FROM ask_logs WHERE id = $1`, id,
	).Scan(&question, &abstained, &retrieved, &toolCalls)
	require.NoError(t, err)
	assert.Equal(t, "who fixed the build?", question)
	assert.False(t, abstained)

	var refs []service.RetrievedRef
	require.NoError(t, json.Unmarshal(retrieved, &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, "chunk-1", refs[0].ChunkID)

	var calls []domain.ToolInvocation
	require.NoError(t, json.Unmarshal(toolCalls, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "web_search", calls[0].Name)
}

func TestAskLogRepository_EmptyCollections(t *testing.T) {
	ctx := context.Background()
	pool := newIntegrationPool(ctx, t)
	repo := NewAskLogRepository(pool)

	id, err := repo.CreateAskLog(ctx, service.AskLogEntry{
		ChatID:    -100500,
		Question:  "anything about lunch?",
		Answer:    "No relevant history found for this question.",
		Abstained: true,
	})
	require.NoError(t, err)

	var retrieved, toolCalls []byte
	err = pool.QueryRow(ctx,
		`SELECT retrieved, tool_calls FROM ask_logs WHERE id = $1`, id,
	).Scan(&retrieved, &toolCalls)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(retrieved))
	assert.JSONEq(t, "[]", string(toolCalls))
}
