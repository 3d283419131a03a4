//go:build integration

package service

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstone/chatrecall/internal/chunker"
	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/repository"
	"github.com/quillstone/chatrecall/internal/testutil"
)

// wordHashEmbedder is a deterministic in-process embedding stand-in:
// each word contributes one axis, so texts sharing words are similar
// and disjoint texts are orthogonal.
type wordHashEmbedder struct{}

func (wordHashEmbedder) GenerateEmbedding(ctx context.Context, text, modelID string) ([]float32, error) {
	v := make([]float32, 1536)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%1536]++
	}
	return v, nil
}

type pipelineFixture struct {
	ingest    *IngestService
	indexer   *IndexerService
	retriever *RetrieverService
	workItems *repository.WorkItemRepository
	chunks    *repository.ChunkRepository
}

func newPipelineFixture(ctx context.Context, t *testing.T) *pipelineFixture {
	t.Helper()
	pc := testutil.NewPostgresContainer(ctx, t)
	t.Cleanup(func() { pc.Terminate(ctx) })

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	t.Cleanup(pool.Close)

	txRunner := repository.NewTxRunner(pool)
	poolRepos := repository.NewPoolRepos(pool)
	chunkRepo := repository.NewChunkRepository(pool)
	workItemRepo := repository.NewWorkItemRepository(pool)

	cfg := chunker.Config{
		GapThreshold:        15 * time.Minute,
		MaxMessages:         10,
		MaxTokens:           500,
		MinMessages:         2,
		MergeOverflowFactor: 1.5,
	}
	embedder := wordHashEmbedder{}

	return &pipelineFixture{
		ingest:    NewIngestService(txRunner),
		indexer:   NewIndexerService(txRunner, poolRepos, embedder, cfg, "test-model"),
		retriever: NewRetrieverService(chunkRepo, embedder, "test-model", RetrieverConfig{TopK: 5, MinSimilarity: 0.1}),
		workItems: workItemRepo,
		chunks:    chunkRepo,
	}
}

// drain claims and processes work items until the queue is empty, the
// way the background worker does.
func (f *pipelineFixture) drain(ctx context.Context, t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		items, err := f.workItems.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			require.NoError(t, f.indexer.Process(ctx, item))
			require.NoError(t, f.workItems.Complete(ctx, item.ID))
		}
	}
	t.Fatal("work queue did not drain")
}

func (f *pipelineFixture) record(ctx context.Context, t *testing.T, e *domain.RawEvent) {
	t.Helper()
	_, err := f.ingest.Record(ctx, e)
	require.NoError(t, err)
}

func pipelineEvent(sourceUpdateID, chatID, messageID int64, at time.Time, text string) *domain.RawEvent {
	return &domain.RawEvent{
		SourceUpdateID: sourceUpdateID,
		ChatID:         chatID,
		MessageID:      messageID,
		SenderID:       7,
		Timestamp:      at,
		Text:           text,
		PayloadHash:    "hash:" + text,
	}
}

func TestPipelineIntegration_IngestIndexRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(ctx, t)
	base := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	f.record(ctx, t, pipelineEvent(1, -100500, 1, base, "the deploy failed on staging"))
	f.record(ctx, t, pipelineEvent(2, -100500, 2, base.Add(time.Minute), "rolling back the deploy now"))
	f.record(ctx, t, pipelineEvent(3, -100500, 3, base.Add(2*time.Minute), "rollback done, staging is green"))
	// An unrelated conversation in another chat.
	f.record(ctx, t, pipelineEvent(4, -200900, 1, base, "pizza or sushi for lunch"))
	f.record(ctx, t, pipelineEvent(5, -200900, 2, base.Add(time.Minute), "sushi obviously"))

	f.drain(ctx, t)

	results, err := f.retriever.Retrieve(ctx, -100500, "what happened with the deploy?")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Chunk.RenderedText, "deploy failed on staging")
	for _, r := range results {
		assert.Equal(t, int64(-100500), r.Chunk.ChatID)
		assert.Equal(t, domain.ChunkStatusIndexed, r.Chunk.Status)
	}

	// The lunch chat's content never leaks into this chat's retrieval.
	for _, r := range results {
		assert.NotContains(t, r.Chunk.RenderedText, "sushi")
	}
}

func TestPipelineIntegration_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(ctx, t)
	base := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	e := pipelineEvent(1, -100500, 1, base, "the deploy failed on staging")
	f.record(ctx, t, e)

	outcome, err := f.ingest.Record(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)

	// Redelivery under a fresh update id is also a duplicate.
	redelivered := pipelineEvent(99, -100500, 1, base, "the deploy failed on staging")
	outcome, err = f.ingest.Record(ctx, redelivered)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)

	f.drain(ctx, t)

	chunks, err := f.chunks.ListByChat(ctx, -100500, 0, 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestPipelineIntegration_EditReplacesChunk(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(ctx, t)
	base := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	f.record(ctx, t, pipelineEvent(1, -100500, 1, base, "meeting moved to thursday"))
	f.record(ctx, t, pipelineEvent(2, -100500, 2, base.Add(time.Minute), "noted"))
	f.drain(ctx, t)

	before, err := f.chunks.ListByChat(ctx, -100500, 0, 10)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Contains(t, before[0].RenderedText, "thursday")

	edit := pipelineEvent(3, -100500, 1, base, "meeting moved to friday")
	edit.Edited = true
	f.record(ctx, t, edit)
	f.drain(ctx, t)

	after, err := f.chunks.ListByChat(ctx, -100500, 0, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Contains(t, after[0].RenderedText, "friday")
	assert.NotContains(t, after[0].RenderedText, "thursday")

	// The original chunk survives as superseded history.
	old, err := f.chunks.GetByID(ctx, before[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkStatusSuperseded, old.Status)
}
