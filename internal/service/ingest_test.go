package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quillstone/chatrecall/internal/domain"
)

// MockEventRepository is a mock implementation of EventRepositoryInterface
type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Insert(ctx context.Context, e *domain.RawEvent) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepository) ExistsBySourceUpdateID(ctx context.Context, sourceUpdateID int64) (bool, error) {
	args := m.Called(ctx, sourceUpdateID)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepository) LatestRevision(ctx context.Context, chatID, messageID int64) (int32, string, error) {
	args := m.Called(ctx, chatID, messageID)
	return args.Get(0).(int32), args.String(1), args.Error(2)
}

func (m *MockEventRepository) ListLatestRevisions(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]domain.Message, error) {
	args := m.Called(ctx, chatID, fromMessageID, toMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

// MockChunkRepository is a mock implementation of ChunkRepositoryInterface
type MockChunkRepository struct {
	mock.Mock
}

func (m *MockChunkRepository) Insert(ctx context.Context, c *domain.Chunk) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *MockChunkRepository) GetByID(ctx context.Context, id string) (*domain.Chunk, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chunk), args.Error(1)
}

func (m *MockChunkRepository) FindLiveByMessage(ctx context.Context, chatID, messageID int64) (*domain.Chunk, error) {
	args := m.Called(ctx, chatID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chunk), args.Error(1)
}

func (m *MockChunkRepository) FindOpen(ctx context.Context, chatID int64) (*domain.Chunk, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chunk), args.Error(1)
}

func (m *MockChunkRepository) SupersedeOverlapping(ctx context.Context, chatID, fromMessageID, toMessageID int64) ([]string, error) {
	args := m.Called(ctx, chatID, fromMessageID, toMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockChunkRepository) UpdateStatus(ctx context.Context, id string, status domain.ChunkStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockChunkRepository) MarkStale(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockChunkRepository) UpsertEmbedding(ctx context.Context, e *domain.Embedding) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockChunkRepository) LastIndexedAt(ctx context.Context, chatID int64) (time.Time, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(time.Time), args.Error(1)
}

// MockWorkItemRepository is a mock implementation of WorkItemRepositoryInterface
type MockWorkItemRepository struct {
	mock.Mock
}

func (m *MockWorkItemRepository) Enqueue(ctx context.Context, w *domain.WorkItem) (bool, error) {
	args := m.Called(ctx, w)
	return args.Bool(0), args.Error(1)
}

// MockUUIDGenerator is a mock implementation of UUIDGenerator
type MockUUIDGenerator struct {
	callCount int
	uuids     []string
}

func NewMockUUIDGenerator(uuids ...string) *MockUUIDGenerator {
	return &MockUUIDGenerator{uuids: uuids}
}

func (m *MockUUIDGenerator) NewString() string {
	if m.callCount < len(m.uuids) {
		id := m.uuids[m.callCount]
		m.callCount++
		return id
	}
	return "default-uuid"
}

func notFoundErr() error {
	return domain.NewDomainError(domain.ErrCodeNotFound, "not found")
}

func validEvent() *domain.RawEvent {
	return &domain.RawEvent{
		SourceUpdateID: 1001,
		ChatID:         -100500,
		MessageID:      42,
		SenderID:       7,
		Timestamp:      time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC),
		Text:           "deploy is green",
		PayloadHash:    "abc123",
	}
}

func newIngestFixture() (*IngestService, *MockEventRepository, *MockChunkRepository, *MockWorkItemRepository, *testTxRunner) {
	events := new(MockEventRepository)
	chunks := new(MockChunkRepository)
	workItems := new(MockWorkItemRepository)
	tx := &testTxRunner{repos: &testTxRepos{events: events, chunks: chunks, workItems: workItems}}
	svc := NewIngestServiceWithUUIDGen(tx, NewMockUUIDGenerator("work-item-1"))
	return svc, events, chunks, workItems, tx
}

func TestIngestService_Record_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, tx := newIngestFixture()

	cases := []struct {
		name   string
		mutate func(*domain.RawEvent)
	}{
		{"missing source update id", func(e *domain.RawEvent) { e.SourceUpdateID = 0 }},
		{"missing chat id", func(e *domain.RawEvent) { e.ChatID = 0 }},
		{"missing message id", func(e *domain.RawEvent) { e.MessageID = 0 }},
		{"missing timestamp", func(e *domain.RawEvent) { e.Timestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(e)

			_, err := svc.Record(ctx, e)

			var domainErr *domain.DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
			assert.False(t, tx.called)
		})
	}
}

func TestIngestService_Record_NewMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("stores first message and enqueues region from it", func(t *testing.T) {
		svc, events, chunks, workItems, _ := newIngestFixture()
		e := validEvent()

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(0), "", notFoundErr())
		events.On("Insert", mock.Anything, mock.MatchedBy(func(stored *domain.RawEvent) bool {
			return stored.Revision == 0 && stored.MessageID == 42
		})).Return(true, nil)
		chunks.On("FindOpen", mock.Anything, e.ChatID).Return(nil, notFoundErr())
		workItems.On("Enqueue", mock.Anything, mock.MatchedBy(func(w *domain.WorkItem) bool {
			return w.ID == "work-item-1" &&
				w.Kind == domain.WorkItemKindChunkRegion &&
				w.ChatID == e.ChatID &&
				w.FromMessageID == 42 &&
				w.State == domain.WorkItemStateQueued
		})).Return(true, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeStored, outcome)
		events.AssertExpectations(t)
		chunks.AssertExpectations(t)
		workItems.AssertExpectations(t)
	})

	t.Run("extends an open chunk region backwards", func(t *testing.T) {
		svc, events, chunks, workItems, _ := newIngestFixture()
		e := validEvent()

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(0), "", notFoundErr())
		events.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
		chunks.On("FindOpen", mock.Anything, e.ChatID).Return(&domain.Chunk{
			ID:             "open-chunk",
			ChatID:         e.ChatID,
			FirstMessageID: 38,
			LastMessageID:  41,
			Open:           true,
		}, nil)
		workItems.On("Enqueue", mock.Anything, mock.MatchedBy(func(w *domain.WorkItem) bool {
			return w.FromMessageID == 38
		})).Return(true, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeStored, outcome)
		workItems.AssertExpectations(t)
	})
}

func TestIngestService_Record_Dedup(t *testing.T) {
	ctx := context.Background()

	t.Run("seen source update id short-circuits", func(t *testing.T) {
		svc, events, _, _, _ := newIngestFixture()
		e := validEvent()

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(true, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)
		events.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("non-edit redelivery under a fresh update id is a duplicate", func(t *testing.T) {
		svc, events, _, _, _ := newIngestFixture()
		e := validEvent()
		e.Edited = false

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(0), "abc123", nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)
		events.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("edit with identical payload hash is a duplicate", func(t *testing.T) {
		svc, events, _, _, _ := newIngestFixture()
		e := validEvent()
		e.Edited = true

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(2), "abc123", nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)
		events.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("insert losing the unique race is a duplicate", func(t *testing.T) {
		svc, events, chunks, workItems, _ := newIngestFixture()
		e := validEvent()

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(0), "", notFoundErr())
		events.On("Insert", mock.Anything, mock.Anything).Return(false, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeDuplicate, outcome)
		chunks.AssertNotCalled(t, "FindOpen", mock.Anything, mock.Anything)
		workItems.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})
}

func TestIngestService_Record_Edit(t *testing.T) {
	ctx := context.Background()

	t.Run("new revision marks owning chunk stale and re-chunks from its start", func(t *testing.T) {
		svc, events, chunks, workItems, _ := newIngestFixture()
		e := validEvent()
		e.Edited = true
		e.PayloadHash = "def456"

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(1), "abc123", nil)
		events.On("Insert", mock.Anything, mock.MatchedBy(func(stored *domain.RawEvent) bool {
			return stored.Revision == 2
		})).Return(true, nil)
		chunks.On("FindLiveByMessage", mock.Anything, e.ChatID, e.MessageID).Return(&domain.Chunk{
			ID:             "owner-chunk",
			ChatID:         e.ChatID,
			FirstMessageID: 30,
			LastMessageID:  45,
		}, nil)
		chunks.On("MarkStale", mock.Anything, "owner-chunk").Return(nil)
		workItems.On("Enqueue", mock.Anything, mock.MatchedBy(func(w *domain.WorkItem) bool {
			return w.FromMessageID == 30
		})).Return(true, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeStored, outcome)
		chunks.AssertExpectations(t)
		workItems.AssertExpectations(t)
	})

	t.Run("edit of a never-chunked message re-chunks from the message itself", func(t *testing.T) {
		svc, events, chunks, workItems, _ := newIngestFixture()
		e := validEvent()
		e.Edited = true
		e.PayloadHash = "def456"

		events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, nil)
		events.On("LatestRevision", mock.Anything, e.ChatID, e.MessageID).Return(int32(0), "abc123", nil)
		events.On("Insert", mock.Anything, mock.Anything).Return(true, nil)
		chunks.On("FindLiveByMessage", mock.Anything, e.ChatID, e.MessageID).Return(nil, notFoundErr())
		workItems.On("Enqueue", mock.Anything, mock.MatchedBy(func(w *domain.WorkItem) bool {
			return w.FromMessageID == 42
		})).Return(true, nil)

		outcome, err := svc.Record(ctx, e)

		require.NoError(t, err)
		assert.Equal(t, domain.RecordOutcomeStored, outcome)
		chunks.AssertNotCalled(t, "MarkStale", mock.Anything, mock.Anything)
	})
}

func TestIngestService_Record_RepositoryError(t *testing.T) {
	ctx := context.Background()
	svc, events, _, _, _ := newIngestFixture()
	e := validEvent()

	boom := errors.New("connection reset")
	events.On("ExistsBySourceUpdateID", mock.Anything, int64(1001)).Return(false, boom)

	_, err := svc.Record(ctx, e)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
