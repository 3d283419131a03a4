package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/quillstone/chatrecall/internal/domain"
)

// MockJobProcessor is a mock implementation of JobProcessor
type MockJobProcessor struct {
	mock.Mock
}

func (m *MockJobProcessor) ProcessJobs(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockWorkQueue is a mock implementation of WorkQueue
type MockWorkQueue struct {
	mock.Mock
}

func (m *MockWorkQueue) Claim(ctx context.Context, limit int, lease time.Duration) ([]*domain.WorkItem, error) {
	args := m.Called(ctx, limit, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.WorkItem), args.Error(1)
}

func (m *MockWorkQueue) Complete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockWorkQueue) Retry(ctx context.Context, id string, errMsg string, backoff time.Duration) error {
	args := m.Called(ctx, id, errMsg, backoff)
	return args.Error(0)
}

func (m *MockWorkQueue) Fail(ctx context.Context, id string, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockWorkQueue) ReclaimExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockWorkItemProcessor is a mock implementation of WorkItemProcessor
type MockWorkItemProcessor struct {
	mock.Mock
}

func (m *MockWorkItemProcessor) Process(ctx context.Context, item *domain.WorkItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// TestWorker_StartStop tests the worker start and stop functionality
func TestWorker_StartStop(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(250 * time.Millisecond)

	worker.Stop()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

// TestWorker_ContextCancellation tests worker stops on context cancellation
func TestWorker_ContextCancellation(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(150 * time.Millisecond)

	cancel()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

// TestPipelineWorker_ProcessJobs_NoReadyItems tests an idle poll
func TestPipelineWorker_ProcessJobs_NoReadyItems(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{}, nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

// TestPipelineWorker_ProcessJobs_Success tests successful item processing
func TestPipelineWorker_ProcessJobs_Success(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	item := &domain.WorkItem{
		ID:     "item-1",
		ChatID: 42,
		Kind:   domain.WorkItemKindChunkRegion,
		State:  domain.WorkItemStateInProgress,
	}

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{item}, nil)
	mockProcessor.On("Process", mock.Anything, item).Return(nil)
	mockQueue.On("Complete", mock.Anything, "item-1").Return(nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertExpectations(t)
}

// TestPipelineWorker_ProcessJobs_FailureWithBackoff tests retry scheduling
func TestPipelineWorker_ProcessJobs_FailureWithBackoff(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	item := &domain.WorkItem{
		ID:       "item-1",
		ChatID:   42,
		Kind:     domain.WorkItemKindEmbedChunk,
		ChunkID:  "chunk-1",
		State:    domain.WorkItemStateInProgress,
		Attempts: 2,
	}

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{item}, nil)
	mockProcessor.On("Process", mock.Anything, item).Return(errors.New("embedding provider unavailable"))
	// Third attempt: base 10s doubled twice.
	mockQueue.On("Retry", mock.Anything, "item-1", "embedding provider unavailable", 40*time.Second).Return(nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertExpectations(t)
}

// TestPipelineWorker_ProcessJobs_MaxAttemptsExceeded tests terminal failure
func TestPipelineWorker_ProcessJobs_MaxAttemptsExceeded(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	item := &domain.WorkItem{
		ID:       "item-1",
		ChatID:   42,
		Kind:     domain.WorkItemKindEmbedChunk,
		ChunkID:  "chunk-1",
		State:    domain.WorkItemStateInProgress,
		Attempts: 4,
	}

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{item}, nil)
	mockProcessor.On("Process", mock.Anything, item).Return(errors.New("embedding provider unavailable"))
	mockQueue.On("Fail", mock.Anything, "item-1", mock.MatchedBy(func(msg string) bool {
		return msg != ""
	})).Return(nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertExpectations(t)
}

// TestPipelineWorker_ProcessJobs_InvariantViolationFailsImmediately tests
// that non-retryable errors skip the backoff ladder
func TestPipelineWorker_ProcessJobs_InvariantViolationFailsImmediately(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	item := &domain.WorkItem{
		ID:     "item-1",
		ChatID: 42,
		Kind:   domain.WorkItemKindChunkRegion,
		State:  domain.WorkItemStateInProgress,
	}

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{item}, nil)
	mockProcessor.On("Process", mock.Anything, item).Return(
		domain.NewDomainError(domain.ErrCodeInvariantViolation, "overlapping live chunks"))
	mockQueue.On("Fail", mock.Anything, "item-1", mock.MatchedBy(func(msg string) bool {
		return msg != ""
	})).Return(nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertExpectations(t)
	mockQueue.AssertNotCalled(t, "Retry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestPipelineWorker_ProcessJobs_OneBadItemDoesNotStallBatch tests batch isolation
func TestPipelineWorker_ProcessJobs_OneBadItemDoesNotStallBatch(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	bad := &domain.WorkItem{ID: "item-1", ChatID: 1, Kind: domain.WorkItemKindEmbedChunk, ChunkID: "c1"}
	good := &domain.WorkItem{ID: "item-2", ChatID: 2, Kind: domain.WorkItemKindEmbedChunk, ChunkID: "c2"}

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{bad, good}, nil)
	mockProcessor.On("Process", mock.Anything, bad).Return(errors.New("boom"))
	mockQueue.On("Retry", mock.Anything, "item-1", "boom", 10*time.Second).Return(nil)
	mockProcessor.On("Process", mock.Anything, good).Return(nil)
	mockQueue.On("Complete", mock.Anything, "item-2").Return(nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
	mockProcessor.AssertExpectations(t)
}

// TestPipelineWorker_ProcessJobs_ReclaimsExpiredLeases tests lease recovery
func TestPipelineWorker_ProcessJobs_ReclaimsExpiredLeases(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(3), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return([]*domain.WorkItem{}, nil)

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.NoError(t, err)
	mockQueue.AssertExpectations(t)
}

// TestPipelineWorker_ProcessJobs_ClaimError tests queue error handling
func TestPipelineWorker_ProcessJobs_ClaimError(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockProcessor := new(MockWorkItemProcessor)

	mockQueue.On("ReclaimExpired", mock.Anything).Return(int64(0), nil)
	mockQueue.On("Claim", mock.Anything, 10, 2*time.Minute).Return(nil, errors.New("database error"))

	worker := NewPipelineWorker(mockQueue, mockProcessor, DefaultPipelineWorkerConfig())
	err := worker.ProcessJobs(context.Background())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim work items")
	mockQueue.AssertExpectations(t)
}
