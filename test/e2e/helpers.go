//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstone/chatrecall/internal/api/handlers"
	"github.com/quillstone/chatrecall/internal/chunker"
	"github.com/quillstone/chatrecall/internal/jobs"
	"github.com/quillstone/chatrecall/internal/repository"
	"github.com/quillstone/chatrecall/internal/server"
	"github.com/quillstone/chatrecall/internal/service"
	"github.com/quillstone/chatrecall/internal/storage"
	"github.com/quillstone/chatrecall/internal/testutil"
)

// wordHashEmbedder replaces the embedding capability end to end: each
// word contributes one fixed axis, so overlapping texts score high and
// disjoint texts score zero, deterministically.
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

// citingChatClient replaces the chat completion capability: it always
// answers from the first excerpt with a [1] citation marker.
type citingChatClient struct{}

func (citingChatClient) Complete(ctx context.Context, req service.ChatRequest) (service.ChatResult, error) {
	return service.ChatResult{Text: "Based on the chat history, here is what happened [1]."}, nil
}

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T            *testing.T
	Ctx          context.Context
	PostgresC    *testutil.PostgresContainer
	RustFSC      *testutil.RustFSContainer
	Pool         *pgxpool.Pool
	ServerURL    string
	ServerCloser func()
	S3Client     *storage.S3Client
	WorkItems    *repository.WorkItemRepository
	Chunks       *repository.ChunkRepository
	HTTPClient   *http.Client
}

// SetupE2EEnv creates a full E2E test environment with containers and server
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "chatrecall-archive",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}

	serverURL, serverCloser := startServer(t, pool, s3Client, port)

	return &E2ETestEnv{
		T:            t,
		Ctx:          ctx,
		PostgresC:    pgC,
		RustFSC:      s3C,
		Pool:         pool,
		ServerURL:    serverURL,
		ServerCloser: serverCloser,
		S3Client:     s3Client,
		WorkItems:    repository.NewWorkItemRepository(pool),
		Chunks:       repository.NewChunkRepository(pool),
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.ServerCloser != nil {
		e.ServerCloser()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
}

// WaitForDrain blocks until a chat's work queue is empty.
func (e *E2ETestEnv) WaitForDrain(chatID int64, timeout time.Duration) {
	e.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pending, err := e.WorkItems.CountPending(e.Ctx, chatID)
		if err != nil {
			e.T.Fatalf("failed to count pending work: %v", err)
		}
		if pending == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.T.Fatalf("work queue for chat %d did not drain within %v", chatID, timeout)
}

// APIResponse represents a standard API response
type APIResponse struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	return e.doRequest("GET", path, nil)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest("POST", path, body)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	apiResp := APIResponse{Status: resp.StatusCode}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, fmt.Errorf("HTTP %d: unparseable body: %s", resp.StatusCode, respBody)
		}
	}
	return &apiResp, nil
}

// startServer wires the full application stack against stub model
// capabilities and starts it on the given port, background worker
// included.
func startServer(t *testing.T, pool *pgxpool.Pool, s3Client *storage.S3Client, port int) (string, func()) {
	txRunner := repository.NewTxRunner(pool)
	poolRepos := repository.NewPoolRepos(pool)
	chunkRepo := repository.NewChunkRepository(pool)
	workItemRepo := repository.NewWorkItemRepository(pool)
	askLogRepo := repository.NewAskLogRepository(pool)

	chunkCfg := chunker.Config{
		GapThreshold:        15 * time.Minute,
		MaxMessages:         10,
		MaxTokens:           500,
		MinMessages:         2,
		MergeOverflowFactor: 1.5,
	}
	embedder := wordHashEmbedder{}

	ingestSvc := service.NewIngestService(txRunner)
	indexerSvc := service.NewIndexerService(txRunner, poolRepos, embedder, chunkCfg, "e2e-model").
		WithArchiver(s3Client)
	retrieverSvc := service.NewRetrieverService(chunkRepo, embedder, "e2e-model",
		service.RetrieverConfig{TopK: 5, MinSimilarity: 0.1})
	composerSvc := service.NewComposerService(citingChatClient{}, nil, service.DefaultComposerConfig())
	askSvc := service.NewAskService(retrieverSvc, composerSvc, askLogRepo, workItemRepo, chunkRepo, 30*time.Second)

	router := server.NewRouter(server.RouterConfig{
		EventHandler: handlers.NewEventHandler(ingestSvc),
		AskHandler:   handlers.NewAskHandler(askSvc),
		ChunkHandler: handlers.NewChunkHandler(chunkRepo),
		WorkHandler:  handlers.NewWorkHandler(workItemRepo),
	})

	pipeline := jobs.NewPipelineWorker(workItemRepo, indexerSvc, jobs.PipelineWorkerConfig{
		BatchSize:   10,
		Lease:       time.Minute,
		BaseBackoff: 100 * time.Millisecond,
		MaxAttempts: 3,
	})
	worker := jobs.NewWorker(pipeline, 100*time.Millisecond)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	go worker.Start(workerCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	serverURL := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, serverURL, 10*time.Second)

	return serverURL, func() {
		workerCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("server did not become ready in time")
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
