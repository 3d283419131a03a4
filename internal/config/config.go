package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	ChatModel      string `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`

	// Chunker bounds. Gap closes a chunk, max caps it, min merges
	// undersized fragments forward.
	ChunkGapThreshold time.Duration `envconfig:"CHUNK_GAP_THRESHOLD" default:"15m"`
	ChunkMaxMessages  int           `envconfig:"CHUNK_MAX_MESSAGES" default:"80"`
	ChunkMaxTokens    int           `envconfig:"CHUNK_MAX_TOKENS" default:"1500"`
	ChunkMinMessages  int           `envconfig:"CHUNK_MIN_MESSAGES" default:"3"`

	// Worker queue tuning.
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"2s"`
	WorkerBatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	WorkerLease        time.Duration `envconfig:"WORKER_LEASE" default:"2m"`
	WorkerBaseBackoff  time.Duration `envconfig:"WORKER_BASE_BACKOFF" default:"10s"`
	WorkerMaxAttempts  int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"5"`

	// Retrieval tuning.
	RetrieveTopK          int     `envconfig:"RETRIEVE_TOP_K" default:"5"`
	RetrieveMinSimilarity float64 `envconfig:"RETRIEVE_MIN_SIMILARITY" default:"0.25"`

	// Composer bounds.
	AskTimeout   time.Duration `envconfig:"ASK_TIMEOUT" default:"60s"`
	MaxToolCalls int           `envconfig:"MAX_TOOL_CALLS" default:"4"`
	ToolTimeout  time.Duration `envconfig:"TOOL_TIMEOUT" default:"15s"`

	// Optional transcript archive for superseded chunks.
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"chatrecall-archive"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("CHATRECALL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}
