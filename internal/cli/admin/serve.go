package admin

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/quillstone/chatrecall/internal/api/handlers"
	"github.com/quillstone/chatrecall/internal/chunker"
	"github.com/quillstone/chatrecall/internal/config"
	"github.com/quillstone/chatrecall/internal/jobs"
	"github.com/quillstone/chatrecall/internal/openai"
	"github.com/quillstone/chatrecall/internal/repository"
	"github.com/quillstone/chatrecall/internal/server"
	"github.com/quillstone/chatrecall/internal/service"
	"github.com/quillstone/chatrecall/internal/storage"
	"github.com/quillstone/chatrecall/internal/telemetry"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest API and pipeline worker",
		Long:  "Start the chatrecall HTTP API and the background worker that chunks and embeds chat history",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-worker", false, "Serve the API without the pipeline worker")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize Sentry with tracing if SENTRY_DSN is set
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		environment := os.Getenv("ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}

		// Default to 10% sampling in production, 100% in development
		sampleRate := 0.1
		if environment == "development" {
			sampleRate = 1.0
		}

		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			DSN:              dsn,
			Environment:      environment,
			TracesSampleRate: sampleRate,
		})
		if err != nil {
			log.Printf("telemetry init failed (continuing without tracing): %v", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("connected to database")

	// Run migrations unless --no-migrate flag is set
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	txRunner := repository.NewTxRunner(pool)
	poolRepos := repository.NewPoolRepos(pool)
	chunkRepo := repository.NewChunkRepository(pool)
	workItemRepo := repository.NewWorkItemRepository(pool)
	askLogRepo := repository.NewAskLogRepository(pool)

	chunkCfg := chunker.Config{
		GapThreshold: cfg.ChunkGapThreshold,
		MaxMessages:  cfg.ChunkMaxMessages,
		MaxTokens:    cfg.ChunkMaxTokens,
		MinMessages:  cfg.ChunkMinMessages,
	}

	ingestSvc := service.NewIngestService(txRunner)

	var embeddingClient *openai.Client
	var chatClient *openai.ChatClient
	if cfg.HasOpenAI() {
		embeddingClient = openai.NewClientWithConfig(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			EmbeddingModel: cfg.EmbeddingModel,
		})
		chatClient = openai.NewChatClient(cfg.OpenAIAPIKey, cfg.ChatModel)
	}

	var pipelineWorker *jobs.Worker
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); !noWorker && embeddingClient != nil {
		indexerSvc := service.NewIndexerService(txRunner, poolRepos, embeddingClient, chunkCfg, embeddingClient.ModelID())

		if cfg.HasS3() {
			s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
				Endpoint:        cfg.S3Endpoint,
				Region:          cfg.S3Region,
				AccessKeyID:     cfg.S3AccessKey,
				SecretAccessKey: cfg.S3SecretKey,
				Bucket:          cfg.S3Bucket,
				UsePathStyle:    true,
			})
			if err != nil {
				return fmt.Errorf("failed to create S3 client: %w", err)
			}
			if err := s3Client.EnsureBucket(ctx); err != nil {
				return fmt.Errorf("failed to ensure S3 bucket: %w", err)
			}
			log.Printf("transcript archive bucket '%s' ready", cfg.S3Bucket)
			indexerSvc = indexerSvc.WithArchiver(s3Client)
		}

		processor := jobs.NewPipelineWorker(workItemRepo, indexerSvc, jobs.PipelineWorkerConfig{
			BatchSize:   cfg.WorkerBatchSize,
			Lease:       cfg.WorkerLease,
			BaseBackoff: cfg.WorkerBaseBackoff,
			MaxAttempts: int32(cfg.WorkerMaxAttempts),
		})
		pipelineWorker = jobs.NewWorker(processor, cfg.WorkerPollInterval)
		go pipelineWorker.Start(ctx)
		log.Println("pipeline worker started")
	} else if embeddingClient == nil {
		log.Println("no OpenAI key configured; indexing and asking are disabled")
	}

	// Status and Backfill run off the database alone; only Ask degrades
	// when no provider is configured.
	var retrieverSvc service.Retriever
	var composerSvc service.Composer
	if embeddingClient != nil && chatClient != nil {
		retrieverSvc = service.NewRetrieverService(chunkRepo, embeddingClient, embeddingClient.ModelID(), service.RetrieverConfig{
			TopK:          cfg.RetrieveTopK,
			MinSimilarity: float32(cfg.RetrieveMinSimilarity),
		})
		composerSvc = service.NewComposerService(chatClient, nil, service.ComposerConfig{
			MaxToolCalls: cfg.MaxToolCalls,
			ToolTimeout:  cfg.ToolTimeout,
		})
	}
	askSvc := service.NewAskService(retrieverSvc, composerSvc, askLogRepo, workItemRepo, chunkRepo, cfg.AskTimeout)

	router := server.NewRouter(server.RouterConfig{
		EventHandler: handlers.NewEventHandler(ingestSvc),
		AskHandler:   handlers.NewAskHandler(askSvc),
		ChunkHandler: handlers.NewChunkHandler(chunkRepo),
		WorkHandler:  handlers.NewWorkHandler(workItemRepo),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	if pipelineWorker != nil {
		pipelineWorker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}

func runMigrations(databaseURL string) error {
	// Create a sql.DB connection for golang-migrate
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if err == migrate.ErrNilVersion {
		log.Println("migrations: database is up to date (no migrations applied)")
	} else if dirty {
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	} else if err == migrate.ErrNoChange {
		log.Printf("migrations: database is up to date (version %d)", version)
	} else {
		log.Printf("migrations: applied successfully (version %d)", version)
	}

	return nil
}
