package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/quillstone/chatrecall/internal/config"
	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/repository"
)

// BackfillCmd returns the backfill command
func BackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue a historical re-chunk for one chat",
		Long:  "Enqueue a chunk_region work item covering a chat's historical message range. A running serve worker picks it up. Zero bounds are open.",
		RunE:  runBackfill,
	}

	cmd.Flags().Int64("chat", 0, "Chat ID to backfill (required)")
	cmd.Flags().Int64("from", 0, "First message ID of the range (0 = start of history)")
	cmd.Flags().Int64("to", 0, "Last message ID of the range (0 = end of history)")
	cmd.MarkFlagRequired("chat")

	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	chatID, _ := cmd.Flags().GetInt64("chat")
	from, _ := cmd.Flags().GetInt64("from")
	to, _ := cmd.Flags().GetInt64("to")

	if chatID == 0 {
		return fmt.Errorf("chat id is required")
	}
	if from < 0 || to < 0 {
		return fmt.Errorf("message bounds must not be negative")
	}
	if to != 0 && from > to {
		return fmt.Errorf("from message id %d is past the to message id %d", from, to)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	workItems := repository.NewWorkItemRepository(pool)
	enqueued, err := workItems.Enqueue(ctx, &domain.WorkItem{
		ID:            uuid.NewString(),
		Kind:          domain.WorkItemKindChunkRegion,
		ChatID:        chatID,
		FromMessageID: from,
		ToMessageID:   to,
		State:         domain.WorkItemStateQueued,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue backfill: %w", err)
	}

	if enqueued {
		log.Printf("backfill enqueued for chat %d (from=%d to=%d)", chatID, from, to)
	} else {
		log.Printf("an identical backfill is already queued for chat %d", chatID)
	}
	return nil
}
