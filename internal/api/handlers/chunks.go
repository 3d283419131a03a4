package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/quillstone/chatrecall/internal/api"
	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/pagination"
)

const (
	defaultChunkPageSize = 20
	maxChunkPageSize     = 100
)

type ChunkLister interface {
	ListByChat(ctx context.Context, chatID int64, afterFirstMessageID int64, limit int) ([]*domain.Chunk, error)
}

// ChunkHandler serves the operator view over a chat's live chunks.
type ChunkHandler struct {
	chunks ChunkLister
}

func NewChunkHandler(chunks ChunkLister) *ChunkHandler {
	return &ChunkHandler{chunks: chunks}
}

type ChunkResponse struct {
	ID             string  `json:"id"`
	ChatID         int64   `json:"chat_id"`
	FirstMessageID int64   `json:"first_message_id"`
	LastMessageID  int64   `json:"last_message_id"`
	TimeRangeStart string  `json:"time_range_start"`
	TimeRangeEnd   string  `json:"time_range_end"`
	Participants   []int64 `json:"participants"`
	MessageCount   int32   `json:"message_count"`
	Status         string  `json:"status"`
	Open           bool    `json:"open"`
}

func chunkToResponse(c *domain.Chunk) ChunkResponse {
	return ChunkResponse{
		ID:             c.ID,
		ChatID:         c.ChatID,
		FirstMessageID: c.FirstMessageID,
		LastMessageID:  c.LastMessageID,
		TimeRangeStart: c.TimeRangeStart.UTC().Format(time.RFC3339),
		TimeRangeEnd:   c.TimeRangeEnd.UTC().Format(time.RFC3339),
		Participants:   c.Participants,
		MessageCount:   c.MessageCount,
		Status:         string(c.Status),
		Open:           c.Open,
	}
}

func (h *ChunkHandler) List(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	limit := defaultChunkPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed > maxChunkPageSize {
			parsed = maxChunkPageSize
		}
		limit = parsed
	}

	after, err := pagination.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	chunks, err := h.chunks.ListByChat(r.Context(), chatID, after, limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	items := make([]ChunkResponse, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, chunkToResponse(c))
	}

	api.Success(w, http.StatusOK, pagination.PageResult[ChunkResponse]{
		Items: items,
		Cursor: pagination.CreateNextCursor(items, limit, func(c ChunkResponse) int64 {
			return c.FirstMessageID
		}),
		HasMore: len(items) == limit,
	})
}
