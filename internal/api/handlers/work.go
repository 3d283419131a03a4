package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/quillstone/chatrecall/internal/api"
	"github.com/quillstone/chatrecall/internal/domain"
)

const defaultFailedPageSize = 50

type WorkItemLister interface {
	ListFailed(ctx context.Context, limit int) ([]*domain.WorkItem, error)
}

// WorkHandler serves the operator view over terminally failed work
// items, the ones that exhausted their retries.
type WorkHandler struct {
	workItems WorkItemLister
}

func NewWorkHandler(workItems WorkItemLister) *WorkHandler {
	return &WorkHandler{workItems: workItems}
}

type WorkItemResponse struct {
	ID            string `json:"id"`
	ChatID        int64  `json:"chat_id"`
	Kind          string `json:"kind"`
	FromMessageID int64  `json:"from_message_id,omitempty"`
	ToMessageID   int64  `json:"to_message_id,omitempty"`
	ChunkID       string `json:"chunk_id,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
	Attempts      int32  `json:"attempts"`
	LastError     string `json:"last_error"`
	UpdatedAt     string `json:"updated_at"`
}

func (h *WorkHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	items, err := h.workItems.ListFailed(r.Context(), limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := make([]WorkItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, WorkItemResponse{
			ID:            item.ID,
			ChatID:        item.ChatID,
			Kind:          string(item.Kind),
			FromMessageID: item.FromMessageID,
			ToMessageID:   item.ToMessageID,
			ChunkID:       item.ChunkID,
			ModelID:       item.ModelID,
			Attempts:      item.Attempts,
			LastError:     item.LastError,
			UpdatedAt:     item.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	api.Success(w, http.StatusOK, resp)
}
