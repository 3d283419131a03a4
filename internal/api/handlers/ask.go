package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillstone/chatrecall/internal/api"
	"github.com/quillstone/chatrecall/internal/domain"
	"github.com/quillstone/chatrecall/internal/service"
)

type AskServiceInterface interface {
	Ask(ctx context.Context, chatID int64, question string) (*domain.Answer, error)
	Status(ctx context.Context, chatID int64) (*service.ChatStatus, error)
	Backfill(ctx context.Context, chatID, fromMessageID, toMessageID int64) (bool, error)
}

type AskHandler struct {
	svc AskServiceInterface
}

func NewAskHandler(svc AskServiceInterface) *AskHandler {
	return &AskHandler{svc: svc}
}

type AskRequest struct {
	Question string `json:"question"`
}

type CitationResponse struct {
	ChunkID        string `json:"chunk_id"`
	ChatID         int64  `json:"chat_id"`
	FirstMessageID int64  `json:"first_message_id"`
	LastMessageID  int64  `json:"last_message_id"`
	TimeRangeStart string `json:"time_range_start"`
	TimeRangeEnd   string `json:"time_range_end"`
}

type AskResponse struct {
	Answer    string             `json:"answer"`
	Abstained bool               `json:"abstained"`
	Citations []CitationResponse `json:"citations"`
}

type StatusResponse struct {
	ChatID       int64  `json:"chat_id"`
	LastIndexed  string `json:"last_indexed,omitempty"`
	PendingItems int64  `json:"pending_items"`
	FailedItems  int64  `json:"failed_items"`
}

// BackfillRequest bounds the range to re-chunk. Both fields are
// optional; zero means an open bound.
type BackfillRequest struct {
	FromMessageID int64 `json:"from_message_id"`
	ToMessageID   int64 `json:"to_message_id"`
}

type BackfillResponse struct {
	Enqueued bool `json:"enqueued"`
}

func chatIDParam(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "chatID")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || chatID == 0 {
		return 0, false
	}
	return chatID, true
}

func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		api.Error(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := h.svc.Ask(r.Context(), chatID, req.Question)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	citations := make([]CitationResponse, 0, len(answer.Citations))
	for _, c := range answer.Citations {
		citations = append(citations, CitationResponse{
			ChunkID:        c.ChunkID,
			ChatID:         c.ChatID,
			FirstMessageID: c.FirstMessageID,
			LastMessageID:  c.LastMessageID,
			TimeRangeStart: c.TimeRangeStart.UTC().Format(time.RFC3339),
			TimeRangeEnd:   c.TimeRangeEnd.UTC().Format(time.RFC3339),
		})
	}

	api.Success(w, http.StatusOK, AskResponse{
		Answer:    answer.Text,
		Abstained: answer.Abstained,
		Citations: citations,
	})
}

func (h *AskHandler) Status(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	status, err := h.svc.Status(r.Context(), chatID)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := StatusResponse{
		ChatID:       status.ChatID,
		PendingItems: status.PendingItems,
		FailedItems:  status.FailedItems,
	}
	if !status.LastIndexed.IsZero() {
		resp.LastIndexed = status.LastIndexed.UTC().Format(time.RFC3339)
	}

	api.Success(w, http.StatusOK, resp)
}

func (h *AskHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enqueued, err := h.svc.Backfill(r.Context(), chatID, req.FromMessageID, req.ToMessageID)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, BackfillResponse{Enqueued: enqueued})
}
