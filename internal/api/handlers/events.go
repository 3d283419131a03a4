package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quillstone/chatrecall/internal/api"
	"github.com/quillstone/chatrecall/internal/domain"
)

type EventService interface {
	Record(ctx context.Context, e *domain.RawEvent) (domain.RecordOutcome, error)
}

type EventHandler struct {
	svc EventService
}

func NewEventHandler(svc EventService) *EventHandler {
	return &EventHandler{svc: svc}
}

type RecordEventRequest struct {
	SourceUpdateID int64  `json:"source_update_id"`
	ChatID         int64  `json:"chat_id"`
	MessageID      int64  `json:"message_id"`
	SenderID       int64  `json:"sender_id"`
	Timestamp      string `json:"timestamp"`
	Text           string `json:"text"`
	ReplyToID      *int64 `json:"reply_to_id,omitempty"`
	ThreadID       *int64 `json:"thread_id,omitempty"`
	Edited         bool   `json:"edited"`
}

type RecordEventResponse struct {
	Outcome string `json:"outcome"`
}

func (h *EventHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SourceUpdateID == 0 {
		api.Error(w, http.StatusBadRequest, "source_update_id is required")
		return
	}
	if req.ChatID == 0 {
		api.Error(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if req.MessageID == 0 {
		api.Error(w, http.StatusBadRequest, "message_id is required")
		return
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "timestamp must be RFC 3339")
		return
	}

	event := &domain.RawEvent{
		SourceUpdateID: req.SourceUpdateID,
		ChatID:         req.ChatID,
		MessageID:      req.MessageID,
		SenderID:       req.SenderID,
		Timestamp:      ts.UTC(),
		Text:           req.Text,
		ReplyToID:      req.ReplyToID,
		ThreadID:       req.ThreadID,
		PayloadHash:    hashPayload(req.Text),
		Edited:         req.Edited,
		ReceivedAt:     time.Now().UTC(),
	}

	outcome, err := h.svc.Record(r.Context(), event)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome == domain.RecordOutcomeDuplicate {
		status = http.StatusOK
	}
	api.Success(w, status, RecordEventResponse{Outcome: string(outcome)})
}

func hashPayload(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
