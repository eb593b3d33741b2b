package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gwi.com/chat-shell/internal/core"
	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/store"
)

type APIHandler struct {
	chatService    *core.ChatService
	sessions       *core.SessionStore
	logger         *logging.Logger
	allowedOrigins []string
}

func NewAPIHandler(cs *core.ChatService, logger *logging.Logger, allowedOrigins []string) *APIHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &APIHandler{
		chatService:    cs,
		sessions:       cs.Store(),
		logger:         logger.Named("api"),
		allowedOrigins: allowedOrigins,
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrDuplicateSession), errors.Is(err, core.ErrDuplicateMessage):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, core.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Unexpected service error", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *APIHandler) writeSnapshot(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"hydrated": h.sessions.HasHydrated(),
	})
}

func (h *APIHandler) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w)
}

type CurrentSessionRequest struct {
	SessionID *string `json:"session_id"`
}

func (h *APIHandler) SetCurrentSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CurrentSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ""
	if req.SessionID != nil {
		id = *req.SessionID
	}
	if err := h.chatService.SelectSession(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSnapshot(w)
}

type TitleRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) SetTitleHandler(w http.ResponseWriter, r *http.Request) {
	var req TitleRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.sessions.SetTitle(req.Title)
	h.writeSnapshot(w)
}

// SetFlagsHandler applies every flag present in the body as one store commit.
func (h *APIHandler) SetFlagsHandler(w http.ResponseWriter, r *http.Request) {
	var req core.Flags
	if !h.decode(w, r, &req) {
		return
	}
	if req.IsEmpty() {
		http.Error(w, "At least one flag is required", http.StatusBadRequest)
		return
	}
	h.sessions.SetFlags(req)
	h.writeSnapshot(w)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sessions.Messages())
}

func (h *APIHandler) SetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	var messages []store.Message
	if !h.decode(w, r, &messages) {
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	if err := h.chatService.SetMessages(messages); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessions.Messages())
}

func (h *APIHandler) AddMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg store.Message
	if !h.decode(w, r, &msg) {
		return
	}
	created, err := h.chatService.AddMessage(msg)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) UpdateMessageHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	var patch store.MessagePatch
	if !h.decode(w, r, &patch) {
		return
	}
	if err := h.chatService.UpdateMessage(messageID, patch); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearMessagesHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sessions.GetSessions())
}

func (h *APIHandler) SetSessionsHandler(w http.ResponseWriter, r *http.Request) {
	var sessions []store.Session
	if !h.decode(w, r, &sessions) {
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	if err := h.chatService.SetSessions(sessions); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessions.GetSessions())
}

func (h *APIHandler) AddSessionHandler(w http.ResponseWriter, r *http.Request) {
	var sess store.Session
	if !h.decode(w, r, &sess) {
		return
	}
	created, err := h.chatService.AddSession(sess)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

type StartSessionRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusCreated, h.chatService.StartSession(req.Title))
}

func (h *APIHandler) UpdateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var patch store.SessionPatch
	if !h.decode(w, r, &patch) {
		return
	}
	if err := h.chatService.UpdateSession(sessionID, patch); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) RemoveSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.chatService.RemoveSession(sessionID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearAllSessionsHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearAllSessions()
	w.WriteHeader(http.StatusNoContent)
}
