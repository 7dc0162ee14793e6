package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/imoveisdaher/crm-gateway/internal/audit"
	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/http/middleware"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// ConversationReader is the store surface the admin console reads from.
type ConversationReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*conversations.Conversation, error)
	ListOpen(ctx context.Context, limit int) ([]conversations.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversations.MessageRecord, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID) error
}

// AdminConversationsHandler hosts the admin console endpoints for browsing
// and closing conversation threads.
type AdminConversationsHandler struct {
	store  ConversationReader
	leads  leads.Repository
	audit  *audit.Recorder
	logger *logging.Logger
}

func NewAdminConversationsHandler(store ConversationReader, leadsRepo leads.Repository, auditRec *audit.Recorder, logger *logging.Logger) *AdminConversationsHandler {
	if store == nil {
		panic("handlers: conversation store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminConversationsHandler{store: store, leads: leadsRepo, audit: auditRec, logger: logger}
}

// ListOpen handles GET /admin/conversations?limit=N.
func (h *AdminConversationsHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	convs, err := h.store.ListOpen(r.Context(), limit)
	if err != nil {
		h.logger.Error("list conversations failed", "error", err)
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Get handles GET /admin/conversations/{id}.
func (h *AdminConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	conv, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.conversationError(w, err, id, "load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ListMessages handles GET /admin/conversations/{id}/messages?limit=N.
func (h *AdminConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		h.logger.Error("list messages failed", "error", err, "conversation_id", id)
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// MarkRead handles POST /admin/conversations/{id}/read. Opening a thread in
// the console resets its unread counter.
func (h *AdminConversationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkRead(r.Context(), id); err != nil {
		h.conversationError(w, err, id, "mark read")
		return
	}
	h.logger.Info("conversation marked read", "conversation_id", id, "actor", middleware.AdminSubject(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Archive handles POST /admin/conversations/{id}/archive. Threads are
// archived, never deleted; the next message on the same lead and channel
// opens a fresh conversation.
func (h *AdminConversationsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.Archive(r.Context(), id); err != nil {
		h.conversationError(w, err, id, "archive")
		return
	}
	h.logger.Info("conversation archived", "conversation_id", id, "actor", middleware.AdminSubject(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// LeadActivity handles GET /admin/leads/{id}/activity.
func (h *AdminConversationsHandler) LeadActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if h.leads != nil {
		if _, err := h.leads.GetByID(r.Context(), id); err != nil {
			if errors.Is(err, leads.ErrLeadNotFound) {
				http.Error(w, "lead not found", http.StatusNotFound)
				return
			}
			h.logger.Error("lead lookup failed", "error", err, "lead_id", id)
			http.Error(w, "failed to load lead", http.StatusInternalServerError)
			return
		}
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []audit.Event{}})
		return
	}
	events, err := h.audit.ListByLead(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		h.logger.Error("list lead activity failed", "error", err, "lead_id", id)
		http.Error(w, "failed to list activity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *AdminConversationsHandler) conversationError(w http.ResponseWriter, err error, id uuid.UUID, op string) {
	if errors.Is(err, conversations.ErrConversationNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	h.logger.Error(op+" failed", "error", err, "conversation_id", id)
	http.Error(w, "failed to "+op, http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
