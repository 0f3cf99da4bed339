package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"luki-gateway/internal/cache"
	"luki-gateway/internal/encryption"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/model"
	"luki-gateway/internal/repository/scylla"
	"luki-gateway/internal/util"
)

// ConversationHandler serves the user's chat history from the gateway's own
// store, decrypting message content on the way out.
type ConversationHandler struct {
	repo      *scylla.ConversationRepository
	encryptor *encryption.Manager
	cache     *cache.ResponseCache
	logger    *zap.Logger
}

func NewConversationHandler(repo *scylla.ConversationRepository, encryptor *encryption.Manager, responseCache *cache.ResponseCache, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		repo:      repo,
		encryptor: encryptor,
		cache:     responseCache,
		logger:    logger,
	}
}

func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.List)
	r.Get("/conversations/{conversationID}", h.Get)
	r.Delete("/conversations/{conversationID}", h.Delete)
	r.Get("/conversations/{conversationID}/messages", h.Messages)
}

// List returns the caller's conversation threads.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conversations, err := h.repo.ListConversations(id.UserID, queryLimit(r, 50))
	if err != nil {
		h.logger.Error("failed to list conversations",
			util.String("user_id", id.UserID),
			util.ErrorField(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []*model.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

// Get returns one thread's metadata.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conv, err := h.repo.GetConversation(id.UserID, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Delete removes a thread and all of its messages, then drops the caller's
// cached listings so the thread disappears immediately.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	conv, err := h.repo.GetConversation(id.UserID, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	if err := h.repo.DeleteConversation(id.UserID, conversationID); err != nil {
		h.logger.Error("failed to delete conversation",
			util.String("user_id", id.UserID),
			util.String("conversation_id", conversationID),
			util.ErrorField(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	if h.cache != nil {
		h.cache.InvalidateIdentity(id.Key)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Messages returns the decrypted turns of one thread. Ownership is checked
// before any content is opened.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	conv, err := h.repo.GetConversation(id.UserID, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	messages, err := h.repo.ListMessages(conversationID, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	out := make([]*model.Message, 0, len(messages))
	for _, msg := range messages {
		content, err := h.encryptor.DecryptContent(r.Context(), &encryption.EncryptedContent{
			Ciphertext:   msg.Ciphertext,
			EncryptedDEK: msg.EncryptedDEK,
			KeyID:        msg.KeyID,
		})
		if err != nil {
			h.logger.Error("failed to decrypt message",
				util.String("message_id", msg.MessageID),
				util.ErrorField(err),
			)
			continue
		}
		msg.Content = content
		out = append(out, msg)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"messages":        out,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
