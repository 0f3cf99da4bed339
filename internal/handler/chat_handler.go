package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/cache"
	"luki-gateway/internal/client"
	"luki-gateway/internal/encryption"
	"luki-gateway/internal/events"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/model"
	"luki-gateway/internal/quota"
	"luki-gateway/internal/repository/scylla"
	"luki-gateway/internal/util"
)

const maxChatBodyBytes = 64 * 1024

// ChatHandler owns the chat flow: quota gate, breaker-protected agent call,
// usage accounting, and conversation persistence.
type ChatHandler struct {
	tracker   *quota.Tracker
	breakers  *breaker.Manager
	agent     *client.Downstream
	convRepo  *scylla.ConversationRepository
	encryptor *encryption.Manager
	cache     *cache.ResponseCache
	recorder  EventRecorder
	logger    *zap.Logger
}

func NewChatHandler(
	tracker *quota.Tracker,
	breakers *breaker.Manager,
	agent *client.Downstream,
	convRepo *scylla.ConversationRepository,
	encryptor *encryption.Manager,
	responseCache *cache.ResponseCache,
	recorder EventRecorder,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		tracker:   tracker,
		breakers:  breakers,
		agent:     agent,
		convRepo:  convRepo,
		encryptor: encryptor,
		cache:     responseCache,
		recorder:  recorder,
		logger:    logger,
	}
}

func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
	r.Get("/chat/quota", h.Quota)
}

// agentReply is the shape the agent service answers with.
type agentReply struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

// Chat handles one user message: check the daily quota, forward to the
// agent under its breaker, then record usage and persist the turn. Usage
// is only recorded after the agent answered; failed calls cost nothing.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req model.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = util.SanitizeInput(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := h.tracker.Check(r.Context(), id.UserID, id.Tier); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			h.recordEvent(events.TypeQuotaExceeded, id, r, http.StatusTooManyRequests, exceeded.Error(), time.Since(start))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":          "daily quota exceeded",
				"tier":           string(exceeded.Tier),
				"limit":          exceeded.Limit,
				"used":           exceeded.Used,
				"reset_in_hours": exceeded.ResetInHours,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	reply, err := h.callAgent(r.Context(), id, &req)
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			writeError(w, http.StatusServiceUnavailable, "companion is temporarily unavailable")
			return
		}
		h.logger.Error("agent call failed",
			util.String("user_id", id.UserID),
			util.ErrorField(err),
		)
		writeError(w, http.StatusBadGateway, "failed to reach companion")
		return
	}

	h.tracker.Record(r.Context(), id.UserID)
	h.persistTurn(r.Context(), id, reply.ConversationID, req.Message, reply.Reply)
	if h.cache != nil {
		h.cache.InvalidateIdentity(id.Key)
	}
	h.recordEvent(events.TypeRequest, id, r, http.StatusOK, "", time.Since(start))

	usage := h.tracker.Usage(r.Context(), id.UserID, id.Tier)
	writeJSON(w, http.StatusOK, model.ChatResponse{
		ConversationID: reply.ConversationID,
		Reply:          reply.Reply,
		Tier:           string(usage.Tier),
		DailyLimit:     usage.Limit,
		DailyUsed:      usage.Used,
		DailyRemaining: usage.Remaining,
	})
}

// Quota reports the caller's remaining daily budget without consuming any.
func (h *ChatHandler) Quota(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Usage(r.Context(), id.UserID, id.Tier))
}

func (h *ChatHandler) callAgent(ctx context.Context, id identity.Identity, req *model.ChatRequest) (*agentReply, error) {
	payload, err := json.Marshal(map[string]string{
		"user_id":         id.UserID,
		"conversation_id": req.ConversationID,
		"message":         req.Message,
	})
	if err != nil {
		return nil, err
	}

	var reply agentReply
	err = h.breakers.Execute(ctx, client.ServiceAgent, func(ctx context.Context) error {
		resp, err := h.agent.Do(ctx, http.MethodPost, "/v1/chat", nil, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.New("agent returned " + http.StatusText(resp.StatusCode))
		}
		return json.Unmarshal(resp.Body, &reply)
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// persistTurn stores both sides of the exchange encrypted at rest. Storage
// is best effort: a persistence failure never fails the chat response.
func (h *ChatHandler) persistTurn(ctx context.Context, id identity.Identity, conversationID, userMsg, assistantMsg string) {
	if h.convRepo == nil || h.encryptor == nil {
		return
	}

	conv, err := h.convRepo.GetConversation(id.UserID, conversationID)
	if err != nil {
		h.logger.Warn("failed to load conversation", util.ErrorField(err))
		return
	}
	if conv == nil {
		conv, err = h.convRepo.CreateConversation(id.UserID, conversationID, "")
		if err != nil {
			h.logger.Warn("failed to create conversation", util.ErrorField(err))
			return
		}
	}

	for _, turn := range []struct{ role, content string }{
		{"user", userMsg},
		{"assistant", assistantMsg},
	} {
		sealed, err := h.encryptor.EncryptContent(ctx, turn.content)
		if err != nil {
			h.logger.Warn("failed to encrypt message", util.ErrorField(err))
			return
		}
		msg := &model.Message{
			ConversationID: conv.ConversationID,
			UserID:         id.UserID,
			Role:           turn.role,
			Ciphertext:     sealed.Ciphertext,
			EncryptedDEK:   sealed.EncryptedDEK,
			KeyID:          sealed.KeyID,
		}
		if err := h.convRepo.AppendMessage(conv, msg); err != nil {
			h.logger.Warn("failed to persist message", util.ErrorField(err))
			return
		}
	}
}

func (h *ChatHandler) recordEvent(eventType string, id identity.Identity, r *http.Request, status int, detail string, latency time.Duration) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(events.Event{
		Type:      eventType,
		Identity:  id.Key,
		Tier:      string(id.Tier),
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		Detail:    detail,
	})
}
