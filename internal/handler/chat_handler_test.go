package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/client"
	"luki-gateway/internal/config"
	"luki-gateway/internal/events"
	"luki-gateway/internal/identity"
	"luki-gateway/internal/model"
	"luki-gateway/internal/quota"
)

type capturingRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingRecorder) Record(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturingRecorder) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func newChatTestHandler(t *testing.T, agentURL string, freeDaily int) *ChatHandler {
	t.Helper()
	logger := zap.NewNop()

	tracker := quota.NewTracker(config.QuotaConfig{
		FreeDaily: freeDaily,
		PlusDaily: 2000,
		ProDaily:  10000,
	}, nil, logger)

	breakers := breaker.NewManager(config.BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, logger)

	agent := client.NewDownstream(client.ServiceAgent, agentURL, 5*time.Second, logger)
	return NewChatHandler(tracker, breakers, agent, nil, nil, nil, nil, logger)
}

func chatRequest(userID, message string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"message":"`+message+`"}`))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.RemoteAddr = "10.1.1.1:7000"
	return req.WithContext(identity.WithContext(req.Context(), identity.FromRequest(req)))
}

func TestChatHappyPath(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "u1", payload["user_id"])
		writeJSON(w, http.StatusOK, map[string]string{
			"conversation_id": "c1",
			"reply":           "hello there",
		})
	}))
	defer agent.Close()

	h := newChatTestHandler(t, agent.URL, 50)
	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "c1", resp.ConversationID)
	assert.Equal(t, "hello there", resp.Reply)
	assert.Equal(t, "free", resp.Tier)
	assert.Equal(t, 50, resp.DailyLimit)
	assert.Equal(t, 1, resp.DailyUsed)
	assert.Equal(t, 49, resp.DailyRemaining)
}

func TestChatRequiresAuthentication(t *testing.T) {
	h := newChatTestHandler(t, "http://localhost:1", 50)
	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("", "hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h := newChatTestHandler(t, "http://localhost:1", 50)
	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "   "))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatQuotaExceeded(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"conversation_id": "c1", "reply": "ok"})
	}))
	defer agent.Close()

	h := newChatTestHandler(t, agent.URL, 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Chat(rec, chatRequest("u1", "hi"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "daily quota exceeded", body["error"])
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Equal(t, float64(2), body["used"])
	assert.GreaterOrEqual(t, body["reset_in_hours"], float64(1))
}

func TestChatFailedCallCostsNoQuota(t *testing.T) {
	h := newChatTestHandler(t, "http://localhost:1", 2) // unreachable agent

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	quotaRec := httptest.NewRecorder()
	h.Quota(quotaRec, chatRequest("u1", ""))
	var usage quota.Usage
	require.NoError(t, json.Unmarshal(quotaRec.Body.Bytes(), &usage))
	assert.Equal(t, 0, usage.Used)
}

func TestChatBreakerOpensAndShortCircuits(t *testing.T) {
	h := newChatTestHandler(t, "http://localhost:1", 50) // unreachable agent

	// Two transport failures trip the breaker.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Chat(rec, chatRequest("u1", "hi"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatAgentServerErrorCountsAgainstBreaker(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer agent.Close()

	h := newChatTestHandler(t, agent.URL, 50)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Chat(rec, chatRequest("u1", "hi"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatEmitsUsageEventWithLatency(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{"conversation_id": "c1", "reply": "ok"})
	}))
	defer agent.Close()

	h := newChatTestHandler(t, agent.URL, 50)
	recorded := &capturingRecorder{}
	h.recorder = recorded

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	seen := recorded.all()
	require.Len(t, seen, 1)
	assert.Equal(t, events.TypeRequest, seen[0].Type)
	assert.Equal(t, "user:u1", seen[0].Identity)
	assert.Equal(t, http.StatusOK, seen[0].Status)
	// The agent held the request for 20ms; the event must carry that.
	assert.GreaterOrEqual(t, seen[0].LatencyMS, int64(10))
}

func TestChatQuotaExceededEmitsEvent(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"conversation_id": "c1", "reply": "ok"})
	}))
	defer agent.Close()

	h := newChatTestHandler(t, agent.URL, 1)
	recorded := &capturingRecorder{}
	h.recorder = recorded

	rec := httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Chat(rec, chatRequest("u1", "hi"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	seen := recorded.all()
	require.Len(t, seen, 2)
	assert.Equal(t, events.TypeQuotaExceeded, seen[1].Type)
	assert.Equal(t, http.StatusTooManyRequests, seen[1].Status)
	assert.Contains(t, seen[1].Detail, "daily quota exceeded")
}

func TestQuotaEndpoint(t *testing.T) {
	h := newChatTestHandler(t, "http://localhost:1", 50)

	rec := httptest.NewRecorder()
	req := chatRequest("u1", "")
	req.Method = http.MethodGet
	h.Quota(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var usage quota.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 50, usage.Limit)
	assert.Equal(t, 50, usage.Remaining)

	rec = httptest.NewRecorder()
	h.Quota(rec, chatRequest("", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
