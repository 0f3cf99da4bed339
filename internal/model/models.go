package model

import "time"

// Conversation is one chat thread between a user and their companion.
type Conversation struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
	MessageCount   int       `json:"message_count"`
}

// Message is one turn in a conversation. Content is stored encrypted;
// the plaintext only exists in flight.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content,omitempty"`
	Ciphertext     string    `json:"-"`
	EncryptedDEK   string    `json:"-"`
	KeyID          string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatRequest is the gateway's inbound chat payload.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the gateway's reply, combining the agent's answer with
// the caller's remaining quota.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	Tier           string `json:"tier"`
	DailyLimit     int    `json:"daily_limit"`
	DailyUsed      int    `json:"daily_used"`
	DailyRemaining int    `json:"daily_remaining"`
}
