package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"luki-gateway/internal/model"
	"luki-gateway/internal/util"
)

// ConversationRepository persists chat threads and their encrypted turns.
type ConversationRepository struct {
	client *ScyllaClient
}

func NewConversationRepository(client *ScyllaClient) *ConversationRepository {
	return &ConversationRepository{client: client}
}

// CreateConversation starts a new thread for the user. An empty
// conversationID gets a fresh one; a non-empty one adopts the id minted
// upstream so both sides agree on the thread key.
func (r *ConversationRepository) CreateConversation(userID, conversationID, title string) (*model.Conversation, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	now := time.Now().UTC()
	conv := &model.Conversation{
		UserID:         userID,
		ConversationID: conversationID,
		Title:          title,
		StartedAt:      now,
		LastMessageAt:  now,
	}

	query := r.client.Prepared.InsertConversation.Bind(
		conv.UserID, conv.ConversationID, conv.Title,
		conv.StartedAt, conv.LastMessageAt, conv.MessageCount)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create conversation",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches one thread, or nil when it does not exist.
func (r *ConversationRepository) GetConversation(userID, conversationID string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	query := r.client.Prepared.GetConversation.Bind(userID, conversationID)

	err := r.client.ScanWithRetry(query,
		&conv.UserID, &conv.ConversationID, &conv.Title,
		&conv.StartedAt, &conv.LastMessageAt, &conv.MessageCount)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's threads, newest activity first is
// left to the table's clustering order.
func (r *ConversationRepository) ListConversations(userID string, limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := r.client.Prepared.ListConversations.Bind(userID, limit).Iter()
	defer iter.Close()

	var out []*model.Conversation
	for {
		conv := &model.Conversation{}
		if !iter.Scan(&conv.UserID, &conv.ConversationID, &conv.Title,
			&conv.StartedAt, &conv.LastMessageAt, &conv.MessageCount) {
			break
		}
		out = append(out, conv)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// AppendMessage stores one encrypted turn and bumps the thread's activity.
func (r *ConversationRepository) AppendMessage(conv *model.Conversation, msg *model.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertMessage.Bind(
		msg.ConversationID, msg.MessageID, msg.UserID, msg.Role,
		msg.Ciphertext, msg.EncryptedDEK, msg.KeyID, msg.CreatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append message",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		return fmt.Errorf("failed to append message: %w", err)
	}

	conv.MessageCount++
	conv.LastMessageAt = msg.CreatedAt

	touch := r.client.Prepared.TouchConversation.Bind(
		conv.LastMessageAt, conv.MessageCount, conv.UserID, conv.ConversationID)
	if err := r.client.ExecuteWithRetry(touch, 2); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a thread and its messages. Messages go first
// so a failure partway leaves the thread discoverable for a retry.
func (r *ConversationRepository) DeleteConversation(userID, conversationID string) error {
	messages := r.client.Prepared.DeleteMessages.Bind(conversationID)
	if err := r.client.ExecuteWithRetry(messages, 2); err != nil {
		util.Error("Failed to delete messages",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	thread := r.client.Prepared.DeleteConversation.Bind(userID, conversationID)
	if err := r.client.ExecuteWithRetry(thread, 2); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// ListMessages returns the encrypted turns of a thread.
func (r *ConversationRepository) ListMessages(conversationID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := r.client.Prepared.ListMessages.Bind(conversationID, limit).Iter()
	defer iter.Close()

	var out []*model.Message
	for {
		msg := &model.Message{}
		if !iter.Scan(&msg.ConversationID, &msg.MessageID, &msg.UserID, &msg.Role,
			&msg.Ciphertext, &msg.EncryptedDEK, &msg.KeyID, &msg.CreatedAt) {
			break
		}
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}
