package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"luki-gateway/internal/config"
	"luki-gateway/internal/util"
)

// PreparedStatements holds the statements the conversation repository uses.
type PreparedStatements struct {
	InsertConversation *gocql.Query
	TouchConversation  *gocql.Query
	GetConversation    *gocql.Query
	ListConversations  *gocql.Query
	DeleteConversation *gocql.Query
	InsertMessage      *gocql.Query
	ListMessages       *gocql.Query
	DeleteMessages     *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertConversation = s.Session.Query(`
        INSERT INTO conversations (user_id, conversation_id, title, started_at, last_message_at, message_count)
        VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.TouchConversation = s.Session.Query(`
        UPDATE conversations SET last_message_at = ?, message_count = ?
        WHERE user_id = ? AND conversation_id = ?`)

	prepared.GetConversation = s.Session.Query(`
        SELECT user_id, conversation_id, title, started_at, last_message_at, message_count
        FROM conversations WHERE user_id = ? AND conversation_id = ?`)

	prepared.ListConversations = s.Session.Query(`
        SELECT user_id, conversation_id, title, started_at, last_message_at, message_count
        FROM conversations WHERE user_id = ? LIMIT ?`)

	prepared.DeleteConversation = s.Session.Query(`
        DELETE FROM conversations WHERE user_id = ? AND conversation_id = ?`)

	prepared.InsertMessage = s.Session.Query(`
        INSERT INTO messages (conversation_id, message_id, user_id, role, ciphertext, encrypted_dek, key_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListMessages = s.Session.Query(`
        SELECT conversation_id, message_id, user_id, role, ciphertext, encrypted_dek, key_id, created_at
        FROM messages WHERE conversation_id = ? LIMIT ?`)

	prepared.DeleteMessages = s.Session.Query(`
        DELETE FROM messages WHERE conversation_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
