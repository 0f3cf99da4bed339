package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"luki-gateway/internal/client"
)

// Event types emitted by the gateway.
const (
	TypeRequest           = "request"
	TypeRateLimited       = "rate_limited"
	TypeQuotaExceeded     = "quota_exceeded"
	TypeBreakerTransition = "breaker_transition"
)

// Event is one observable gateway occurrence. Request events feed the
// analytics store; rejection and breaker events additionally go to the
// audit index.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Identity  string    `json:"identity"`
	Tier      string    `json:"tier,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Status    int       `json:"status,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	bufferSize    = 4096
	batchSize     = 200
	flushInterval = 5 * time.Second
	sinkTimeout   = 10 * time.Second
)

const insertRequestsQuery = `INSERT INTO gateway_requests
	(id, type, identity, tier, method, path, status, latency_ms, detail, timestamp)`

// Recorder fans gateway events out to the configured sinks. Record never
// blocks the request path: events go through a bounded buffer and are
// dropped with a counter when the buffer is full. Any sink may be nil.
type Recorder struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	logger     *zap.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewRecorder(kafka *client.KafkaProducer, clickhouse *client.ClickHouseClient, es *client.ESClient, logger *zap.Logger) *Recorder {
	r := &Recorder{
		kafka:      kafka,
		clickhouse: clickhouse,
		es:         es,
		logger:     logger,
		events:     make(chan Event, bufferSize),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event, assigning its id and timestamp. Drops silently
// (counted) when the buffer is full.
func (r *Recorder) Record(event Event) {
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes pending events and stops the worker. Records arriving after
// Close are silently discarded.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.events)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			r.dispatch(event)
			batch = append(batch, event)
			if len(batch) >= batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// dispatch sends one event to the streaming and audit sinks.
func (r *Recorder) dispatch(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if r.kafka != nil {
		payload, err := json.Marshal(event)
		if err == nil {
			if err := r.kafka.Publish(ctx, []byte(event.Identity), payload); err != nil {
				r.logger.Warn("failed to publish event", zap.Error(err), zap.String("type", event.Type))
			}
		}
	}

	if r.es != nil && event.Type != TypeRequest {
		if err := r.es.IndexAuditEvent(ctx, event.ID, event); err != nil {
			r.logger.Warn("failed to index audit event", zap.Error(err), zap.String("type", event.Type))
		}
	}
}

// flush batch-inserts accumulated events into the analytics store.
func (r *Recorder) flush(batch []Event) {
	if r.clickhouse == nil || len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.ID, e.Type, e.Identity, e.Tier, e.Method, e.Path,
			int32(e.Status), e.LatencyMS, e.Detail, e.Timestamp,
		})
	}

	if err := r.clickhouse.BatchInsert(ctx, insertRequestsQuery, rows); err != nil {
		r.logger.Warn("failed to flush analytics batch",
			zap.Error(err),
			zap.Int("events", len(batch)),
		)
	}
}
