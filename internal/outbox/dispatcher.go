// Package outbox persists and delivers domain events to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka header keys set on every delivered event.
const (
	HeaderEventType = "event_type"
	HeaderUserID    = "user_id"
	HeaderEventID   = "event_id"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Dispatcher drains the outbox table and delivers schema-checked events to Kafka.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	validator        *PayloadValidator
	dlq              *DLQWriter
	logger           *zap.Logger
	pollInterval     time.Duration
	batchSize        int
	now              func() time.Time
	shutdownComplete chan struct{}
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) (*Dispatcher, error) {
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		validator:        validator,
		dlq:              NewDLQWriter(pool),
		logger:           zap.NewNop(),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		now:              time.Now,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox dispatcher error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	batches, rejected := d.prepare(messages)
	for topic, batch := range batches {
		if err := d.producer.WriteMessages(ctx, topic, batch.records...); err != nil {
			d.logger.Warn("outbox delivery failure", zap.String("topic", topic), zap.Int("events", len(batch.records)), zap.Error(err))
			for _, msg := range batch.source {
				rejected = append(rejected, rejection{msg: msg, reason: err.Error()})
			}
			continue
		}
		deliveredCounter.Add(float64(len(batch.records)))
	}

	if len(rejected) > 0 {
		failedCounter.Add(float64(len(rejected)))
		if err := d.moveToDLQ(ctx, rejected); err != nil {
			return err
		}
	}
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (_ []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, user_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, d.batchSize)
	ids := make([]int64, 0, d.batchSize)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.UserID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

type topicBatch struct {
	records []kafka.Message
	source  []Message
}

type rejection struct {
	msg    Message
	reason string
}

// prepare validates each message and groups the valid ones by topic.
func (d *Dispatcher) prepare(messages []Message) (map[string]*topicBatch, []rejection) {
	batches := make(map[string]*topicBatch)
	var rejected []rejection
	for _, msg := range messages {
		if err := d.validator.Validate(msg.EventType, msg.Payload); err != nil {
			rejected = append(rejected, rejection{msg: msg, reason: err.Error()})
			continue
		}
		batch, ok := batches[msg.Topic]
		if !ok {
			batch = &topicBatch{}
			batches[msg.Topic] = batch
		}
		batch.records = append(batch.records, msg.Record(d.now().UTC()))
		batch.source = append(batch.source, msg)
	}
	return batches, rejected
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, rejected []rejection) error {
	for _, r := range rejected {
		reason := fmt.Sprintf("%s (topic=%s)", r.reason, r.msg.Topic)
		if err := d.dlq.Write(ctx, r.msg, reason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(r.msg.Topic).Inc()
	}
	return nil
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	UserID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
}

// Record converts the message into a Kafka record keyed by its partition key.
func (m Message) Record(at time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(m.PartitionKey),
		Value: []byte(m.Payload),
		Time:  at,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(m.EventType)},
			{Key: HeaderUserID, Value: []byte(m.UserID)},
			{Key: HeaderEventID, Value: []byte(strconv.FormatInt(m.EventID, 10))},
		},
	}
}
