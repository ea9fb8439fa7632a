package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/redis"
)

type Message struct {
	ID          string
	Data        []byte
	Metadata    map[string]string
	PublishedAt time.Time
	// Attempts counts deliveries to a consumer, the current one included.
	Attempts int
}

// Handler processes one message. nil acks it; an error leaves it pending so
// it is reclaimed after the visibility timeout.
type Handler func(ctx context.Context, msg *Message) error

type Config struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

func (c *Config) withDefaults() error {
	if c.Name == "" {
		return errors.New("queue name is required")
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "default-group"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return nil
}

// Queue is a Redis stream consumed through a consumer group.
type Queue struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed  atomic.Int64
	failed     atomic.Int64
	deadLetter atomic.Int64
}

type Stats struct {
	TotalMessages   int64 `json:"total_messages"`
	PendingMessages int64 `json:"pending_messages"`
	Processed       int64 `json:"processed"`
	Failed          int64 `json:"failed"`
	DeadLettered    int64 `json:"dead_lettered"`
}

func NewQueue(ctx context.Context, adapter redis.RedisAdapter, config Config) (*Queue, error) {
	if err := config.withDefaults(); err != nil {
		return nil, err
	}
	if err := adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0"); err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", config.ConsumerGroup, err)
	}

	qctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		adapter: adapter,
		config:  config,
		ctx:     qctx,
		cancel:  cancel,
	}, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) DeadLetterName() string {
	return q.config.Name + ":dlq"
}

func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":         string(data),
		"published_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, q.config.MaxLen, values)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", q.config.Name, err)
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, v any, metadata map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return q.Publish(ctx, data, metadata)
}

// Consume starts the consumer loop in the background.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return errors.New("message handler is required")
	}
	if q.handler != nil {
		return errors.New("queue is already consuming")
	}
	q.handler = handler

	q.wg.Add(1)
	go q.loop()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()

	lastReclaim := time.Now()
	for q.ctx.Err() == nil {
		q.readNew()

		if time.Since(lastReclaim) >= q.config.PollInterval {
			q.reclaimStuck()
			lastReclaim = time.Now()
		}
	}
}

func (q *Queue) readNew() {
	msgs, err := q.adapter.XReadGroup(q.ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, q.config.BatchSize, q.config.PollInterval)
	if err != nil {
		if q.ctx.Err() == nil {
			logger.Warn("queue read failed", "queue", q.config.Name, "error", err)
			select {
			case <-q.ctx.Done():
			case <-time.After(q.config.PollInterval):
			}
		}
		return
	}
	for _, sm := range msgs {
		msg := toMessage(sm)
		msg.Attempts = 1
		q.handle(msg)
	}
}

// reclaimStuck takes over entries whose consumer went silent for longer than
// the visibility timeout. Entries delivered MaxRetries times are dead-lettered.
func (q *Queue) reclaimStuck() {
	pending, err := q.adapter.XPendingExt(q.ctx, q.config.Name, q.config.ConsumerGroup, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	attempts := make(map[string]int64, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle < q.config.VisibilityTimeout {
			continue
		}
		attempts[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return
	}

	msgs, err := q.adapter.XClaim(q.ctx, q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Warn("queue reclaim failed", "queue", q.config.Name, "error", err)
		return
	}
	for _, sm := range msgs {
		msg := toMessage(sm)
		// the claim itself counts as one more delivery
		msg.Attempts = int(attempts[sm.ID]) + 1
		if attempts[sm.ID] >= int64(q.config.MaxRetries) {
			q.deadLetterAndAck(msg)
			continue
		}
		q.handle(msg)
	}
}

func (q *Queue) handle(msg *Message) {
	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		q.failed.Add(1)
		logger.Warn("queue message failed, left for retry", "queue", q.config.Name, "id", msg.ID, "attempt", msg.Attempts, "error", err)
		return
	}
	q.processed.Add(1)
	if err := q.adapter.XAck(context.WithoutCancel(ctx), q.config.Name, q.config.ConsumerGroup, msg.ID); err != nil {
		logger.Warn("queue ack failed", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) deadLetterAndAck(msg *Message) {
	ctx := context.WithoutCancel(q.ctx)
	if q.config.EnableDLQ {
		values := map[string]interface{}{
			"data":           string(msg.Data),
			"original_id":    msg.ID,
			"attempts":       msg.Attempts - 1,
			"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
			"original_queue": q.config.Name,
		}
		for k, v := range msg.Metadata {
			values["meta_"+k] = v
		}
		if _, err := q.adapter.XAdd(ctx, q.DeadLetterName(), 0, values); err != nil {
			logger.Error("dead-letter publish failed, keeping message pending", "queue", q.config.Name, "id", msg.ID, "error", err)
			return
		}
	}
	q.deadLetter.Add(1)
	logger.Warn("queue message dead-lettered", "queue", q.config.Name, "id", msg.ID, "attempts", msg.Attempts-1)
	_ = q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, msg.ID)
}

func toMessage(sm redis.StreamMessage) *Message {
	msg := &Message{ID: sm.ID, Metadata: make(map[string]string)}
	for k, v := range sm.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == "data":
			msg.Data = []byte(s)
		case k == "published_at":
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.PublishedAt = ts
			}
		case strings.HasPrefix(k, "meta_"):
			msg.Metadata[strings.TrimPrefix(k, "meta_")] = s
		}
	}
	return msg
}

// Stop cancels the consumer loop and waits up to timeout for it to return.
func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for queue to stop")
	}
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}
	pending, err := q.adapter.XPendingExt(ctx, q.config.Name, q.config.ConsumerGroup, 10_000)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalMessages:   total,
		PendingMessages: int64(len(pending)),
		Processed:       q.processed.Load(),
		Failed:          q.failed.Load(),
		DeadLettered:    q.deadLetter.Load(),
	}, nil
}
