package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/internal/orchestrator"
	"github.com/nimasrn/mass-mailer/internal/queue"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/redis"
)

const (
	HealthInterval  = time.Second * 30
	MetricsInterval = time.Second * 30
	ShutdownTimeout = time.Minute

	// pending runs above this are reported as lag
	lagWarnThreshold = 100
)

// Runner executes one admitted send run.
type Runner interface {
	Run(ctx context.Context, run model.SendRun) (*model.SendResult, error)
	Metrics() *orchestrator.RunMetrics
	InFlight() int64
}

// Checker reports whether the mail transport can take deliveries.
type Checker interface {
	Check(ctx context.Context) error
}

type Config struct {
	Queue     queue.Config
	Consumers int
}

// ProcessorService consumes admitted send runs from the queue and executes
// them. Each consumer handles one run at a time, so Consumers bounds how many
// campaigns are sent concurrently; deliveries of all runs share the
// orchestrator's worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	runner    Runner
	transport Checker
	config    Config

	queues []*queue.SendQueue
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProcessorService(adapter redis.RedisAdapter, runner Runner, transport Checker, config Config) *ProcessorService {
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter:   adapter,
		runner:    runner,
		transport: transport,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start creates the consumers and the background reporters. It does not block.
func (s *ProcessorService) Start() error {
	logger.Info("Starting Processor Service...")

	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-instance-%d", qc.ConsumerName, i)

		q, err := queue.NewQueue(s.ctx, s.adapter, qc)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		sq := queue.NewSendQueue(q)
		if err := sq.Consume(s.handleRun); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, sq)
		logger.Info("Started consumer instance", "instance", i, "consumer", qc.ConsumerName)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor Service started", "consumers", len(s.queues))
	return nil
}

func (s *ProcessorService) handleRun(ctx context.Context, run model.SendRun) error {
	log := logger.With("campaign_id", run.CampaignID, "run_id", run.RunID)
	log.Info("send run picked up", "test_mode", run.TestMode)

	result, err := s.runner.Run(ctx, run)
	if err != nil {
		return err
	}
	log.Info("send run done", "sent", result.Sent, "failed", result.Failed, "skipped", result.Skipped, "status", result.Status)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.runner.Metrics().Stats()
	logger.Info("Metrics", "runs", stats["runs"], "sent", stats["sent"], "failed", stats["failed"], "skipped", stats["skipped"],
		"rate_per_second", stats["rate_per_second"], "avg_delivery_ms", stats["avg_delivery_ms"], "uptime_seconds", stats["uptime_seconds"],
		"in_flight", s.runner.InFlight())

	for i, q := range s.queues {
		if qStats, err := q.Stats(context.Background()); err == nil {
			logger.Info("Queue stats", "queue", i, "total", qStats.TotalMessages, "pending", qStats.PendingMessages, "dead_lettered", qStats.DeadLettered)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// performHealthCheck logs problems only; it never stops consumption.
func (s *ProcessorService) performHealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return false
	}
	if s.transport != nil {
		if err := s.transport.Check(ctx); err != nil {
			logger.Error("HEALTH CHECK FAILED: mail transport unavailable", "error", err)
			return false
		}
	}

	for i, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingMessages > lagWarnThreshold {
			logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}

	logger.Info("HEALTH CHECK: OK - Service healthy")
	return true
}

// Stop cancels the runs in progress and waits up to ShutdownTimeout for them
// to release their campaigns. Recipients they did not reach stay pending
// until the campaign is sent again.
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down Processor Service...")

	s.cancel()

	var wg sync.WaitGroup
	for i, q := range s.queues {
		wg.Add(1)
		go func(index int, q *queue.SendQueue) {
			defer wg.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
		}(i, q)
	}
	wg.Wait()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor Service stopped")
}
