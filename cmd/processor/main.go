package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/mass-mailer/internal/config"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/orchestrator"
	"github.com/nimasrn/mass-mailer/internal/processor"
	"github.com/nimasrn/mass-mailer/internal/progress"
	"github.com/nimasrn/mass-mailer/internal/queue"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/nimasrn/mass-mailer/pkg/prom"
	"github.com/nimasrn/mass-mailer/pkg/redis"
	"github.com/nimasrn/mass-mailer/pkg/worker"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting processor", "version", version, "commit", commit, "date", date)

	readConf := pg.Config{
		User:     cfg.PostgresReadUser,
		Host:     cfg.PostgresReadHost,
		Port:     cfg.PostgresReadPort,
		Password: cfg.PostgresReadPassword,
		Database: cfg.PostgresReadDatabase,
		SSLMode:  cfg.PostgresSSLMode,

		ApplicationName: cfg.AppName + "-processor",
	}
	writeConf := pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
		SSLMode:  cfg.PostgresSSLMode,

		ApplicationName: cfg.AppName + "-processor",
	}

	db, err := pg.CreateReadWrite(readConf, writeConf, cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	defer db.Close()

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: "default",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}
	defer redis.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	mailClient, err := mailer.NewClient(mailer.ConfigFromUrls(cfg.MailProviderUrls(), cfg.DeliveryTimeout))
	if err != nil {
		logger.Error("failed to create mail client", "error", err)
		return
	}
	mailClient.StartHealthChecks()
	defer mailClient.Close()

	pool := worker.NewWorkerManager(cfg.SendBuffer, cfg.SendConcurrency)
	pool.Start()

	guardConf := orchestrator.DefaultGuardConfig()
	guardConf.ClaimTTL = cfg.DeliveryGuardTTL
	feed := progress.NewFeed(redisAdap, progress.Config{
		MaxLen:  cfg.ProgressMaxLen,
		TTL:     cfg.ProgressTTL,
		MaxWait: cfg.ProgressMaxWait,
	})
	orch := orchestrator.New(
		repository.NewCampaignRepository(db),
		repository.NewRecipientRepository(db),
		mailClient,
		pool,
		orchestrator.Options{
			TestLimit:       cfg.SendTestLimit,
			LeaseTTL:        cfg.SendLeaseTTL,
			DeliveryTimeout: cfg.DeliveryTimeout,
			SenderEmail:     cfg.MailSenderEmail,
		},
		orchestrator.WithGuard(orchestrator.NewRedisGuard(redisAdap, guardConf)),
		orchestrator.WithFeed(feed),
	)

	consumerName := cfg.QueueConsumerName
	if consumerName == "" {
		consumerName = hostname
	}
	service := processor.NewProcessorService(redisAdap, orch, mailClient, processor.Config{
		Queue: queue.Config{
			Name:              cfg.QueueName,
			ConsumerGroup:     cfg.QueueConsumerGroup,
			ConsumerName:      consumerName,
			MaxRetries:        cfg.QueueMaxRetries,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			PollInterval:      cfg.QueuePollInterval,
			// one run per read, each run holds its entry for the whole send
			BatchSize:         1,
			MaxLen:            cfg.QueueMaxLen,
			EnableDLQ:         cfg.QueueEnableDLQ,
		},
		Consumers: cfg.QueueConsumers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := prom.NewServer(cfg.PromMetricsPath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.ListenAndServe(cfg.PromListenAddr)
	})
	g.Go(func() error {
		if err := service.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		service.Stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		metrics.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("processor stopped with error", "error", err)
	}
	pool.Exit()
	logger.Info("processor stopped")
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
