package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/mass-mailer/internal/ai"
	"github.com/nimasrn/mass-mailer/internal/config"
	"github.com/nimasrn/mass-mailer/internal/handlers"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/orchestrator"
	"github.com/nimasrn/mass-mailer/internal/progress"
	"github.com/nimasrn/mass-mailer/internal/queue"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/nimasrn/mass-mailer/internal/services"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/nimasrn/mass-mailer/pkg/prom"
	"github.com/nimasrn/mass-mailer/pkg/redis"
	"github.com/nimasrn/mass-mailer/pkg/worker"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date, "send_mode", cfg.SendMode)

	s := xhttp.NewServer(xhttp.ServerOption{
		Name:               cfg.AppName,
		ReadTimeout:        cfg.HttpServerReadTimeout,
		WriteTimeout:       cfg.HttpServerWriteTimeout,
		MaxRequestBodySize: cfg.HttpMaxBodyBytes,
	})
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CORSMiddleware(cfg.CorsOrigins()))
	s.Use(xhttp.CompressMiddleware(6))

	readConf := pg.Config{
		User:     cfg.PostgresReadUser,
		Host:     cfg.PostgresReadHost,
		Port:     cfg.PostgresReadPort,
		Password: cfg.PostgresReadPassword,
		Database: cfg.PostgresReadDatabase,
		SSLMode:  cfg.PostgresSSLMode,

		ApplicationName: cfg.AppName + "-api",
	}
	writeConf := pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
		SSLMode:  cfg.PostgresSSLMode,

		ApplicationName: cfg.AppName + "-api",
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

	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	feed := progress.NewFeed(redisAdap, progress.Config{
		MaxLen:  cfg.ProgressMaxLen,
		TTL:     cfg.ProgressTTL,
		MaxWait: cfg.ProgressMaxWait,
	})

	mailClient, err := mailer.NewClient(mailer.ConfigFromUrls(cfg.MailProviderUrls(), cfg.DeliveryTimeout))
	if err != nil {
		logger.Error("failed to create mail client", "error", err)
		return
	}
	defer mailClient.Close()

	pool := worker.NewWorkerManager(cfg.SendBuffer, cfg.SendConcurrency)
	guardConf := orchestrator.DefaultGuardConfig()
	guardConf.ClaimTTL = cfg.DeliveryGuardTTL
	orch := orchestrator.New(campaignRepo, recipientRepo, mailClient, pool, orchestrator.Options{
		TestLimit:       cfg.SendTestLimit,
		LeaseTTL:        cfg.SendLeaseTTL,
		DeliveryTimeout: cfg.DeliveryTimeout,
		SenderEmail:     cfg.MailSenderEmail,
	}, orchestrator.WithGuard(orchestrator.NewRedisGuard(redisAdap, guardConf)), orchestrator.WithFeed(feed))

	// inline runs are cancelled on shutdown; their unsent recipients stay pending
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	var (
		dispatcher services.SendDispatcher
		inline     *orchestrator.InlineDispatcher
	)
	switch cfg.SendMode {
	case config.SendModeQueue:
		q, err := queue.NewQueue(runCtx, redisAdap, queue.Config{
			Name:              cfg.QueueName,
			ConsumerGroup:     cfg.QueueConsumerGroup,
			ConsumerName:      cfg.QueueConsumerName,
			MaxRetries:        cfg.QueueMaxRetries,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			PollInterval:      cfg.QueuePollInterval,
			BatchSize:         cfg.QueueBatchSize,
			MaxLen:            cfg.QueueMaxLen,
			EnableDLQ:         cfg.QueueEnableDLQ,
		})
		if err != nil {
			logger.Error("failed creating send queue", "error", err)
			return
		}
		dispatcher = queue.NewSendQueue(q)
	default:
		pool.Start()
		mailClient.StartHealthChecks()
		inline = orchestrator.NewInlineDispatcher(runCtx, orch)
		dispatcher = inline
	}

	var generator handlers.ContentGenerator
	if cfg.AIApiKey != "" {
		model, err := ai.NewGenAIModel(runCtx, cfg.AIApiKey, cfg.AIModel)
		if err != nil {
			logger.Error("failed to create AI model client", "error", err)
			return
		}
		generator = ai.NewContentClient(model, cfg.AITimeout)
	} else {
		logger.Warn("AI_API_KEY is empty, content generation is disabled")
	}

	// services
	campaignService := services.NewCampaignService(campaignRepo, templateRepo)
	recipientService := services.NewRecipientService(campaignRepo, recipientRepo)
	templateService := services.NewTemplateService(templateRepo)
	analyticsService := services.NewAnalyticsService(campaignRepo, recipientRepo)
	sendService := services.NewSendService(orch, dispatcher)
	healthService := services.NewHealthService(map[string]services.Pinger{
		"database": db,
		"redis":    redisAdap,
	})

	// handlers
	campaignHandler := handlers.NewCampaignHandler(campaignService, recipientService, analyticsService, sendService, feed)
	templateHandler := handlers.NewTemplateHandler(templateService)
	aiHandler := handlers.NewAIHandler(generator)
	healthHandler := handlers.NewHealthHandler(healthService, cfg.AppName, version)

	g := s.Router.Group(cfg.HttpBaseRequestUrl)
	handlers.RegisterHealthRoutes(g, healthHandler)
	handlers.RegisterCampaignRoutes(g, campaignHandler)
	handlers.RegisterTemplateRoutes(g, templateHandler)
	handlers.RegisterAIRoutes(g, aiHandler)
	s.GET(cfg.PromMetricsPath, prom.Handler())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
	stopRuns()
	if inline != nil {
		inline.Wait()
	}
	pool.Exit()
	logger.Info("api stopped")
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
