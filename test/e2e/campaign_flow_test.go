package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/mass-mailer/internal/handlers"
	"github.com/nimasrn/mass-mailer/internal/ingest"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/internal/orchestrator"
	"github.com/nimasrn/mass-mailer/internal/processor"
	"github.com/nimasrn/mass-mailer/internal/progress"
	"github.com/nimasrn/mass-mailer/internal/queue"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/nimasrn/mass-mailer/internal/services"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
	"github.com/nimasrn/mass-mailer/pkg/redis"
	"github.com/nimasrn/mass-mailer/pkg/worker"
	"github.com/nimasrn/mass-mailer/test/fixtures"
	"github.com/nimasrn/mass-mailer/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const senderEmail = "noreply@example.com"

type sendMode int

const (
	sendInline sendMode = iota
	sendQueued
)

type TestEnvironment struct {
	DB           *pg.DB
	Redis        *miniredis.Miniredis
	RedisAdapter redis.RedisAdapter
	Relay        *helpers.Relay
	Mailer       *mailer.Client
	Orchestrator *orchestrator.Orchestrator
	Publisher    *queue.SendQueue

	client *fasthttp.Client
}

func queueConfig(consumer string) queue.Config {
	return queue.Config{
		Name:              "campaign:sends",
		ConsumerGroup:     "senders",
		ConsumerName:      consumer,
		MaxRetries:        2,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         1,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

// setupE2EEnvironment wires the api the way cmd/api does, on SQLite,
// miniredis and an in-memory relay, and serves it on an in-memory listener.
func setupE2EEnvironment(t *testing.T, mode sendMode) *TestEnvironment {
	t.Helper()
	db := helpers.SetupTestDB(t)
	mr, adapter := helpers.SetupTestRedis(t)
	relay, mailClient := helpers.StartRelay(t)

	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	pool := worker.NewWorkerManager(32, 4)
	pool.Start()
	t.Cleanup(pool.Exit)

	feed := progress.NewFeed(adapter, progress.Config{MaxLen: 1000, TTL: time.Hour, MaxWait: 2 * time.Second})
	orch := orchestrator.New(campaignRepo, recipientRepo, mailClient, pool, orchestrator.Options{
		TestLimit:       5,
		LeaseTTL:        time.Minute,
		DeliveryTimeout: 2 * time.Second,
		SenderEmail:     senderEmail,
	}, orchestrator.WithGuard(orchestrator.NewRedisGuard(adapter, orchestrator.DefaultGuardConfig())), orchestrator.WithFeed(feed))

	env := &TestEnvironment{
		DB:           db,
		Redis:        mr,
		RedisAdapter: adapter,
		Relay:        relay,
		Mailer:       mailClient,
		Orchestrator: orch,
	}

	var dispatcher services.SendDispatcher
	switch mode {
	case sendQueued:
		q, err := queue.NewQueue(context.Background(), adapter, queueConfig("api"))
		require.NoError(t, err)
		env.Publisher = queue.NewSendQueue(q)
		dispatcher = env.Publisher

		proc := processor.NewProcessorService(adapter, orch, mailClient, processor.Config{Queue: queueConfig("processor"), Consumers: 1})
		require.NoError(t, proc.Start())
		t.Cleanup(proc.Stop)
	default:
		runCtx, stopRuns := context.WithCancel(context.Background())
		inline := orchestrator.NewInlineDispatcher(runCtx, orch)
		dispatcher = inline
		t.Cleanup(func() {
			stopRuns()
			inline.Wait()
		})
	}

	campaignService := services.NewCampaignService(campaignRepo, templateRepo)
	recipientService := services.NewRecipientService(campaignRepo, recipientRepo)
	analyticsService := services.NewAnalyticsService(campaignRepo, recipientRepo)
	healthService := services.NewHealthService(map[string]services.Pinger{
		"database": db,
		"redis":    adapter,
	})

	s := xhttp.NewServer(xhttp.ServerOption{Name: "mass-mailer-e2e"})
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	g := s.Router.Group("/api")
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(healthService, "mass-mailer", "test"))
	handlers.RegisterCampaignRoutes(g, handlers.NewCampaignHandler(campaignService, recipientService, analyticsService, services.NewSendService(orch, dispatcher), feed))
	handlers.RegisterTemplateRoutes(g, handlers.NewTemplateHandler(services.NewTemplateService(templateRepo)))
	s.DoRouting()

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Server.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	env.client = &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return env
}

func (env *TestEnvironment) do(t *testing.T, method, path, contentType string, body []byte) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://mailer" + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}
	require.NoError(t, env.client.DoTimeout(req, resp, 10*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

// call sends in as JSON and decodes a 2xx reply into out.
func (env *TestEnvironment) call(t *testing.T, method, path string, in, out any) int {
	t.Helper()
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		require.NoError(t, err)
	}
	code, payload := env.do(t, method, path, "application/json", body)
	if out != nil && code < 300 {
		require.NoError(t, json.Unmarshal(payload, out), string(payload))
	}
	return code
}

func (env *TestEnvironment) createCampaign(t *testing.T, recipients int) *model.Campaign {
	t.Helper()
	var c model.Campaign
	require.Equal(t, fasthttp.StatusCreated, env.call(t, fasthttp.MethodPost, "/api/campaigns", fixtures.LaunchCampaign, &c))
	if recipients > 0 {
		require.Equal(t, fasthttp.StatusCreated,
			env.call(t, fasthttp.MethodPost, fmt.Sprintf("/api/campaigns/%d/recipients", c.ID), fixtures.Recipients(recipients), nil))
	}
	return &c
}

func (env *TestEnvironment) send(t *testing.T, campaignID int64, testMode bool) (int, string) {
	t.Helper()
	var resp struct {
		RunID    string `json:"run_id"`
		TestMode bool   `json:"test_mode"`
	}
	code := env.call(t, fasthttp.MethodPost, fmt.Sprintf("/api/campaigns/%d/send", campaignID), map[string]bool{"test_mode": testMode}, &resp)
	if code == fasthttp.StatusAccepted {
		assert.Equal(t, testMode, resp.TestMode)
	}
	return code, resp.RunID
}

// waitRunFinished follows the progress feed until runID reports its result.
func (env *TestEnvironment) waitRunFinished(t *testing.T, campaignID int64, runID string) *model.SendResult {
	t.Helper()
	after := ""
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var page model.ProgressPage
		path := fmt.Sprintf("/api/campaigns/%d/progress?timeout=1&after=%s", campaignID, after)
		require.Equal(t, fasthttp.StatusOK, env.call(t, fasthttp.MethodGet, path, nil, &page))
		require.NotNil(t, page.Analytics)
		for _, ev := range page.Events {
			if ev.Kind == model.ProgressRunFinished && ev.RunID == runID {
				require.NotNil(t, ev.Result)
				return ev.Result
			}
		}
		after = page.LastID
	}
	t.Fatalf("run %s of campaign %d did not finish", runID, campaignID)
	return nil
}

func (env *TestEnvironment) analytics(t *testing.T, campaignID int64) model.Analytics {
	t.Helper()
	var a model.Analytics
	require.Equal(t, fasthttp.StatusOK, env.call(t, fasthttp.MethodGet, fmt.Sprintf("/api/campaigns/%d/analytics", campaignID), nil, &a))
	return a
}

func uploadCSV(t *testing.T, env *TestEnvironment, campaignID int64, data []byte) (int, ingest.Report) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "recipients.csv")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	code, payload := env.do(t, fasthttp.MethodPost, fmt.Sprintf("/api/campaigns/%d/recipients/csv", campaignID), w.FormDataContentType(), buf.Bytes())
	var report ingest.Report
	if code == fasthttp.StatusOK {
		require.NoError(t, json.Unmarshal(payload, &report))
	}
	return code, report
}

func TestE2E_CampaignLifecycle(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)

	var tpl model.Template
	require.Equal(t, fasthttp.StatusCreated, env.call(t, fasthttp.MethodPost, "/api/templates", fixtures.WelcomeTemplate, &tpl))
	assert.Equal(t, []string{"name", "city"}, tpl.Variables)

	var c model.Campaign
	code := env.call(t, fasthttp.MethodPost, "/api/campaigns", model.CampaignCreateRequest{Name: "welcome wave", TemplateID: &tpl.ID}, &c)
	require.Equal(t, fasthttp.StatusCreated, code)
	assert.Equal(t, model.CampaignStatusDraft, c.Status)
	assert.Equal(t, tpl.Subject, c.Subject)
	assert.Equal(t, model.DefaultSenderName, c.SenderName)
	recipientsPath := fmt.Sprintf("/api/campaigns/%d/recipients", c.ID)

	rows := append(fixtures.Recipients(6),
		model.RecipientCreateRequest{Email: "USER1@example.com"},
		model.RecipientCreateRequest{Email: "nope"},
	)
	var bulk struct {
		RecipientsAdded int               `json:"recipients_added"`
		TotalErrors     int               `json:"total_errors"`
		Errors          []ingest.RowError `json:"errors"`
	}
	require.Equal(t, fasthttp.StatusCreated, env.call(t, fasthttp.MethodPost, recipientsPath, rows, &bulk))
	assert.Equal(t, 6, bulk.RecipientsAdded)
	assert.Equal(t, 2, bulk.TotalErrors)

	code = env.call(t, fasthttp.MethodPost, recipientsPath, model.RecipientCreateRequest{Email: "user2@EXAMPLE.com"}, nil)
	assert.Equal(t, fasthttp.StatusConflict, code)

	code, report := uploadCSV(t, env, c.ID, fixtures.RecipientsCSV(
		[3]string{"ada@example.com", "Ada", "Paris"},
		[3]string{"not-an-email", "Bob", "Rome"},
	))
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 1, report.RecipientsAdded)
	assert.Equal(t, 1, report.TotalErrors)

	// a test send only reaches the first five pending recipients
	code, runID := env.send(t, c.ID, true)
	require.Equal(t, fasthttp.StatusAccepted, code)
	result := env.waitRunFinished(t, c.ID, runID)
	assert.Equal(t, 5, result.Selected)
	assert.Equal(t, 5, result.Sent)

	a := env.analytics(t, c.ID)
	assert.Equal(t, 7, a.TotalRecipients)
	assert.Equal(t, 5, a.SentCount)
	assert.Equal(t, 2, a.PendingCount)
	assert.Equal(t, model.CampaignStatusSending, a.Status)

	code, runID = env.send(t, c.ID, false)
	require.Equal(t, fasthttp.StatusAccepted, code)
	result = env.waitRunFinished(t, c.ID, runID)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, model.CampaignStatusCompleted, result.Status)

	a = env.analytics(t, c.ID)
	assert.Equal(t, 7, a.SentCount)
	assert.Zero(t, a.PendingCount)
	assert.Equal(t, 100.0, a.SuccessRate)
	assert.Equal(t, model.CampaignStatusCompleted, a.Status)

	received := env.Relay.Received()
	require.Len(t, received, 7)
	seen := make(map[string]bool)
	for _, e := range received {
		assert.False(t, seen[e.To], "%s mailed twice", e.To)
		seen[e.To] = true
		assert.Equal(t, senderEmail, e.FromEmail)
		if e.To == "ada@example.com" {
			assert.Equal(t, "Hello Ada", e.Subject)
			assert.Contains(t, e.HTML, "welcome to Paris.")
		}
	}
	assert.True(t, seen["ada@example.com"])

	// finished campaigns are frozen
	code, _ = env.send(t, c.ID, false)
	assert.Equal(t, fasthttp.StatusConflict, code)
	code = env.call(t, fasthttp.MethodPut, fmt.Sprintf("/api/campaigns/%d", c.ID), map[string]string{"name": "renamed"}, nil)
	assert.Equal(t, fasthttp.StatusConflict, code)
}

func TestE2E_RejectedRecipientsAreFailed(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)
	env.Relay.Reject("user2@example.com", "mailbox unavailable")
	c := env.createCampaign(t, 3)

	code, runID := env.send(t, c.ID, false)
	require.Equal(t, fasthttp.StatusAccepted, code)
	result := env.waitRunFinished(t, c.ID, runID)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)

	a := env.analytics(t, c.ID)
	assert.Equal(t, model.CampaignStatusCompleted, a.Status)
	assert.Equal(t, 66.67, a.SuccessRate)
	assert.Equal(t, 33.33, a.FailureRate)

	var recipients []model.Recipient
	require.Equal(t, fasthttp.StatusOK, env.call(t, fasthttp.MethodGet, fmt.Sprintf("/api/campaigns/%d/recipients", c.ID), nil, &recipients))
	require.Len(t, recipients, 3)
	for _, r := range recipients {
		if r.Email == "user2@example.com" {
			assert.Equal(t, model.RecipientStatusFailed, r.Status)
			assert.Contains(t, r.ErrorMessage, "mailbox unavailable")
			continue
		}
		assert.Equal(t, model.RecipientStatusSent, r.Status)
		assert.NotNil(t, r.SentAt)
	}
}

func TestE2E_UnreachableProviderFailsCampaign(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)
	env.Relay.SetHealthy(false)
	c := env.createCampaign(t, 2)

	code, runID := env.send(t, c.ID, false)
	require.Equal(t, fasthttp.StatusAccepted, code)
	result := env.waitRunFinished(t, c.ID, runID)
	assert.Equal(t, model.CampaignStatusFailed, result.Status)

	a := env.analytics(t, c.ID)
	assert.Equal(t, model.CampaignStatusFailed, a.Status)
	assert.Equal(t, 2, a.PendingCount)
	assert.Empty(t, env.Relay.Received())

	code, _ = env.send(t, c.ID, false)
	assert.Equal(t, fasthttp.StatusConflict, code)
}

func TestE2E_QueuedSendThroughProcessor(t *testing.T) {
	env := setupE2EEnvironment(t, sendQueued)
	c := env.createCampaign(t, 4)

	code, runID := env.send(t, c.ID, false)
	require.Equal(t, fasthttp.StatusAccepted, code)
	result := env.waitRunFinished(t, c.ID, runID)
	assert.Equal(t, 4, result.Sent)
	assert.Equal(t, model.CampaignStatusCompleted, result.Status)
	assert.Len(t, env.Relay.Received(), 4)

	helpers.AssertEventually(t, 3*time.Second, func() bool {
		stats, err := env.Publisher.Stats(context.Background())
		return err == nil && stats.PendingMessages == 0
	}, "send run was never acknowledged")
}

func TestE2E_ConcurrentSendsAdmitOneRun(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)
	c := env.createCampaign(t, 10)

	codes := make(chan int, 4)
	for i := 0; i < 4; i++ {
		go func() {
			req := fasthttp.AcquireRequest()
			resp := fasthttp.AcquireResponse()
			defer fasthttp.ReleaseRequest(req)
			defer fasthttp.ReleaseResponse(resp)
			req.SetRequestURI(fmt.Sprintf("http://mailer/api/campaigns/%d/send", c.ID))
			req.Header.SetMethod(fasthttp.MethodPost)
			if err := env.client.DoTimeout(req, resp, 10*time.Second); err != nil {
				codes <- 0
				return
			}
			codes <- resp.StatusCode()
		}()
	}
	accepted := 0
	for i := 0; i < 4; i++ {
		code := <-codes
		if code == fasthttp.StatusAccepted {
			accepted++
			continue
		}
		assert.Equal(t, fasthttp.StatusConflict, code)
	}
	assert.Equal(t, 1, accepted)

	helpers.AssertEventually(t, 10*time.Second, func() bool {
		return env.analytics(t, c.ID).Status == model.CampaignStatusCompleted
	}, "campaign never completed")
	assert.Len(t, env.Relay.Received(), 10)
}

func TestE2E_UnknownCampaign(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)

	code, _ := env.send(t, 999, false)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = env.do(t, fasthttp.MethodGet, "/api/campaigns/999/progress?timeout=1", "", nil)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = env.do(t, fasthttp.MethodGet, "/api/campaigns/999/analytics", "", nil)
	assert.Equal(t, fasthttp.StatusNotFound, code)
}

func TestE2E_Health(t *testing.T) {
	env := setupE2EEnvironment(t, sendInline)

	var health struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.Equal(t, fasthttp.StatusOK, env.call(t, fasthttp.MethodGet, "/api/health", nil, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Dependencies, "database")
	assert.Contains(t, health.Dependencies, "redis")

	env.Redis.Close()
	code, _ := env.do(t, fasthttp.MethodGet, "/api/health", "", nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
}
