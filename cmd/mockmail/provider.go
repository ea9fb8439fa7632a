package main

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type DeliveryStatus string

const (
	StatusAccepted DeliveryStatus = "ACCEPTED"
	StatusRejected DeliveryStatus = "REJECTED"
)

// SendMailRequest mirrors the envelope the mailer client posts.
type SendMailRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	To        string `json:"to" binding:"required,email"`
	ToName    string `json:"to_name"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email" binding:"omitempty,email"`
	Subject   string `json:"subject" binding:"required"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
}

type SendMailResponse struct {
	MessageID    string         `json:"message_id"`
	Status       DeliveryStatus `json:"status"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ProviderID   string         `json:"provider_id"`
	ProcessedAt  time.Time      `json:"processed_at"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	ProviderID   string    `json:"provider_id"`
	Timestamp    time.Time `json:"timestamp"`
	AcceptRate   float64   `json:"accept_rate"`
	DowntimeRate float64   `json:"downtime_rate"`
}

// MockProvider simulates a transactional mail API with a configurable
// acceptance rate, latency and health flapping.
type MockProvider struct {
	mu           sync.Mutex
	acceptRate   float64
	downtimeRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	providerID   string
	rng          *rand.Rand
}

func NewMockProvider(acceptRate, downtimeRate float64, minDelay, maxDelay time.Duration) *MockProvider {
	return &MockProvider{
		acceptRate:   acceptRate,
		downtimeRate: downtimeRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		providerID:   "MOCK_MAIL_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockProvider) simulateDelivery(req *SendMailRequest) *SendMailResponse {
	delay := m.randomDelay()
	time.Sleep(delay)

	response := &SendMailResponse{
		MessageID:   req.MessageID,
		ProviderID:  m.providerID,
		ProcessedAt: time.Now(),
	}

	if m.roll() < m.rate() {
		response.Status = StatusAccepted
		log.Info().
			Str("message_id", req.MessageID).
			Str("to", req.To).
			Dur("delay", delay).
			Msg("Mail accepted")
		return response
	}

	response.Status = StatusRejected
	response.ErrorCode = m.randomErrorCode()
	response.ErrorMessage = errorMessage(response.ErrorCode)
	log.Warn().
		Str("message_id", req.MessageID).
		Str("to", req.To).
		Str("error_code", response.ErrorCode).
		Msg("Mail rejected")
	return response
}

func (m *MockProvider) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

// roll draws from the shared source; *rand.Rand is not safe for concurrent use.
func (m *MockProvider) roll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *MockProvider) rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptRate
}

func (m *MockProvider) setRate(r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptRate = r
}

func (m *MockProvider) randomErrorCode() string {
	codes := []string{
		"MAILBOX_UNAVAILABLE",
		"MAILBOX_FULL",
		"SPAM_REJECTED",
		"DOMAIN_NOT_FOUND",
		"CONTENT_REJECTED",
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return codes[m.rng.Intn(len(codes))]
}

func errorMessage(code string) string {
	messages := map[string]string{
		"MAILBOX_UNAVAILABLE": "The recipient mailbox does not exist",
		"MAILBOX_FULL":        "The recipient mailbox is over quota",
		"SPAM_REJECTED":       "The message was classified as spam",
		"DOMAIN_NOT_FOUND":    "The recipient domain has no mail exchanger",
		"CONTENT_REJECTED":    "The message content violates provider policies",
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Unknown error occurred"
}

type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

// SendMail answers 202 for every well-formed request; the status field
// tells acceptance from rejection.
func (h *Handler) SendMail(c *gin.Context) {
	var req SendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	log.Info().
		Str("message_id", req.MessageID).
		Str("to", req.To).
		Str("subject", req.Subject).
		Msg("Received mail send request")

	c.JSON(http.StatusAccepted, h.provider.simulateDelivery(&req))
}

func (h *Handler) HealthCheck(c *gin.Context) {
	if h.provider.roll() < h.provider.downtimeRate {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  "Provider temporarily unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		ProviderID:   h.provider.providerID,
		Timestamp:    time.Now(),
		AcceptRate:   h.provider.rate(),
		DowntimeRate: h.provider.downtimeRate,
	})
}

// UpdateConfig changes the acceptance rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		AcceptRate *float64 `json:"accept_rate" binding:"required,gte=0,lte=1"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	h.provider.setRate(*config.AcceptRate)
	log.Info().Float64("rate", *config.AcceptRate).Msg("Updated accept rate")

	c.JSON(http.StatusOK, gin.H{
		"message":     "Configuration updated",
		"accept_rate": h.provider.rate(),
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/mail/send", handler.SendMail)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}
	router.GET("/health", handler.HealthCheck)

	return router
}
