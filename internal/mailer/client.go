package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/prom"
	"github.com/valyala/fasthttp"
)

const (
	sendPath   = "/api/v1/mail/send"
	healthPath = "/health"

	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

// Transport hands rendered emails to an external provider.
type Transport interface {
	Deliver(ctx context.Context, env Envelope) error
	Check(ctx context.Context) error
}

type Config struct {
	Providers               []ProviderConfig
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	// Dial overrides the network dialer; nil uses TCP.
	Dial fasthttp.DialFunc
}

type ProviderConfig struct {
	Name     string
	URL      string
	Priority int
}

// ConfigFromUrls names providers in order and gives earlier ones priority.
func ConfigFromUrls(urls []string, timeout time.Duration) *Config {
	names := []string{"primary", "secondary", "backup"}
	cfg := &Config{
		Timeout:                 timeout,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		MaxConns:                256,
		HealthCheckInterval:     30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
	for i, u := range urls {
		name := fmt.Sprintf("provider-%d", i+1)
		if i < len(names) {
			name = names[i]
		}
		cfg.Providers = append(cfg.Providers, ProviderConfig{Name: name, URL: strings.TrimRight(u, "/"), Priority: 100 - i*10})
	}
	return cfg
}

type sendResponse struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Client delivers through the best scoring provider and fails over on
// transient errors.
type Client struct {
	cfg       *Config
	providers []*Provider

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mailer config is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one mail provider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	for _, pc := range cfg.Providers {
		hc := &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
			Dial:                cfg.Dial,
		}
		c.providers = append(c.providers, newProvider(pc.Name, pc.URL, pc.Priority, hc))
		logger.Info("mail provider registered", "name", pc.Name, "url", pc.URL, "priority", pc.Priority)
	}
	return c, nil
}

// StartHealthChecks probes providers periodically until Close.
func (c *Client) StartHealthChecks() {
	if c.cfg.HealthCheckInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
				_ = c.Check(ctx)
				cancel()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Client) pick(now time.Time, skip map[*Provider]bool) *Provider {
	var best *Provider
	var bestScore float64
	for _, p := range c.providers {
		if skip[p] {
			continue
		}
		if s := p.Score(now); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best
}

// Deliver submits env, retrying transient failures on the next best
// provider while ctx allows. A REJECTED reply is permanent.
func (c *Client) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	tried := make(map[*Provider]bool, len(c.providers))
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		p := c.pick(time.Now(), tried)
		if p == nil {
			// every provider tried once; allow a second pass
			tried = make(map[*Provider]bool, len(c.providers))
			if p = c.pick(time.Now(), tried); p == nil {
				lastErr = ErrNoAvailableProviders
				continue
			}
		}
		tried[p] = true

		started := time.Now()
		err := c.send(ctx, p, body)
		elapsed := time.Since(started)
		if err == nil {
			p.stats.Accept(elapsed.Milliseconds())
			logger.Debug("mail accepted", "to", env.To, "provider", p.name, "latency_ms", elapsed.Milliseconds())
			return nil
		}

		lastErr = err
		if !IsTransient(err) {
			return err
		}
		p.stats.Fail()
		if p.tripIfFailing(c.cfg.CircuitBreakerThreshold, c.cfg.CircuitBreakerTimeout) {
			logger.Warn("mail provider circuit opened", "provider", p.name, "cool_down", c.cfg.CircuitBreakerTimeout)
		}
		logger.Warn("mail delivery attempt failed", "provider", p.name, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, p *Provider, body []byte) error {
	code, payload, err := c.do(ctx, p, fasthttp.MethodPost, sendPath, body)
	if err != nil {
		return &DeliveryError{Provider: p.name, Transient: true, Cause: err}
	}
	if code != fasthttp.StatusOK && code != fasthttp.StatusAccepted {
		return &DeliveryError{
			Provider:   p.name,
			StatusCode: code,
			Message:    truncate(string(payload), 200),
			Transient:  isTransientStatus(code),
		}
	}

	var resp sendResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return &DeliveryError{Provider: p.name, StatusCode: code, Message: "malformed provider response", Cause: err}
	}
	if resp.Status != StatusAccepted {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "rejected by provider"
		}
		return &DeliveryError{Provider: p.name, StatusCode: code, Message: msg}
	}
	return nil
}

func (c *Client) do(ctx context.Context, p *Provider, method, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if err := p.http.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, err
	}

	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

// Check probes every provider's health endpoint and updates its state.
// It fails when no provider is reachable.
func (c *Client) Check(ctx context.Context) error {
	healthy := 0
	for _, p := range c.providers {
		ok := c.probe(ctx, p)
		p.checkedAt.Store(time.Now().Unix())
		prom.SetProviderHealthy(p.name, ok)

		before := p.State()
		switch {
		case ok && (before == StateUnhealthy || before == StateDegraded):
			p.setState(StateHealthy)
		case !ok:
			p.setState(StateUnhealthy)
		}
		if after := p.State(); after != before {
			logger.Info("mail provider state changed", "provider", p.name, "from", before.String(), "to", after.String())
		}
		if ok {
			healthy++
		}
	}
	if healthy == 0 {
		return ErrNoAvailableProviders
	}
	return nil
}

func (c *Client) probe(ctx context.Context, p *Provider) bool {
	code, payload, err := c.do(ctx, p, fasthttp.MethodGet, healthPath, nil)
	if err != nil || code != fasthttp.StatusOK {
		return false
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &health); err != nil {
		return false
	}
	return health.Status == "healthy"
}

// Stats lists providers by descending score.
func (c *Client) Stats() []ProviderStats {
	now := time.Now()
	out := make([]ProviderStats, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.snapshot(now))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

