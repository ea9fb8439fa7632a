package helpers

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/nimasrn/mass-mailer/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func SetupTestDB(t *testing.T) *pg.DB {
	return repository.SetupTestDB(t)
}

// SetupTestRedis registers an adapter under a name unique to the test, the
// adapter registry being process wide.
func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.Register(t.Name()+"@"+mr.Addr(), "", client)
}

// Relay is an in-memory mail provider speaking the send and health protocol.
type Relay struct {
	mu       sync.Mutex
	received []mailer.Envelope
	reject   map[string]string
	healthy  bool
}

func (r *Relay) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		r.mu.Lock()
		status := "healthy"
		if !r.healthy {
			status = "unhealthy"
		}
		r.mu.Unlock()
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"status":"` + status + `"}`)
	case "/api/v1/mail/send":
		var env mailer.Envelope
		if err := json.Unmarshal(ctx.PostBody(), &env); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		r.mu.Lock()
		reason, rejected := r.reject[env.To]
		if !rejected {
			r.received = append(r.received, env)
		}
		r.mu.Unlock()

		ctx.SetStatusCode(fasthttp.StatusAccepted)
		if rejected {
			ctx.SetBodyString(`{"status":"REJECTED","error_message":"` + reason + `"}`)
			return
		}
		ctx.SetBodyString(`{"message_id":"` + env.MessageID + `","status":"ACCEPTED"}`)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// Reject makes every send to email fail permanently with reason.
func (r *Relay) Reject(email, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject[email] = reason
}

func (r *Relay) SetHealthy(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = ok
}

// Received returns the accepted envelopes in arrival order.
func (r *Relay) Received() []mailer.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mailer.Envelope(nil), r.received...)
}

// StartRelay serves a Relay on an in-memory listener and returns a mail
// client wired to it.
func StartRelay(t *testing.T) (*Relay, *mailer.Client) {
	t.Helper()
	relay := &Relay{reject: make(map[string]string), healthy: true}

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: relay.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	cfg := mailer.ConfigFromUrls([]string{"http://relay"}, 2*time.Second)
	cfg.RetryDelay = time.Millisecond
	cfg.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	client, err := mailer.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return relay, client
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
