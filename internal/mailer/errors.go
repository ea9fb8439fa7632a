package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

var (
	ErrNoAvailableProviders = errors.New("no available mail providers")
)

// DeliveryError classifies a failed provider call as transient or permanent.
// Only transient errors are retried on another provider.
type DeliveryError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, 4)
	if e.Provider != "" {
		parts = append(parts, "provider "+e.Provider)
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err is worth retrying elsewhere.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fasthttp.ErrTimeout) {
		return true
	}
	if errors.Is(err, ErrNoAvailableProviders) {
		return true
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func isTransientStatus(code int) bool {
	return code == fasthttp.StatusTooManyRequests || code == fasthttp.StatusRequestTimeout || code >= fasthttp.StatusInternalServerError
}
