package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
	"github.com/nimasrn/mass-mailer/pkg/logger"
)

type HealthService interface {
	Check(ctx context.Context) (map[string]string, error)
}

type HealthHandler struct {
	svc     HealthService
	service string
	version string
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/", h.GetBanner)
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(svc HealthService, service, version string) *HealthHandler {
	return &HealthHandler{svc: svc, service: service, version: version}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Service      string            `json:"service"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (h *HealthHandler) GetBanner(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, map[string]string{
		"message": h.service + " API",
		"version": h.version,
	})
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	deps, err := h.svc.Check(ctx)
	if err != nil {
		logger.Warn("health check failed", "error", err)
		writeJSON(ctx, xhttp.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Service: h.service, Dependencies: deps})
		return
	}
	writeJSON(ctx, xhttp.StatusOK, healthResponse{Status: "healthy", Service: h.service, Dependencies: deps})
}
