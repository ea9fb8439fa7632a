package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/mass-mailer/internal/model"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
)

type ContentGenerator interface {
	Generate(ctx context.Context, req model.ContentRequest) (*model.GeneratedContent, error)
}

type AIHandler struct {
	gen ContentGenerator
}

func RegisterAIRoutes(e *router.Group, h *AIHandler) {
	e.POST("/ai/generate-content", h.GenerateContent)
}

// NewAIHandler accepts a nil generator; the route then answers 502 so the
// rest of the API works without an AI key.
func NewAIHandler(gen ContentGenerator) *AIHandler {
	return &AIHandler{gen: gen}
}

func (h *AIHandler) GenerateContent(ctx *xhttp.RequestCtx) {
	var req model.ContentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if h.gen == nil {
		writeServiceError(ctx, model.Upstream("AI content generation is not configured", nil))
		return
	}
	out, err := h.gen.Generate(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, out)
}
