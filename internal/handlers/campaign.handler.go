package handlers

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/mass-mailer/internal/ingest"
	"github.com/nimasrn/mass-mailer/internal/model"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
)

const (
	defaultProgressWait = 20 * time.Second
	csvFormField        = "file"
)

type CampaignService interface {
	Create(ctx context.Context, req model.CampaignCreateRequest) (*model.Campaign, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context) ([]*model.Campaign, error)
	Update(ctx context.Context, id int64, req model.CampaignUpdateRequest) (*model.Campaign, error)
}

type RecipientService interface {
	Add(ctx context.Context, campaignID int64, req model.RecipientCreateRequest) (*model.Recipient, error)
	BulkAdd(ctx context.Context, campaignID int64, rows []model.RecipientCreateRequest) ([]*model.Recipient, []ingest.RowError, error)
	List(ctx context.Context, campaignID int64) ([]*model.Recipient, error)
	ImportCSV(ctx context.Context, campaignID int64, file io.Reader) (*ingest.Report, error)
}

type AnalyticsService interface {
	Get(ctx context.Context, campaignID int64) (*model.Analytics, error)
}

type SendService interface {
	Start(ctx context.Context, campaignID int64, testMode bool) (*model.SendRun, error)
}

type ProgressFeed interface {
	Wait(ctx context.Context, campaignID int64, after string, timeout time.Duration) (*model.ProgressPage, error)
}

type CampaignHandler struct {
	campaigns  CampaignService
	recipients RecipientService
	analytics  AnalyticsService
	sends      SendService
	progress   ProgressFeed
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns", h.CreateCampaign)
	e.GET("/campaigns", h.ListCampaigns)
	e.GET("/campaigns/{id}", h.GetCampaign)
	e.PUT("/campaigns/{id}", h.UpdateCampaign)
	e.POST("/campaigns/{id}/recipients", h.AddRecipients)
	e.GET("/campaigns/{id}/recipients", h.ListRecipients)
	e.POST("/campaigns/{id}/recipients/csv", h.UploadRecipientsCSV)
	e.GET("/campaigns/{id}/analytics", h.GetAnalytics)
	e.POST("/campaigns/{id}/send", h.SendCampaign)
	e.GET("/campaigns/{id}/progress", h.WaitProgress)
}

func NewCampaignHandler(campaigns CampaignService, recipients RecipientService, analytics AnalyticsService, sends SendService, progress ProgressFeed) *CampaignHandler {
	return &CampaignHandler{
		campaigns:  campaigns,
		recipients: recipients,
		analytics:  analytics,
		sends:      sends,
		progress:   progress,
	}
}

type sendRequest struct {
	TestMode bool `json:"test_mode"`
}

type sendResponse struct {
	Message  string `json:"message"`
	RunID    string `json:"run_id"`
	TestMode bool   `json:"test_mode"`
}

type bulkAddResponse struct {
	RecipientsAdded int                `json:"recipients_added"`
	TotalErrors     int                `json:"total_errors"`
	Errors          []ingest.RowError  `json:"errors"`
	Recipients      []*model.Recipient `json:"recipients"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req model.CampaignCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c, err := h.campaigns.Create(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, c)
}

func (h *CampaignHandler) ListCampaigns(ctx *xhttp.RequestCtx) {
	items, err := h.campaigns.List(ctx)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if items == nil {
		items = []*model.Campaign{}
	}
	writeJSON(ctx, xhttp.StatusOK, items)
}

func (h *CampaignHandler) GetCampaign(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	c, err := h.campaigns.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, c)
}

func (h *CampaignHandler) UpdateCampaign(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req model.CampaignUpdateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c, err := h.campaigns.Update(ctx, id, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, c)
}

// AddRecipients takes either a single recipient object or an array of them.
// The array form reports rejected rows instead of failing the request.
func (h *CampaignHandler) AddRecipients(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	if body := bytes.TrimSpace(ctx.PostBody()); len(body) > 0 && body[0] == '[' {
		var rows []model.RecipientCreateRequest
		if err := readJSON(ctx, &rows); err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		added, rowErrs, err := h.recipients.BulkAdd(ctx, id, rows)
		if err != nil {
			writeServiceError(ctx, err)
			return
		}
		if added == nil {
			added = []*model.Recipient{}
		}
		writeJSON(ctx, xhttp.StatusCreated, bulkAddResponse{
			RecipientsAdded: len(added),
			TotalErrors:     len(rowErrs),
			Errors:          rowErrs,
			Recipients:      added,
		})
		return
	}

	var req model.RecipientCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	r, err := h.recipients.Add(ctx, id, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, r)
}

func (h *CampaignHandler) ListRecipients(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	items, err := h.recipients.List(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if items == nil {
		items = []*model.Recipient{}
	}
	writeJSON(ctx, xhttp.StatusOK, items)
}

func (h *CampaignHandler) UploadRecipientsCSV(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	fh, err := ctx.FormFile(csvFormField)
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "a multipart file field named \"file\" is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".csv") {
		writeError(ctx, xhttp.StatusBadRequest, "File must be a CSV")
		return
	}

	f, err := fh.Open()
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "unreadable upload: "+err.Error())
		return
	}
	defer f.Close()

	report, err := h.recipients.ImportCSV(ctx, id, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, report)
}

func (h *CampaignHandler) GetAnalytics(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	a, err := h.analytics.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, a)
}

// SendCampaign admits the send and answers 202 while the run proceeds in
// the background. An empty body is a regular send.
func (h *CampaignHandler) SendCampaign(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req sendRequest
	if len(bytes.TrimSpace(ctx.PostBody())) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	run, err := h.sends.Start(ctx, id, req.TestMode)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	msg := "Campaign send started"
	if run.TestMode {
		msg = "Test send started"
	}
	writeJSON(ctx, xhttp.StatusAccepted, sendResponse{Message: msg, RunID: run.RunID, TestMode: run.TestMode})
}

// WaitProgress long-polls the campaign's progress feed. timeout accepts a
// Go duration ("15s") or a number of seconds.
func (h *CampaignHandler) WaitProgress(ctx *xhttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}

	wait := defaultProgressWait
	if v := query(ctx, "timeout"); v != "" {
		d, err := parseWait(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid timeout")
			return
		}
		wait = d
	}

	// 404 before blocking on a stream that can never fill
	if _, err := h.campaigns.Get(ctx, id); err != nil {
		writeServiceError(ctx, err)
		return
	}

	page, err := h.progress.Wait(ctx, id, query(ctx, "after"), wait)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if page.Analytics, err = h.analytics.Get(ctx, id); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, page)
}
