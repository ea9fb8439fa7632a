package handlers

import (
	"context"
	"io"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/mass-mailer/internal/ingest"
	"github.com/nimasrn/mass-mailer/internal/model"
	xhttp "github.com/nimasrn/mass-mailer/pkg/http"
	"github.com/stretchr/testify/mock"
	"github.com/valyala/fasthttp"
)

type MockCampaignService struct {
	mock.Mock
}

func (m *MockCampaignService) Create(ctx context.Context, req model.CampaignCreateRequest) (*model.Campaign, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

func (m *MockCampaignService) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

func (m *MockCampaignService) List(ctx context.Context) ([]*model.Campaign, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Campaign), args.Error(1)
}

func (m *MockCampaignService) Update(ctx context.Context, id int64, req model.CampaignUpdateRequest) (*model.Campaign, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Campaign), args.Error(1)
}

type MockRecipientService struct {
	mock.Mock
}

func (m *MockRecipientService) Add(ctx context.Context, campaignID int64, req model.RecipientCreateRequest) (*model.Recipient, error) {
	args := m.Called(ctx, campaignID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recipient), args.Error(1)
}

func (m *MockRecipientService) BulkAdd(ctx context.Context, campaignID int64, rows []model.RecipientCreateRequest) ([]*model.Recipient, []ingest.RowError, error) {
	args := m.Called(ctx, campaignID, rows)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).([]*model.Recipient), args.Get(1).([]ingest.RowError), args.Error(2)
}

func (m *MockRecipientService) List(ctx context.Context, campaignID int64) ([]*model.Recipient, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Recipient), args.Error(1)
}

func (m *MockRecipientService) ImportCSV(ctx context.Context, campaignID int64, file io.Reader) (*ingest.Report, error) {
	args := m.Called(ctx, campaignID, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Report), args.Error(1)
}

type MockAnalyticsService struct {
	mock.Mock
}

func (m *MockAnalyticsService) Get(ctx context.Context, campaignID int64) (*model.Analytics, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Analytics), args.Error(1)
}

type MockSendService struct {
	mock.Mock
}

func (m *MockSendService) Start(ctx context.Context, campaignID int64, testMode bool) (*model.SendRun, error) {
	args := m.Called(ctx, campaignID, testMode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SendRun), args.Error(1)
}

type MockProgressFeed struct {
	mock.Mock
}

func (m *MockProgressFeed) Wait(ctx context.Context, campaignID int64, after string, timeout time.Duration) (*model.ProgressPage, error) {
	args := m.Called(ctx, campaignID, after, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProgressPage), args.Error(1)
}

type MockTemplateService struct {
	mock.Mock
}

func (m *MockTemplateService) Create(ctx context.Context, req model.TemplateCreateRequest) (*model.Template, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Template), args.Error(1)
}

func (m *MockTemplateService) Get(ctx context.Context, id int64) (*model.Template, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Template), args.Error(1)
}

func (m *MockTemplateService) List(ctx context.Context) ([]*model.Template, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Template), args.Error(1)
}

type MockContentGenerator struct {
	mock.Mock
}

func (m *MockContentGenerator) Generate(ctx context.Context, req model.ContentRequest) (*model.GeneratedContent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GeneratedContent), args.Error(1)
}

type MockHealthService struct {
	mock.Mock
}

func (m *MockHealthService) Check(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

// serve routes ctx through a router mounted at /api, the way cmd/api does.
func serve(ctx *xhttp.RequestCtx, register func(g *router.Group)) {
	r := xhttp.CreateDefaultRouter()
	register(r.Group("/api"))
	r.Handler(ctx)
}
