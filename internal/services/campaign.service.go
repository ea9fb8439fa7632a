package services

import (
	"context"
	"strings"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
)

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context) ([]*model.Campaign, error)
	Update(ctx context.Context, id int64, fields map[string]any) (*model.Campaign, error)
	IncrementRecipients(ctx context.Context, id int64, n int) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type TemplateReader interface {
	Get(ctx context.Context, id int64) (*model.Template, error)
}

type CampaignService struct {
	campaignRepo CampaignRepository
	templateRepo TemplateReader
}

func NewCampaignService(campaignRepo CampaignRepository, templateRepo TemplateReader) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		templateRepo: templateRepo,
	}
}

// Create stores a new draft campaign. When a template is referenced its
// subject and content fill whatever the request left empty.
func (s *CampaignService) Create(ctx context.Context, req model.CampaignCreateRequest) (*model.Campaign, error) {
	if req.TemplateID != nil && s.templateRepo != nil {
		tpl, err := s.templateRepo.Get(ctx, *req.TemplateID)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Subject) == "" {
			req.Subject = tpl.Subject
		}
		if strings.TrimSpace(req.Content) == "" {
			req.Content = tpl.Content
		}
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := s.campaignRepo.Create(ctx, &model.Campaign{
		Name:        req.Name,
		Subject:     req.Subject,
		Content:     req.Content,
		SenderName:  req.SenderName,
		Status:      model.CampaignStatusDraft,
		TemplateID:  req.TemplateID,
		AIGenerated: req.AIGenerated,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	return c, nil
}

func (s *CampaignService) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.campaignRepo.Get(ctx, id)
}

func (s *CampaignService) List(ctx context.Context) ([]*model.Campaign, error) {
	return s.campaignRepo.List(ctx)
}

func (s *CampaignService) Update(ctx context.Context, id int64, req model.CampaignUpdateRequest) (*model.Campaign, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.campaignRepo.Update(ctx, id, req.Fields())
}
