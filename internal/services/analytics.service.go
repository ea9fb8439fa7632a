package services

import (
	"context"

	"github.com/nimasrn/mass-mailer/internal/model"
)

type CampaignReader interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
}

type RecipientCounter interface {
	CountsByCampaign(ctx context.Context, campaignID int64) (model.RecipientCounts, error)
}

// AnalyticsService is a read-only view computed from live recipient rows on
// every call, safe to use while a send is running.
type AnalyticsService struct {
	campaigns  CampaignReader
	recipients RecipientCounter
}

func NewAnalyticsService(campaigns CampaignReader, recipients RecipientCounter) *AnalyticsService {
	return &AnalyticsService{campaigns: campaigns, recipients: recipients}
}

func (s *AnalyticsService) Get(ctx context.Context, campaignID int64) (*model.Analytics, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.recipients.CountsByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return model.NewAnalytics(c, counts), nil
}
