package services

import (
	"context"
	"errors"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/mass-mailer/internal/ingest"
	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/prom"
)

type RecipientRepository interface {
	Create(ctx context.Context, r *model.Recipient) (*model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID int64) ([]*model.Recipient, error)
	CountsByCampaign(ctx context.Context, campaignID int64) (model.RecipientCounts, error)
}

type RecipientService struct {
	campaignRepo  CampaignRepository
	recipientRepo RecipientRepository
	validate      *validator.Validate
}

func NewRecipientService(campaignRepo CampaignRepository, recipientRepo RecipientRepository) *RecipientService {
	return &RecipientService{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Add validates and stores one recipient, bumping the campaign's
// total_recipients in the same transaction. Finalized campaigns take no
// new recipients.
func (s *RecipientService) Add(ctx context.Context, campaignID int64, req model.RecipientCreateRequest) (*model.Recipient, error) {
	req.Normalize()
	if err := s.validate.Struct(req); err != nil {
		return nil, model.Validationf("invalid email address")
	}

	var created *model.Recipient
	err := s.campaignRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		c, err := s.campaignRepo.GetForUpdate(ctx, campaignID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return model.Conflictf("campaign %d is %s", campaignID, c.Status)
		}

		created, err = s.recipientRepo.Create(ctx, &model.Recipient{
			CampaignID: campaignID,
			Email:      req.Email,
			Name:       req.Name,
			Metadata:   req.Metadata,
		})
		if err != nil {
			return err
		}
		return s.campaignRepo.IncrementRecipients(ctx, campaignID, 1)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *RecipientService) List(ctx context.Context, campaignID int64) ([]*model.Recipient, error) {
	if _, err := s.campaignRepo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.recipientRepo.ListByCampaign(ctx, campaignID)
}

// BulkAdd adds rows one by one and keeps going past invalid or duplicate ones.
func (s *RecipientService) BulkAdd(ctx context.Context, campaignID int64, rows []model.RecipientCreateRequest) ([]*model.Recipient, []ingest.RowError, error) {
	if _, err := s.campaignRepo.Get(ctx, campaignID); err != nil {
		return nil, nil, err
	}

	var added []*model.Recipient
	rowErrs := []ingest.RowError{}
	for i, row := range rows {
		r, err := s.Add(ctx, campaignID, row)
		if err == nil {
			added = append(added, r)
			continue
		}
		if reason, ok := rowReason(err); ok {
			rowErrs = append(rowErrs, ingest.RowError{Row: i + 1, Email: row.Email, Reason: reason})
			continue
		}
		return nil, nil, err
	}
	return added, rowErrs, nil
}

// ImportCSV ingests an uploaded file. Only a file without a usable header or a
// store failure fails the whole call.
func (s *RecipientService) ImportCSV(ctx context.Context, campaignID int64, file io.Reader) (*ingest.Report, error) {
	c, err := s.campaignRepo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, model.Conflictf("campaign %d is %s", campaignID, c.Status)
	}

	report, err := ingest.Import(ctx, file, func(ctx context.Context, req model.RecipientCreateRequest) error {
		_, err := s.Add(ctx, campaignID, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	prom.ObserveIngest("csv", report.RecipientsAdded, report.TotalErrors)
	logger.Info("csv imported", "campaign_id", campaignID, "added", report.RecipientsAdded, "errors", report.TotalErrors)
	return report, nil
}

func rowReason(err error) (string, bool) {
	switch {
	case errors.Is(err, model.ErrDuplicate):
		return "duplicate email", true
	case errors.Is(err, model.ErrValidation):
		return "invalid email address", true
	}
	return "", false
}
