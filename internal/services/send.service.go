package services

import (
	"context"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
)

type SendAdmitter interface {
	Admit(ctx context.Context, campaignID int64, testMode bool) (*model.SendRun, error)
	Abandon(ctx context.Context, run model.SendRun)
}

type SendDispatcher interface {
	Dispatch(ctx context.Context, run model.SendRun) error
}

// SendService admits a send synchronously and leaves its execution to the
// dispatcher, so callers learn about 404/409 right away.
type SendService struct {
	admitter   SendAdmitter
	dispatcher SendDispatcher
}

func NewSendService(admitter SendAdmitter, dispatcher SendDispatcher) *SendService {
	return &SendService{admitter: admitter, dispatcher: dispatcher}
}

func (s *SendService) Start(ctx context.Context, campaignID int64, testMode bool) (*model.SendRun, error) {
	run, err := s.admitter.Admit(ctx, campaignID, testMode)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, *run); err != nil {
		logger.Error("failed to dispatch send run, releasing it", "campaign_id", campaignID, "run_id", run.RunID, "error", err)
		s.admitter.Abandon(ctx, *run)
		return nil, model.Upstream("send queue unavailable", err)
	}
	return run, nil
}
