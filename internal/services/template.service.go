package services

import (
	"context"

	"github.com/nimasrn/mass-mailer/internal/model"
)

type TemplateRepository interface {
	Create(ctx context.Context, t *model.Template) (*model.Template, error)
	Get(ctx context.Context, id int64) (*model.Template, error)
	List(ctx context.Context) ([]*model.Template, error)
}

type TemplateService struct {
	repo TemplateRepository
}

func NewTemplateService(repo TemplateRepository) *TemplateService {
	return &TemplateService{repo: repo}
}

// Create stores a reusable subject/content pair. Variables default to the
// placeholders found in the text.
func (s *TemplateService) Create(ctx context.Context, req model.TemplateCreateRequest) (*model.Template, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, &model.Template{
		Name:      req.Name,
		Subject:   req.Subject,
		Content:   req.Content,
		Variables: req.Variables,
	})
}

func (s *TemplateService) Get(ctx context.Context, id int64) (*model.Template, error) {
	return s.repo.Get(ctx, id)
}

func (s *TemplateService) List(ctx context.Context) ([]*model.Template, error) {
	return s.repo.List(ctx)
}
