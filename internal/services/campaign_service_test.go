package services

import (
	"context"
	"testing"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stores struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	templates  *repository.TemplateRepository
}

func setupStores(t *testing.T) stores {
	t.Helper()
	db := repository.SetupTestDB(t)
	return stores{
		campaigns:  repository.NewCampaignRepository(db),
		recipients: repository.NewRecipientRepository(db),
		templates:  repository.NewTemplateRepository(db),
	}
}

func TestCampaignService_Create(t *testing.T) {
	s := setupStores(t)
	svc := NewCampaignService(s.campaigns, s.templates)
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		c, err := svc.Create(ctx, model.CampaignCreateRequest{Name: " Launch ", Subject: "Hi", Content: "Hello {{name}}"})
		require.NoError(t, err)
		assert.Equal(t, "Launch", c.Name)
		assert.Equal(t, model.DefaultSenderName, c.SenderName)
		assert.Equal(t, model.CampaignStatusDraft, c.Status)
		assert.Zero(t, c.TotalRecipients)
	})

	t.Run("missing fields", func(t *testing.T) {
		for _, req := range []model.CampaignCreateRequest{
			{Subject: "s", Content: "c"},
			{Name: "n", Content: "c"},
			{Name: "n", Subject: "s", Content: "   "},
		} {
			_, err := svc.Create(ctx, req)
			assert.ErrorIs(t, err, model.ErrValidation)
		}
	})

	t.Run("template fills empty subject and content", func(t *testing.T) {
		tpl, err := s.templates.Create(ctx, &model.Template{Name: "welcome", Subject: "Welcome {{name}}", Content: "Glad you are here"})
		require.NoError(t, err)

		c, err := svc.Create(ctx, model.CampaignCreateRequest{Name: "from template", TemplateID: &tpl.ID})
		require.NoError(t, err)
		assert.Equal(t, "Welcome {{name}}", c.Subject)
		assert.Equal(t, "Glad you are here", c.Content)
		require.NotNil(t, c.TemplateID)
		assert.Equal(t, tpl.ID, *c.TemplateID)

		c, err = svc.Create(ctx, model.CampaignCreateRequest{Name: "override", Subject: "Own subject", TemplateID: &tpl.ID})
		require.NoError(t, err)
		assert.Equal(t, "Own subject", c.Subject)
		assert.Equal(t, "Glad you are here", c.Content)
	})

	t.Run("unknown template", func(t *testing.T) {
		missing := int64(999)
		_, err := svc.Create(ctx, model.CampaignCreateRequest{Name: "x", TemplateID: &missing})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestCampaignService_Update(t *testing.T) {
	s := setupStores(t)
	svc := NewCampaignService(s.campaigns, s.templates)
	ctx := context.Background()

	c, err := svc.Create(ctx, model.CampaignCreateRequest{Name: "draft", Subject: "s", Content: "c"})
	require.NoError(t, err)

	subject := "new subject"
	updated, err := svc.Update(ctx, c.ID, model.CampaignUpdateRequest{Subject: &subject})
	require.NoError(t, err)
	assert.Equal(t, "new subject", updated.Subject)
	assert.Equal(t, "draft", updated.Name)

	empty := " "
	_, err = svc.Update(ctx, c.ID, model.CampaignUpdateRequest{Name: &empty})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.campaigns.BeginSend(ctx, c.ID, "run", nowUTC(), leaseTTL)
	require.NoError(t, err)
	_, err = svc.Update(ctx, c.ID, model.CampaignUpdateRequest{Subject: &subject})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = svc.Update(ctx, 12345, model.CampaignUpdateRequest{Subject: &subject})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCampaignService_ListNewestFirst(t *testing.T) {
	s := setupStores(t)
	svc := NewCampaignService(s.campaigns, s.templates)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := svc.Create(ctx, model.CampaignCreateRequest{Name: name, Subject: "s", Content: "c"})
		require.NoError(t, err)
	}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].Name)
	assert.Equal(t, "first", list[2].Name)
}
