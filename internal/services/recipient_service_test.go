package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseTTL = time.Minute

func nowUTC() time.Time { return time.Now().UTC() }

func newCampaign(t *testing.T, s stores) *model.Campaign {
	t.Helper()
	c, err := NewCampaignService(s.campaigns, s.templates).Create(context.Background(), model.CampaignCreateRequest{
		Name: "newsletter", Subject: "Hi {{name}}", Content: "News for {{name}}",
	})
	require.NoError(t, err)
	return c
}

func TestRecipientService_Add(t *testing.T) {
	s := setupStores(t)
	svc := NewRecipientService(s.campaigns, s.recipients)
	c := newCampaign(t, s)
	ctx := context.Background()

	r, err := svc.Add(ctx, c.ID, model.RecipientCreateRequest{Email: " ann@example.com ", Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", r.Email)
	assert.Equal(t, model.RecipientStatusPending, r.Status)

	_, err = svc.Add(ctx, c.ID, model.RecipientCreateRequest{Email: "ANN@example.com"})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	_, err = svc.Add(ctx, c.ID, model.RecipientCreateRequest{Email: "not-an-email"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.Add(ctx, 9999, model.RecipientCreateRequest{Email: "bob@example.com"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	stored, err := s.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalRecipients)
}

func TestRecipientService_AddToFinalizedCampaign(t *testing.T) {
	s := setupStores(t)
	svc := NewRecipientService(s.campaigns, s.recipients)
	c := newCampaign(t, s)
	ctx := context.Background()

	_, err := s.campaigns.BeginSend(ctx, c.ID, "run", nowUTC(), leaseTTL)
	require.NoError(t, err)

	// a campaign that is sending still takes recipients
	_, err = svc.Add(ctx, c.ID, model.RecipientCreateRequest{Email: "late@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.campaigns.FinishSend(ctx, c.ID, "run", model.CampaignStatusCompleted, model.RecipientCounts{}))
	_, err = svc.Add(ctx, c.ID, model.RecipientCreateRequest{Email: "later@example.com"})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestRecipientService_BulkAdd(t *testing.T) {
	s := setupStores(t)
	svc := NewRecipientService(s.campaigns, s.recipients)
	c := newCampaign(t, s)

	added, rowErrs, err := svc.BulkAdd(context.Background(), c.ID, []model.RecipientCreateRequest{
		{Email: "a@example.com"},
		{Email: "bad"},
		{Email: "A@example.com"},
		{Email: "b@example.com", Name: "Bee"},
	})
	require.NoError(t, err)
	assert.Len(t, added, 2)
	require.Len(t, rowErrs, 2)
	assert.Equal(t, 2, rowErrs[0].Row)
	assert.Equal(t, "invalid email address", rowErrs[0].Reason)
	assert.Equal(t, 3, rowErrs[1].Row)
	assert.Equal(t, "duplicate email", rowErrs[1].Reason)
}

func TestRecipientService_ImportCSV(t *testing.T) {
	s := setupStores(t)
	svc := NewRecipientService(s.campaigns, s.recipients)
	c := newCampaign(t, s)
	ctx := context.Background()

	file := "Email,Name,City\nann@example.com,Ann,Oslo\n,NoMail,\nnot-an-email,X,\nANN@example.com,Dup,\nbob@example.com,Bob,Rome\n"
	report, err := svc.ImportCSV(ctx, c.ID, strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 2, report.RecipientsAdded)
	assert.Equal(t, 3, report.TotalErrors)

	list, err := svc.List(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Oslo", list[0].Metadata["city"])

	stored, err := s.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalRecipients)

	_, err = svc.ImportCSV(ctx, c.ID, strings.NewReader("name\nAnn\n"))
	assert.ErrorIs(t, err, model.ErrFormat)

	_, err = svc.ImportCSV(ctx, 404, strings.NewReader(file))
	assert.ErrorIs(t, err, model.ErrNotFound)
}
