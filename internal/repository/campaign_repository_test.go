package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDraft(t *testing.T, repo *CampaignRepository, name string) *model.Campaign {
	t.Helper()
	c, err := repo.Create(context.Background(), &model.Campaign{
		Name:       name,
		Subject:    "Hello {{name}}",
		Content:    "Hi {{name}}",
		SenderName: model.DefaultSenderName,
	})
	require.NoError(t, err)
	return c
}

func TestCampaignRepository_CreateAndGet(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()

	created := newDraft(t, repo, "spring")
	assert.NotZero(t, created.ID)
	assert.Equal(t, model.CampaignStatusDraft, created.Status)
	assert.Zero(t, created.TotalRecipients)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "spring", got.Name)
	assert.Equal(t, model.DefaultSenderName, got.SenderName)

	_, err = repo.Get(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCampaignRepository_ListNewestFirst(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))

	first := newDraft(t, repo, "first")
	second := newDraft(t, repo, "second")

	list, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCampaignRepository_Update(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()
	c := newDraft(t, repo, "draft")

	t.Run("draft is editable", func(t *testing.T) {
		updated, err := repo.Update(ctx, c.ID, map[string]any{"subject": "New subject"})
		require.NoError(t, err)
		assert.Equal(t, "New subject", updated.Subject)
	})

	t.Run("sending is not", func(t *testing.T) {
		require.NoError(t, repo.Transition(ctx, c.ID, model.CampaignStatusDraft, model.CampaignStatusSending))
		_, err := repo.Update(ctx, c.ID, map[string]any{"subject": "Late"})
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("missing campaign", func(t *testing.T) {
		_, err := repo.Update(ctx, 404, map[string]any{"subject": "x"})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestCampaignRepository_Transition(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()
	c := newDraft(t, repo, "lifecycle")

	require.NoError(t, repo.Transition(ctx, c.ID, model.CampaignStatusDraft, model.CampaignStatusSending))

	err := repo.Transition(ctx, c.ID, model.CampaignStatusDraft, model.CampaignStatusSending)
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, repo.Transition(ctx, c.ID, model.CampaignStatusSending, model.CampaignStatusCompleted))

	err = repo.Transition(ctx, c.ID, model.CampaignStatusCompleted, model.CampaignStatusDraft)
	assert.ErrorIs(t, err, model.ErrConflict)

	err = repo.Transition(ctx, 12345, model.CampaignStatusDraft, model.CampaignStatusSending)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCampaignRepository_TransitionIsAtomic(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	c := newDraft(t, repo, "race")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Transition(context.Background(), c.ID, model.CampaignStatusDraft, model.CampaignStatusSending); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCampaignRepository_SendLease(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()
	c := newDraft(t, repo, "lease")
	now := time.Now().UTC()

	t.Run("draft admits a run", func(t *testing.T) {
		got, err := repo.BeginSend(ctx, c.ID, "run-1", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, model.CampaignStatusSending, got.Status)
		assert.Equal(t, "run-1", got.RunID)
	})

	t.Run("held lease rejects a second run", func(t *testing.T) {
		_, err := repo.BeginSend(ctx, c.ID, "run-2", now.Add(time.Second), time.Minute)
		assert.ErrorIs(t, err, model.ErrConflict)
		assert.ErrorContains(t, err, "send already in progress")
	})

	t.Run("renew by owner only", func(t *testing.T) {
		require.NoError(t, repo.RenewLease(ctx, c.ID, "run-1", now.Add(2*time.Minute)))
		assert.ErrorIs(t, repo.RenewLease(ctx, c.ID, "run-2", now.Add(2*time.Minute)), model.ErrConflict)
	})

	t.Run("released lease admits the next run", func(t *testing.T) {
		require.NoError(t, repo.FinishSend(ctx, c.ID, "run-1", "", model.RecipientCounts{Total: 7, Sent: 5, Pending: 2}))

		got, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CampaignStatusSending, got.Status)
		assert.Empty(t, got.RunID)
		assert.Equal(t, 5, got.SentCount)

		_, err = repo.BeginSend(ctx, c.ID, "run-2", now.Add(time.Second), time.Minute)
		require.NoError(t, err)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		_, err := repo.BeginSend(ctx, c.ID, "run-3", now.Add(5*time.Minute), time.Minute)
		require.NoError(t, err)

		err = repo.FinishSend(ctx, c.ID, "run-2", model.CampaignStatusCompleted, model.RecipientCounts{})
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("completed never admits", func(t *testing.T) {
		require.NoError(t, repo.FinishSend(ctx, c.ID, "run-3", model.CampaignStatusCompleted, model.RecipientCounts{Total: 7, Sent: 7}))
		_, err := repo.BeginSend(ctx, c.ID, "run-4", now.Add(time.Hour), time.Minute)
		assert.ErrorIs(t, err, model.ErrConflict)
		assert.ErrorContains(t, err, "is already completed")
	})

	t.Run("missing campaign", func(t *testing.T) {
		_, err := repo.BeginSend(ctx, 777, "run-x", now, time.Minute)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestCampaignRepository_BeginSendAdmitsOne(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	c := newDraft(t, repo, "concurrent")
	now := time.Now().UTC()

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.BeginSend(context.Background(), c.ID, "run-"+string(rune('a'+i)), now, time.Minute)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok, conflicts := 0, 0
	for err := range results {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, model.ErrConflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
}

func TestCampaignRepository_IncrementRecipients(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()
	c := newDraft(t, repo, "counter")

	require.NoError(t, repo.IncrementRecipients(ctx, c.ID, 3))
	require.NoError(t, repo.IncrementRecipients(ctx, c.ID, 1))

	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalRecipients)

	assert.ErrorIs(t, repo.IncrementRecipients(ctx, 999, 1), model.ErrNotFound)
}

func TestCampaignRepository_FinishSendKeepsRecipientTotal(t *testing.T) {
	repo := NewCampaignRepository(SetupTestDB(t))
	ctx := context.Background()
	c := newDraft(t, repo, "late signup")
	now := time.Now().UTC()

	require.NoError(t, repo.IncrementRecipients(ctx, c.ID, 7))
	_, err := repo.BeginSend(ctx, c.ID, "run-1", now, time.Minute)
	require.NoError(t, err)

	// counted at 7, then one more recipient joins before the run finishes
	counts := model.RecipientCounts{Total: 7, Sent: 5, Pending: 2}
	require.NoError(t, repo.IncrementRecipients(ctx, c.ID, 1))
	require.NoError(t, repo.FinishSend(ctx, c.ID, "run-1", "", counts))

	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.TotalRecipients)
	assert.Equal(t, 5, got.SentCount)
}
