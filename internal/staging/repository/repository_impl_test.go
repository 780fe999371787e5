package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	"github.com/smallbiznis/stagecraft/internal/staging/repository"
	"github.com/smallbiznis/stagecraft/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(node *snowflake.Node, accountID snowflake.ID, status domain.Status, now time.Time) *domain.Job {
	return &domain.Job{
		ID:               node.Generate(),
		AccountID:        accountID,
		RoomType:         "bedroom",
		Style:            "coastal",
		OriginalImageURL: "https://cdn.test/original.jpg",
		Provider:         "replicate",
		Status:           status,
		IsPrimaryVersion: true,
		CreditCost:       1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	accountID := node.Generate()

	job := newJob(node, accountID, domain.StatusQueued, now)
	require.NoError(t, repo.Insert(ctx, db, job))

	ok, err := repo.Transition(ctx, db, job.ID, domain.StatusProcessing, domain.StatusUploading, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Transition(ctx, db, job.ID, domain.StatusQueued, domain.StatusPreprocessing, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkSubmitted(ctx, db, job.ID, domain.StatusPreprocessing, "pred-9", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Completion requires the uploading claim.
	ok, err = repo.MarkCompleted(ctx, db, job.ID, domain.Completion{StagedImageURL: "https://cdn.test/staged.jpg", CompletedAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Transition(ctx, db, job.ID, domain.StatusProcessing, domain.StatusUploading, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Transition(ctx, db, job.ID, domain.StatusProcessing, domain.StatusUploading, now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = repo.MarkCompleted(ctx, db, job.ID, domain.Completion{
		StagedImageURL: "https://cdn.test/staged.jpg",
		CreditCost:     1,
		ProcessingMs:   4200,
		CompletedAt:    now.Add(5 * time.Second),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(ctx, db, job.ID, "late failure", now)
	require.NoError(t, err)
	assert.False(t, ok, "completed jobs are terminal")

	got, err := repo.FindByID(ctx, db, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "pred-9", *got.ExternalID)
	require.NotNil(t, got.StagedImageURL)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.ProcessingMs)
	assert.Equal(t, int64(4200), *got.ProcessingMs)
}

func TestStagedURLRequiresCompletedStatus(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	now := time.Now().UTC()

	job := newJob(node, node.Generate(), domain.StatusProcessing, now)
	require.NoError(t, repo.Insert(ctx, db, job))

	err = db.Exec("UPDATE staging_jobs SET staged_image_url = 'x' WHERE id = ?", job.ID).Error
	assert.Error(t, err)

	ok, err := repo.MarkFailed(ctx, db, job.ID, "boom", now)
	require.NoError(t, err)
	assert.True(t, ok)
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM staging_jobs WHERE status = 'failed' AND staged_image_url IS NULL AND error_message = 'boom'", 1)
}

func TestFindForAccountScopesOwner(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	owner := node.Generate()
	job := newJob(node, owner, domain.StatusQueued, time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, db, job))

	got, err := repo.FindForAccount(ctx, db, owner, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = repo.FindForAccount(ctx, db, node.Generate(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVersionGroupPrimary(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := node.Generate()

	source := newJob(node, owner, domain.StatusQueued, now)
	require.NoError(t, repo.Insert(ctx, db, source))
	require.NoError(t, repo.AssignVersionGroup(ctx, db, source.ID, source.ID, now))

	sibling := newJob(node, owner, domain.StatusQueued, now.Add(time.Second))
	sibling.VersionGroupID = &source.ID
	sibling.ParentJobID = &source.ID
	sibling.IsPrimaryVersion = false
	require.NoError(t, repo.Insert(ctx, db, sibling))

	other := node.Generate()
	require.NoError(t, repo.AssignVersionGroup(ctx, db, source.ID, other, now))
	reloaded, err := repo.FindByID(ctx, db, source.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.VersionGroupID)
	assert.Equal(t, source.ID, *reloaded.VersionGroupID, "group is only assigned once")

	require.NoError(t, repo.ClearPrimary(ctx, db, owner, source.ID, now))
	ok, err := repo.SetPrimary(ctx, db, owner, sibling.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	versions, err := repo.ListVersions(ctx, db, owner, source.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, source.ID, versions[0].ID)
	assert.False(t, versions[0].IsPrimaryVersion)
	assert.True(t, versions[1].IsPrimaryVersion)

	ok, err = repo.SetPrimary(ctx, db, node.Generate(), sibling.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}
