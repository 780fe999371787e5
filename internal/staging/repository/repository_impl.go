package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"gorm.io/gorm"
)

const jobColumns = `id, account_id, property_id, parent_job_id, version_group_id, room_type, style,
	original_image_url, mask_image_url, staged_image_url, provider, external_id, status, error_message,
	is_primary_version, credit_cost, processing_ms, created_at, updated_at, completed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO staging_jobs (
			id, account_id, property_id, parent_job_id, version_group_id, room_type, style,
			original_image_url, mask_image_url, provider, status, is_primary_version, credit_cost,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.AccountID,
		job.PropertyID,
		job.ParentJobID,
		job.VersionGroupID,
		job.RoomType,
		job.Style,
		job.OriginalImageURL,
		job.MaskImageURL,
		job.Provider,
		job.Status,
		job.IsPrimaryVersion,
		job.CreditCost,
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM staging_jobs WHERE id = ?`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) FindForAccount(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM staging_jobs WHERE id = ? AND account_id = ?`,
		id, accountID,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, accountID snowflake.ID, page pagination.Pagination) ([]*domain.Job, error) {
	stmt, err := pagination.Apply(
		db.WithContext(ctx).Model(&domain.Job{}).Where("account_id = ?", accountID),
		page,
	)
	if err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) ListVersions(ctx context.Context, db *gorm.DB, accountID, groupID snowflake.ID) ([]domain.Job, error) {
	var jobs []domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM staging_jobs
		 WHERE account_id = ? AND version_group_id = ?
		 ORDER BY created_at ASC, id ASC`,
		accountID, groupID,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE staging_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, id, from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetOriginalImage(ctx context.Context, db *gorm.DB, id snowflake.ID, originalURL string, maskURL *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staging_jobs SET original_image_url = ?, mask_image_url = ?, updated_at = ? WHERE id = ?`,
		originalURL, maskURL, now, id,
	).Error
}

func (r *repo) MarkSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.Status, externalID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE staging_jobs
		 SET status = ?, external_id = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusProcessing, externalID, now, id, from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, c domain.Completion) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE staging_jobs
		 SET status = ?, staged_image_url = ?, credit_cost = ?, processing_ms = ?,
		     completed_at = ?, updated_at = ?, error_message = NULL
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted, c.StagedImageURL, c.CreditCost, c.ProcessingMs,
		c.CompletedAt, c.CompletedAt, id, domain.StatusUploading,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE staging_jobs
		 SET status = ?, error_message = ?, staged_image_url = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		domain.StatusFailed, message, now, id, domain.StatusCompleted, domain.StatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) AssignVersionGroup(ctx context.Context, db *gorm.DB, id, groupID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staging_jobs SET version_group_id = ?, updated_at = ? WHERE id = ? AND version_group_id IS NULL`,
		groupID, now, id,
	).Error
}

func (r *repo) ClearPrimary(ctx context.Context, db *gorm.DB, accountID, groupID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE staging_jobs SET is_primary_version = ?, updated_at = ?
		 WHERE account_id = ? AND version_group_id = ? AND is_primary_version = ?`,
		false, now, accountID, groupID, true,
	).Error
}

func (r *repo) SetPrimary(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE staging_jobs SET is_primary_version = ?, updated_at = ? WHERE id = ? AND account_id = ?`,
		true, now, id, accountID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
