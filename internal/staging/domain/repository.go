package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"gorm.io/gorm"
)

// Completion carries the columns stamped when a job finishes successfully.
type Completion struct {
	StagedImageURL string
	CreditCost     int64
	ProcessingMs   int64
	CompletedAt    time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	FindForAccount(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID) (*Job, error)
	List(ctx context.Context, db *gorm.DB, accountID snowflake.ID, page pagination.Pagination) ([]*Job, error)
	ListVersions(ctx context.Context, db *gorm.DB, accountID, groupID snowflake.ID) ([]Job, error)

	// Transition flips status only when the row is still in from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	SetOriginalImage(ctx context.Context, db *gorm.DB, id snowflake.ID, originalURL string, maskURL *string, now time.Time) error
	MarkSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, externalID string, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, c Completion) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error)

	AssignVersionGroup(ctx context.Context, db *gorm.DB, id, groupID snowflake.ID, now time.Time) error
	ClearPrimary(ctx context.Context, db *gorm.DB, accountID, groupID snowflake.ID, now time.Time) error
	SetPrimary(ctx context.Context, db *gorm.DB, accountID, id snowflake.ID, now time.Time) (bool, error)
}
