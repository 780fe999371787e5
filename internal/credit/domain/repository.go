package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Account, error)
	DebitAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error)
	AddToAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error
	SetAccountBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, balance int64, now time.Time) error

	FindMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Member, error)
	InsertMember(ctx context.Context, db *gorm.DB, member *Member) error
	ListMembers(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Member, error)
	DebitMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error)
	ResetMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID, allocated int64, now time.Time) error
	IncreaseMemberAllocation(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, amount int64, now time.Time) (bool, error)
	TakeMemberSpare(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, amount int64, now time.Time) (bool, error)
	SetMemberAllocation(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, allocated int64, now time.Time) error
	ResetMembersUsage(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error
	ClearNonOwnerAllocations(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error
	ZeroMembers(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error
	SumAllocated(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)

	FindOrganizationByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Organization, error)
	FindOrganizationByOwner(ctx context.Context, db *gorm.DB, ownerAccountID snowflake.ID) (*Organization, error)
	InsertOrganization(ctx context.Context, db *gorm.DB, org *Organization) error
	UpdateOrganizationCredits(ctx context.Context, db *gorm.DB, orgID snowflake.ID, total, unallocated int64, now time.Time) error
	TakeUnallocated(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, now time.Time) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, page pagination.Pagination) ([]*Transaction, error)
}
