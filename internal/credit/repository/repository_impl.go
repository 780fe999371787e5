package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/credit/domain"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, remaining, updated_at FROM credit_accounts WHERE account_id = ?`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.AccountID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) DebitAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET remaining = remaining - ?, updated_at = ?
		 WHERE account_id = ? AND remaining >= ?`,
		amount, now, accountID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) AddToAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (account_id, remaining, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET remaining = credit_accounts.remaining + excluded.remaining, updated_at = excluded.updated_at`,
		accountID, amount, now,
	).Error
}

func (r *repo) SetAccountBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (account_id, remaining, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET remaining = excluded.remaining, updated_at = excluded.updated_at`,
		accountID, balance, now,
	).Error
}

const memberColumns = `id, org_id, account_id, role, allocated_credits, used_credits, created_at, updated_at`

func (r *repo) FindMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT `+memberColumns+` FROM organization_members WHERE account_id = ?`,
		accountID,
	).Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repo) InsertMember(ctx context.Context, db *gorm.DB, member *domain.Member) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organization_members (`+memberColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.OrgID,
		member.AccountID,
		string(member.Role),
		member.AllocatedCredits,
		member.UsedCredits,
		member.CreatedAt,
		member.UpdatedAt,
	).Error
}

func (r *repo) ListMembers(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.Member, error) {
	var members []domain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT `+memberColumns+` FROM organization_members WHERE org_id = ? ORDER BY created_at ASC, id ASC`,
		orgID,
	).Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) DebitMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET used_credits = used_credits + ?, updated_at = ?
		 WHERE account_id = ? AND used_credits + ? <= allocated_credits`,
		amount, now, accountID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ResetMember(ctx context.Context, db *gorm.DB, accountID snowflake.ID, allocated int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET allocated_credits = ?, used_credits = 0, updated_at = ?
		 WHERE account_id = ?`,
		allocated, now, accountID,
	).Error
}

func (r *repo) IncreaseMemberAllocation(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET allocated_credits = allocated_credits + ?, updated_at = ?
		 WHERE org_id = ? AND account_id = ?`,
		amount, now, orgID, accountID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) TakeMemberSpare(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET allocated_credits = allocated_credits - ?, updated_at = ?
		 WHERE org_id = ? AND account_id = ? AND allocated_credits - used_credits >= ?`,
		amount, now, orgID, accountID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetMemberAllocation(ctx context.Context, db *gorm.DB, orgID, accountID snowflake.ID, allocated int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET allocated_credits = ?, updated_at = ?
		 WHERE org_id = ? AND account_id = ?`,
		allocated, now, orgID, accountID,
	).Error
}

func (r *repo) ResetMembersUsage(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_members SET used_credits = 0, updated_at = ? WHERE org_id = ?`,
		now, orgID,
	).Error
}

func (r *repo) ClearNonOwnerAllocations(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_members SET allocated_credits = 0, updated_at = ? WHERE org_id = ? AND role <> ?`,
		now, orgID, string(domain.RoleOwner),
	).Error
}

func (r *repo) ZeroMembers(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_members
		 SET allocated_credits = 0, used_credits = 0, updated_at = ?
		 WHERE org_id = ?`,
		now, orgID,
	).Error
}

func (r *repo) SumAllocated(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(allocated_credits), 0) FROM organization_members WHERE org_id = ?`,
		orgID,
	).Scan(&total).Error
	return total, err
}

const organizationColumns = `id, owner_account_id, name, slug, total_credits, unallocated_credits, created_at, updated_at`

func (r *repo) FindOrganizationByID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Organization, error) {
	return r.findOrganization(ctx, db, `id = ?`, orgID)
}

func (r *repo) FindOrganizationByOwner(ctx context.Context, db *gorm.DB, ownerAccountID snowflake.ID) (*domain.Organization, error) {
	return r.findOrganization(ctx, db, `owner_account_id = ?`, ownerAccountID)
}

func (r *repo) findOrganization(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Organization, error) {
	var org domain.Organization
	err := db.WithContext(ctx).Raw(
		`SELECT `+organizationColumns+` FROM organizations WHERE `+where,
		arg,
	).Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == 0 {
		return nil, nil
	}
	return &org, nil
}

func (r *repo) InsertOrganization(ctx context.Context, db *gorm.DB, org *domain.Organization) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organizations (`+organizationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID,
		org.OwnerAccountID,
		org.Name,
		org.Slug,
		org.TotalCredits,
		org.UnallocatedCredits,
		org.CreatedAt,
		org.UpdatedAt,
	).Error
}

func (r *repo) UpdateOrganizationCredits(ctx context.Context, db *gorm.DB, orgID snowflake.ID, total, unallocated int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET total_credits = ?, unallocated_credits = ?, updated_at = ?
		 WHERE id = ?`,
		total, unallocated, now, orgID,
	).Error
}

func (r *repo) TakeUnallocated(ctx context.Context, db *gorm.DB, orgID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET unallocated_credits = unallocated_credits - ?, updated_at = ?
		 WHERE id = ? AND unallocated_credits >= ?`,
		amount, now, orgID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, account_id, org_id, type, amount, balance_after, reference_id, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.AccountID,
		tx.OrgID,
		string(tx.Type),
		tx.Amount,
		tx.BalanceAfter,
		tx.ReferenceID,
		tx.Description,
		tx.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, page pagination.Pagination) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID)
	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, err
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
