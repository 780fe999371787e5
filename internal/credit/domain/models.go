package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
	TransactionTopupPurchase       TransactionType = "topup_purchase"
	TransactionStagingDeduction    TransactionType = "staging_deduction"
	TransactionAllocationToMember  TransactionType = "allocation_to_member"
	TransactionAllocationFromOwner TransactionType = "allocation_from_owner"
	TransactionRefund              TransactionType = "refund"
	TransactionAdjustment          TransactionType = "adjustment"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Account is a personal credit balance.
type Account struct {
	AccountID snowflake.ID `gorm:"primaryKey;column:account_id" json:"account_id"`
	Remaining int64        `gorm:"not null" json:"remaining"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

// Organization is a team credit pool owned by one account.
type Organization struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerAccountID     snowflake.ID `gorm:"not null;uniqueIndex" json:"owner_account_id"`
	Name               string       `gorm:"not null" json:"name"`
	Slug               string       `gorm:"not null;uniqueIndex" json:"slug"`
	TotalCredits       int64        `gorm:"not null" json:"total_credits"`
	UnallocatedCredits int64        `gorm:"not null" json:"unallocated_credits"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

// Member draws against an allocation from the organization pool.
type Member struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID `gorm:"not null;index" json:"organization_id"`
	AccountID        snowflake.ID `gorm:"not null;uniqueIndex" json:"account_id"`
	Role             MemberRole   `gorm:"type:text;not null" json:"role"`
	AllocatedCredits int64        `gorm:"not null" json:"allocated_credits"`
	UsedCredits      int64        `gorm:"not null" json:"used_credits"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Member) TableName() string { return "organization_members" }

func (m Member) Available() int64 {
	return max(0, m.AllocatedCredits-m.UsedCredits)
}

// Transaction is one append-only ledger row. Amount is signed.
type Transaction struct {
	ID           snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID    *snowflake.ID   `json:"account_id,omitempty"`
	OrgID        *snowflake.ID   `json:"organization_id,omitempty"`
	Type         TransactionType `gorm:"type:text;not null" json:"type"`
	Amount       int64           `gorm:"not null" json:"amount"`
	BalanceAfter int64           `gorm:"not null" json:"balance_after"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	Description  string          `gorm:"not null" json:"description"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// Balance is the read model returned by CheckAvailable.
type Balance struct {
	Available    int64         `json:"available"`
	Allocated    int64         `json:"allocated"`
	Used         int64         `json:"used"`
	IsTeamMember bool          `json:"isTeamMember"`
	OrgID        *snowflake.ID `json:"organizationId,omitempty"`
	Role         MemberRole    `json:"role,omitempty"`
}
