package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"gorm.io/gorm"
)

type DebitRequest struct {
	AccountID   snowflake.ID
	Amount      int64
	JobID       snowflake.ID
	Description string
}

// TxMeta describes the ledger row written alongside a balance mutation.
type TxMeta struct {
	Type        TransactionType
	ReferenceID string
	Description string
}

type AllocateRequest struct {
	OwnerAccountID  snowflake.ID
	MemberAccountID snowflake.ID
	Amount          int64
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	CheckAvailable(ctx context.Context, accountID snowflake.ID) (Balance, error)
	// ReserveAndDebit is the only path that decreases a balance. It returns
	// false with no effect when the subject cannot cover the amount.
	ReserveAndDebit(ctx context.Context, req DebitRequest) (bool, error)
	// ReserveAndDebitTx is ReserveAndDebit inside a caller-owned transaction.
	ReserveAndDebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (bool, error)
	Add(ctx context.Context, accountID snowflake.ID, amount int64, meta TxMeta) (Balance, error)
	AddTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, meta TxMeta) (Balance, error)
	Reset(ctx context.Context, accountID snowflake.ID, newBalance int64, meta TxMeta) (Balance, error)
	LogTransaction(ctx context.Context, entry Transaction) error

	ProvisionPool(ctx context.Context, ownerAccountID snowflake.ID, name string, totalCredits int64, meta TxMeta) (Organization, error)
	ResetPool(ctx context.Context, orgID snowflake.ID, totalCredits int64, meta TxMeta) (Organization, error)
	ZeroPools(ctx context.Context, ownerAccountID snowflake.ID) error
	Allocate(ctx context.Context, req AllocateRequest) (Member, error)
	AddMember(ctx context.Context, orgID, accountID snowflake.ID, role MemberRole) (Member, error)
	OrganizationByOwner(ctx context.Context, ownerAccountID snowflake.ID) (*Organization, error)
	MemberByAccount(ctx context.Context, accountID snowflake.ID) (*Member, error)

	ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (ListTransactionsResponse, error)
}

var (
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidRole            = errors.New("invalid_role")
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrOrganizationNotFound   = errors.New("organization_not_found")
	ErrMemberNotFound         = errors.New("member_not_found")
	ErrAlreadyMember          = errors.New("already_member")
	ErrSelfAllocation         = errors.New("self_allocation")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
)
