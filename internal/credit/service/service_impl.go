package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	"github.com/smallbiznis/stagecraft/pkg/db"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckAvailable(ctx context.Context, accountID snowflake.ID) (domain.Balance, error) {
	if accountID == 0 {
		return domain.Balance{}, domain.ErrInvalidAccount
	}
	return s.balance(ctx, s.db, accountID)
}

func (s *Service) balance(ctx context.Context, conn *gorm.DB, accountID snowflake.ID) (domain.Balance, error) {
	member, err := s.repo.FindMember(ctx, conn, accountID)
	if err != nil {
		return domain.Balance{}, err
	}
	if member != nil {
		orgID := member.OrgID
		return domain.Balance{
			Available:    member.Available(),
			Allocated:    member.AllocatedCredits,
			Used:         member.UsedCredits,
			IsTeamMember: true,
			OrgID:        &orgID,
			Role:         member.Role,
		}, nil
	}

	account, err := s.repo.FindAccount(ctx, conn, accountID)
	if err != nil {
		return domain.Balance{}, err
	}
	if account == nil {
		return domain.Balance{}, nil
	}
	return domain.Balance{
		Available: account.Remaining,
		Allocated: account.Remaining,
	}, nil
}

func (s *Service) ReserveAndDebit(ctx context.Context, req domain.DebitRequest) (bool, error) {
	var ok bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = s.ReserveAndDebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Service) ReserveAndDebitTx(ctx context.Context, tx *gorm.DB, req domain.DebitRequest) (bool, error) {
	if req.AccountID == 0 {
		return false, domain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return false, domain.ErrInvalidAmount
	}

	member, err := s.repo.FindMember(ctx, tx, req.AccountID)
	if err != nil {
		return false, err
	}
	subject := "personal"
	if member != nil {
		subject = "team"
	}

	now := s.clock.Now()
	debited := false
	duplicate := false

	// The debit and its ledger row share a savepoint so a replayed job id can
	// unwind its own debit without touching the caller's transaction.
	err = tx.Transaction(func(debitTx *gorm.DB) error {
		var ok bool
		var err error
		if member != nil {
			ok, err = s.repo.DebitMember(ctx, debitTx, req.AccountID, req.Amount, now)
		} else {
			ok, err = s.repo.DebitAccount(ctx, debitTx, req.AccountID, req.Amount, now)
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		debited = true

		after, err := s.balance(ctx, debitTx, req.AccountID)
		if err != nil {
			return err
		}

		reference := req.JobID.String()
		entry := domain.Transaction{
			ID:           s.genID.Generate(),
			AccountID:    &req.AccountID,
			OrgID:        after.OrgID,
			Type:         domain.TransactionStagingDeduction,
			Amount:       -req.Amount,
			BalanceAfter: after.Available,
			ReferenceID:  &reference,
			Description:  strings.TrimSpace(req.Description),
			CreatedAt:    now,
		}
		logErr := debitTx.Transaction(func(logTx *gorm.DB) error {
			return s.repo.InsertTransaction(ctx, logTx, &entry)
		})
		switch {
		case logErr == nil:
			s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "written")
		case db.IsDuplicateKeyErr(logErr):
			duplicate = true
			return errDuplicateDeduction
		default:
			// The balance is authoritative; a missing ledger row is an alerting concern.
			s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "failed")
			s.log.Error("failed to write staging deduction",
				zap.String("account_id", req.AccountID.String()),
				zap.String("job_id", reference),
				zap.Int64("amount", req.Amount),
				zap.Error(logErr),
			)
		}
		return nil
	})
	if duplicate {
		s.log.Warn("staging deduction already recorded, debit skipped",
			zap.String("account_id", req.AccountID.String()),
			zap.String("job_id", req.JobID.String()),
		)
		s.obsMetrics.RecordCreditDebit(ctx, subject, "duplicate")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !debited {
		s.obsMetrics.RecordCreditDebit(ctx, subject, "insufficient")
		return false, nil
	}
	s.obsMetrics.RecordCreditDebit(ctx, subject, "success")
	return true, nil
}

var errDuplicateDeduction = errors.New("duplicate_deduction")

func (s *Service) Add(ctx context.Context, accountID snowflake.ID, amount int64, meta domain.TxMeta) (domain.Balance, error) {
	var out domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.AddTx(ctx, tx, accountID, amount, meta)
		return err
	})
	return out, err
}

// AddTx credits an account. For a team member the pool grows by the same
// amount and the credits land in the member's allocation.
func (s *Service) AddTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, meta domain.TxMeta) (domain.Balance, error) {
	if accountID == 0 {
		return domain.Balance{}, domain.ErrInvalidAccount
	}
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	member, err := s.repo.FindMember(ctx, tx, accountID)
	if err != nil {
		return domain.Balance{}, err
	}
	if member != nil {
		if _, err := s.repo.IncreaseMemberAllocation(ctx, tx, member.OrgID, accountID, amount, now); err != nil {
			return domain.Balance{}, err
		}
		if err := s.recomputePoolTotal(ctx, tx, member.OrgID, now); err != nil {
			return domain.Balance{}, err
		}
	} else if err := s.repo.AddToAccount(ctx, tx, accountID, amount, now); err != nil {
		return domain.Balance{}, err
	}

	after, err := s.balance(ctx, tx, accountID)
	if err != nil {
		return domain.Balance{}, err
	}
	s.logInTx(ctx, tx, domain.Transaction{
		AccountID:    &accountID,
		OrgID:        after.OrgID,
		Type:         meta.Type,
		Amount:       amount,
		BalanceAfter: after.Available,
		ReferenceID:  referencePtr(meta.ReferenceID),
		Description:  meta.Description,
		CreatedAt:    now,
	})
	return after, nil
}

// Reset replaces the balance rather than adding to it, so replayed renewals
// converge on the same state.
func (s *Service) Reset(ctx context.Context, accountID snowflake.ID, newBalance int64, meta domain.TxMeta) (domain.Balance, error) {
	if accountID == 0 {
		return domain.Balance{}, domain.ErrInvalidAccount
	}
	if newBalance < 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	var out domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		before, err := s.balance(ctx, tx, accountID)
		if err != nil {
			return err
		}

		member, err := s.repo.FindMember(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if member != nil {
			if err := s.repo.ResetMember(ctx, tx, accountID, newBalance, now); err != nil {
				return err
			}
			if err := s.recomputePoolTotal(ctx, tx, member.OrgID, now); err != nil {
				return err
			}
		} else if err := s.repo.SetAccountBalance(ctx, tx, accountID, newBalance, now); err != nil {
			return err
		}

		out, err = s.balance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if meta.Type != "" {
			s.logInTx(ctx, tx, domain.Transaction{
				AccountID:    &accountID,
				OrgID:        out.OrgID,
				Type:         meta.Type,
				Amount:       out.Available - before.Available,
				BalanceAfter: out.Available,
				ReferenceID:  referencePtr(meta.ReferenceID),
				Description:  meta.Description,
				CreatedAt:    now,
			})
		}
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return out, nil
}

func (s *Service) LogTransaction(ctx context.Context, entry domain.Transaction) error {
	if entry.Type == "" {
		return fmt.Errorf("log transaction: %w", domain.ErrInvalidTransactionType)
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	if err := s.repo.InsertTransaction(ctx, s.db, &entry); err != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "failed")
		return err
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "written")
	return nil
}

// logInTx writes a ledger row inside its own savepoint. Failures are logged
// and counted but never undo the balance change that preceded them.
func (s *Service) logInTx(ctx context.Context, tx *gorm.DB, entry domain.Transaction) {
	entry.ID = s.genID.Generate()
	err := tx.Transaction(func(logTx *gorm.DB) error {
		return s.repo.InsertTransaction(ctx, logTx, &entry)
	})
	if err != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "failed")
		s.log.Error("failed to write credit transaction",
			zap.String("type", string(entry.Type)),
			zap.Int64("amount", entry.Amount),
			zap.Error(err),
		)
		return
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Type), "written")
}

// ProvisionPool creates the owner's pool, or resets it when one exists. The
// owner's opening allocation is written to the ledger as meta.Type, or as an
// adjustment when no type is given.
func (s *Service) ProvisionPool(ctx context.Context, ownerAccountID snowflake.ID, name string, totalCredits int64, meta domain.TxMeta) (domain.Organization, error) {
	if ownerAccountID == 0 {
		return domain.Organization{}, domain.ErrInvalidAccount
	}
	if totalCredits < 0 {
		return domain.Organization{}, domain.ErrInvalidAmount
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Team " + ownerAccountID.String()
	}

	existing, err := s.repo.FindOrganizationByOwner(ctx, s.db, ownerAccountID)
	if err != nil {
		return domain.Organization{}, err
	}
	if existing != nil {
		return s.ResetPool(ctx, existing.ID, totalCredits, meta)
	}

	var out domain.Organization
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		member, err := s.repo.FindMember(ctx, tx, ownerAccountID)
		if err != nil {
			return err
		}
		if member != nil {
			return domain.ErrAlreadyMember
		}

		orgID := s.genID.Generate()
		org := domain.Organization{
			ID:                 orgID,
			OwnerAccountID:     ownerAccountID,
			Name:               name,
			Slug:               slug.Make(name) + "-" + orgID.Base36(),
			TotalCredits:       totalCredits,
			UnallocatedCredits: 0,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.repo.InsertOrganization(ctx, tx, &org); err != nil {
			return err
		}
		if err := s.repo.InsertMember(ctx, tx, &domain.Member{
			ID:               s.genID.Generate(),
			OrgID:            orgID,
			AccountID:        ownerAccountID,
			Role:             domain.RoleOwner,
			AllocatedCredits: totalCredits,
			CreatedAt:        now,
			UpdatedAt:        now,
		}); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyMember
			}
			return err
		}
		if totalCredits > 0 {
			s.logInTx(ctx, tx, domain.Transaction{
				AccountID:    &ownerAccountID,
				OrgID:        &orgID,
				Type:         ledgerType(meta.Type),
				Amount:       totalCredits,
				BalanceAfter: totalCredits,
				ReferenceID:  referencePtr(meta.ReferenceID),
				Description:  meta.Description,
				CreatedAt:    now,
			})
		}
		out = org
		return nil
	})
	if err != nil {
		return domain.Organization{}, err
	}
	s.log.Info("organization pool provisioned",
		zap.String("org_id", out.ID.String()),
		zap.String("owner_account_id", ownerAccountID.String()),
		zap.Int64("total_credits", totalCredits),
	)
	return out, nil
}

// ResetPool starts a new period: every member's usage goes to zero and the
// owner absorbs whatever part of the new total is not allocated to others.
// When other allocations exceed the new total they are cleared first.
func (s *Service) ResetPool(ctx context.Context, orgID snowflake.ID, totalCredits int64, meta domain.TxMeta) (domain.Organization, error) {
	if orgID == 0 {
		return domain.Organization{}, domain.ErrInvalidOrganization
	}
	if totalCredits < 0 {
		return domain.Organization{}, domain.ErrInvalidAmount
	}

	var out domain.Organization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		org, err := s.repo.FindOrganizationByID(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if org == nil {
			return domain.ErrOrganizationNotFound
		}
		before, err := s.memberAvailable(ctx, tx, orgID)
		if err != nil {
			return err
		}

		if err := s.repo.ResetMembersUsage(ctx, tx, orgID, now); err != nil {
			return err
		}

		owner, err := s.repo.FindMember(ctx, tx, org.OwnerAccountID)
		if err != nil {
			return err
		}
		ownerAllocated := int64(0)
		if owner != nil && owner.OrgID == orgID {
			ownerAllocated = owner.AllocatedCredits
		}
		allocated, err := s.repo.SumAllocated(ctx, tx, orgID)
		if err != nil {
			return err
		}
		others := allocated - ownerAllocated
		if others > totalCredits {
			if err := s.repo.ClearNonOwnerAllocations(ctx, tx, orgID, now); err != nil {
				return err
			}
			others = 0
		}

		unallocated := totalCredits - others
		if owner != nil && owner.OrgID == orgID {
			if err := s.repo.SetMemberAllocation(ctx, tx, orgID, owner.AccountID, totalCredits-others, now); err != nil {
				return err
			}
			unallocated = 0
		}
		if err := s.repo.UpdateOrganizationCredits(ctx, tx, orgID, totalCredits, unallocated, now); err != nil {
			return err
		}

		if err := s.logPoolChanges(ctx, tx, org, before, meta, meta.Type != "", now); err != nil {
			return err
		}

		org.TotalCredits = totalCredits
		org.UnallocatedCredits = unallocated
		org.UpdatedAt = now
		out = *org
		return nil
	})
	if err != nil {
		return domain.Organization{}, err
	}
	return out, nil
}

func (s *Service) ZeroPools(ctx context.Context, ownerAccountID snowflake.ID) error {
	if ownerAccountID == 0 {
		return domain.ErrInvalidAccount
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := s.repo.FindOrganizationByOwner(ctx, tx, ownerAccountID)
		if err != nil {
			return err
		}
		if org == nil {
			return nil
		}
		now := s.clock.Now()
		before, err := s.memberAvailable(ctx, tx, org.ID)
		if err != nil {
			return err
		}
		if err := s.repo.ZeroMembers(ctx, tx, org.ID, now); err != nil {
			return err
		}
		if err := s.repo.UpdateOrganizationCredits(ctx, tx, org.ID, 0, 0, now); err != nil {
			return err
		}
		return s.logPoolChanges(ctx, tx, org, before, domain.TxMeta{
			Type:        domain.TransactionAdjustment,
			Description: "Team pool closed",
		}, false, now)
	})
}

func (s *Service) memberAvailable(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (map[snowflake.ID]int64, error) {
	members, err := s.repo.ListMembers(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]int64, len(members))
	for _, m := range members {
		out[m.AccountID] = m.Available()
	}
	return out, nil
}

// logPoolChanges writes one row per member whose spendable credits moved
// since before. The owner's row carries meta.Type and is written even at zero
// when ownerAlways is set; other members get an adjustment.
func (s *Service) logPoolChanges(ctx context.Context, tx *gorm.DB, org *domain.Organization, before map[snowflake.ID]int64, meta domain.TxMeta, ownerAlways bool, now time.Time) error {
	members, err := s.repo.ListMembers(ctx, tx, org.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		accountID := m.AccountID
		isOwner := accountID == org.OwnerAccountID
		delta := m.Available() - before[accountID]
		if delta == 0 && !(isOwner && ownerAlways) {
			continue
		}
		txType := domain.TransactionAdjustment
		description := "Team pool period reset"
		if isOwner || meta.Type == domain.TransactionAdjustment {
			txType = ledgerType(meta.Type)
			description = meta.Description
		}
		s.logInTx(ctx, tx, domain.Transaction{
			AccountID:    &accountID,
			OrgID:        &org.ID,
			Type:         txType,
			Amount:       delta,
			BalanceAfter: m.Available(),
			ReferenceID:  referencePtr(meta.ReferenceID),
			Description:  description,
			CreatedAt:    now,
		})
	}
	return nil
}

func ledgerType(t domain.TransactionType) domain.TransactionType {
	if t == "" {
		return domain.TransactionAdjustment
	}
	return t
}

// Allocate moves credits from the pool to a member, drawing on unallocated
// credits first and then on the owner's unused allocation.
func (s *Service) Allocate(ctx context.Context, req domain.AllocateRequest) (domain.Member, error) {
	if req.OwnerAccountID == 0 || req.MemberAccountID == 0 {
		return domain.Member{}, domain.ErrInvalidAccount
	}
	if req.OwnerAccountID == req.MemberAccountID {
		return domain.Member{}, domain.ErrSelfAllocation
	}
	if req.Amount <= 0 {
		return domain.Member{}, domain.ErrInvalidAmount
	}

	var out domain.Member
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		org, err := s.repo.FindOrganizationByOwner(ctx, tx, req.OwnerAccountID)
		if err != nil {
			return err
		}
		if org == nil {
			return domain.ErrOrganizationNotFound
		}
		target, err := s.repo.FindMember(ctx, tx, req.MemberAccountID)
		if err != nil {
			return err
		}
		if target == nil || target.OrgID != org.ID {
			return domain.ErrMemberNotFound
		}

		fromPool := min(req.Amount, org.UnallocatedCredits)
		if fromPool > 0 {
			ok, err := s.repo.TakeUnallocated(ctx, tx, org.ID, fromPool, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInsufficientCredits
			}
		}
		fromOwner := req.Amount - fromPool
		if fromOwner > 0 {
			ok, err := s.repo.TakeMemberSpare(ctx, tx, org.ID, req.OwnerAccountID, fromOwner, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInsufficientCredits
			}
		}
		if ok, err := s.repo.IncreaseMemberAllocation(ctx, tx, org.ID, req.MemberAccountID, req.Amount, now); err != nil {
			return err
		} else if !ok {
			return domain.ErrMemberNotFound
		}

		reference := target.ID.String()
		// Unallocated credits were never the owner's to spend.
		if fromOwner > 0 {
			ownerAfter, err := s.balance(ctx, tx, req.OwnerAccountID)
			if err != nil {
				return err
			}
			s.logInTx(ctx, tx, domain.Transaction{
				AccountID:    &req.OwnerAccountID,
				OrgID:        &org.ID,
				Type:         domain.TransactionAllocationFromOwner,
				Amount:       -fromOwner,
				BalanceAfter: ownerAfter.Available,
				ReferenceID:  &reference,
				Description:  "allocation to member " + req.MemberAccountID.String(),
				CreatedAt:    now,
			})
		}

		updated, err := s.repo.FindMember(ctx, tx, req.MemberAccountID)
		if err != nil {
			return err
		}
		s.logInTx(ctx, tx, domain.Transaction{
			AccountID:    &req.MemberAccountID,
			OrgID:        &org.ID,
			Type:         domain.TransactionAllocationToMember,
			Amount:       req.Amount,
			BalanceAfter: updated.Available(),
			ReferenceID:  &reference,
			Description:  "allocation from owner " + req.OwnerAccountID.String(),
			CreatedAt:    now,
		})
		out = *updated
		return nil
	})
	if err != nil {
		return domain.Member{}, err
	}
	return out, nil
}

func (s *Service) AddMember(ctx context.Context, orgID, accountID snowflake.ID, role domain.MemberRole) (domain.Member, error) {
	if orgID == 0 {
		return domain.Member{}, domain.ErrInvalidOrganization
	}
	if accountID == 0 {
		return domain.Member{}, domain.ErrInvalidAccount
	}
	switch role {
	case domain.RoleAdmin, domain.RoleMember:
	case "":
		role = domain.RoleMember
	default:
		// Owners are created with the pool.
		return domain.Member{}, domain.ErrInvalidRole
	}

	org, err := s.repo.FindOrganizationByID(ctx, s.db, orgID)
	if err != nil {
		return domain.Member{}, err
	}
	if org == nil {
		return domain.Member{}, domain.ErrOrganizationNotFound
	}

	now := s.clock.Now()
	member := domain.Member{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		AccountID: accountID,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertMember(ctx, s.db, &member); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Member{}, domain.ErrAlreadyMember
		}
		return domain.Member{}, err
	}
	return member, nil
}

func (s *Service) OrganizationByOwner(ctx context.Context, ownerAccountID snowflake.ID) (*domain.Organization, error) {
	if ownerAccountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	return s.repo.FindOrganizationByOwner(ctx, s.db, ownerAccountID)
}

func (s *Service) MemberByAccount(ctx context.Context, accountID snowflake.ID) (*domain.Member, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	return s.repo.FindMember(ctx, s.db, accountID)
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (domain.ListTransactionsResponse, error) {
	if accountID == 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidAccount
	}
	items, err := s.repo.ListTransactions(ctx, s.db, accountID, page)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.Size(), func(t *domain.Transaction) pagination.Cursor {
		return pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})

	out := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, *item)
	}
	return domain.ListTransactionsResponse{PageInfo: *pageInfo, Transactions: out}, nil
}

// recomputePoolTotal keeps total = unallocated + sum(allocated) after a
// member allocation changed outside of Allocate.
func (s *Service) recomputePoolTotal(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, now time.Time) error {
	org, err := s.repo.FindOrganizationByID(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return domain.ErrOrganizationNotFound
	}
	allocated, err := s.repo.SumAllocated(ctx, tx, orgID)
	if err != nil {
		return err
	}
	return s.repo.UpdateOrganizationCredits(ctx, tx, orgID, org.UnallocatedCredits+allocated, org.UnallocatedCredits, now)
}

func referencePtr(reference string) *string {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil
	}
	return &reference
}
