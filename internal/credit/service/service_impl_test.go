package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/credit/domain"
	"github.com/smallbiznis/stagecraft/internal/credit/repository"
	"github.com/smallbiznis/stagecraft/internal/credit/service"
	"github.com/smallbiznis/stagecraft/internal/testutil"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  domain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return fixture{db: db, node: node, svc: svc}
}

func (f fixture) personal(t *testing.T, credits int64) snowflake.ID {
	t.Helper()
	accountID := f.node.Generate()
	_, err := f.svc.Reset(context.Background(), accountID, credits, domain.TxMeta{})
	require.NoError(t, err)
	return accountID
}

func TestReserveAndDebitPersonal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 10)
	jobID := f.node.Generate()

	ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: accountID, Amount: 2, JobID: jobID})
	require.NoError(t, err)
	require.True(t, ok)

	balance, err := f.svc.CheckAvailable(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance.Available)
	assert.False(t, balance.IsTeamMember)

	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'staging_deduction' AND reference_id = ? AND amount = -2 AND balance_after = 8",
		1, jobID.String())
}

func TestReserveAndDebitInsufficientLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 1)

	ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: accountID, Amount: 2, JobID: f.node.Generate()})
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err := f.svc.CheckAvailable(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Available)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'staging_deduction'", 0)
}

func TestReserveAndDebitUnknownAccount(t *testing.T) {
	f := newFixture(t)
	ok, err := f.svc.ReserveAndDebit(context.Background(), domain.DebitRequest{AccountID: f.node.Generate(), Amount: 1, JobID: f.node.Generate()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveAndDebitSameJobTwiceDebitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 10)
	jobID := f.node.Generate()

	for i := 0; i < 2; i++ {
		ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: accountID, Amount: 3, JobID: jobID})
		require.NoError(t, err)
		require.True(t, ok)
	}

	balance, err := f.svc.CheckAvailable(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Available)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE reference_id = ?", 1, jobID.String())
}

func TestReserveAndDebitConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 5)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: accountID, Amount: 2, JobID: f.node.Generate()})
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), succeeded.Load())
	balance, err := f.svc.CheckAvailable(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Available)
}

func TestResetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 4)

	_, err := f.svc.Reset(ctx, accountID, 25, domain.TxMeta{Type: domain.TransactionSubscriptionRenewal, ReferenceID: "in_1"})
	require.NoError(t, err)
	_, err = f.svc.Reset(ctx, accountID, 25, domain.TxMeta{})
	require.NoError(t, err)

	balance, err := f.svc.CheckAvailable(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.Available)
	assert.Equal(t, int64(25), balance.Allocated)
	assert.Equal(t, int64(0), balance.Used)
}

func TestAddAccumulates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.node.Generate()

	_, err := f.svc.Add(ctx, accountID, 10, domain.TxMeta{Type: domain.TransactionTopupPurchase, ReferenceID: "cs_1"})
	require.NoError(t, err)
	balance, err := f.svc.Add(ctx, accountID, 5, domain.TxMeta{Type: domain.TransactionTopupPurchase, ReferenceID: "cs_2"})
	require.NoError(t, err)

	assert.Equal(t, int64(15), balance.Available)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'topup_purchase'", 2)
}

func TestTeamMemberPreCheckAndDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()
	memberAccount := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Acme Realty", 100, domain.TxMeta{})
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, domain.RoleMember)
	require.NoError(t, err)

	_, err = f.svc.Allocate(ctx, domain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: memberAccount, Amount: 50})
	require.NoError(t, err)

	ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: memberAccount, Amount: 48, JobID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, ok)

	balance, err := f.svc.CheckAvailable(ctx, memberAccount)
	require.NoError(t, err)
	assert.True(t, balance.IsTeamMember)
	assert.Equal(t, int64(50), balance.Allocated)
	assert.Equal(t, int64(48), balance.Used)
	assert.Equal(t, int64(2), balance.Available)

	ok, err = f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: memberAccount, Amount: 5, JobID: f.node.Generate()})
	require.NoError(t, err)
	assert.False(t, ok)

	ownerBalance, err := f.svc.CheckAvailable(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ownerBalance.Available)
}

func TestAllocateBeyondOwnerSpareFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()
	memberAccount := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Small Team", 10, domain.TxMeta{})
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, domain.RoleMember)
	require.NoError(t, err)

	_, err = f.svc.Allocate(ctx, domain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: memberAccount, Amount: 11})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = f.svc.Allocate(ctx, domain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: owner, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrSelfAllocation)
}

func TestResetPoolZeroesUsageAndKeepsInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()
	memberAccount := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Renewing Team", 100, domain.TxMeta{})
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, domain.RoleMember)
	require.NoError(t, err)
	_, err = f.svc.Allocate(ctx, domain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: memberAccount, Amount: 30})
	require.NoError(t, err)
	ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: memberAccount, Amount: 20, JobID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := f.svc.ResetPool(ctx, org.ID, 120, domain.TxMeta{Type: domain.TransactionSubscriptionRenewal, ReferenceID: "in_2"})
	require.NoError(t, err)
	assert.Equal(t, int64(120), updated.TotalCredits)

	member, err := f.svc.CheckAvailable(ctx, memberAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(0), member.Used)
	assert.Equal(t, int64(30), member.Available)

	ownerBalance, err := f.svc.CheckAvailable(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(90), ownerBalance.Available)

	testutil.AssertCount(t, f.db, "SELECT COALESCE(SUM(allocated_credits), 0) FROM organization_members WHERE org_id = ?", 120, org.ID)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'subscription_renewal'", 1)
}

func TestZeroPoolsKeepsRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Closing Team", 100, domain.TxMeta{})
	require.NoError(t, err)
	require.NoError(t, f.svc.ZeroPools(ctx, owner))

	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM organizations WHERE id = ? AND total_credits = 0", 1, org.ID)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM organization_members WHERE org_id = ?", 1, org.ID)

	balance, err := f.svc.CheckAvailable(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Available)
}

func (f fixture) assertLedgerMatchesBalance(t *testing.T, accounts ...snowflake.ID) {
	t.Helper()
	for _, accountID := range accounts {
		balance, err := f.svc.CheckAvailable(context.Background(), accountID)
		require.NoError(t, err)
		testutil.AssertCount(t, f.db,
			"SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE account_id = ?",
			balance.Available, accountID)
	}
}

func TestPoolLifecycleLedgerMatchesBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()
	memberAccount := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Ledger Team", 100, domain.TxMeta{
		Type:        domain.TransactionSubscriptionRenewal,
		ReferenceID: "cs_1",
	})
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, domain.RoleMember)
	require.NoError(t, err)
	_, err = f.svc.Allocate(ctx, domain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: memberAccount, Amount: 40})
	require.NoError(t, err)
	f.assertLedgerMatchesBalance(t, owner, memberAccount)

	ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: owner, Amount: 30, JobID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: memberAccount, Amount: 15, JobID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, ok)
	f.assertLedgerMatchesBalance(t, owner, memberAccount)

	_, err = f.svc.ResetPool(ctx, org.ID, 100, domain.TxMeta{Type: domain.TransactionSubscriptionRenewal, ReferenceID: "in_2"})
	require.NoError(t, err)
	f.assertLedgerMatchesBalance(t, owner, memberAccount)
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'subscription_renewal' AND reference_id = 'in_2' AND account_id = ? AND amount = 30",
		1, owner)
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'adjustment' AND account_id = ? AND amount = 15",
		1, memberAccount)

	// Shrinking the pool below other allocations clears them.
	_, err = f.svc.ResetPool(ctx, org.ID, 20, domain.TxMeta{Type: domain.TransactionSubscriptionRenewal, ReferenceID: "in_3"})
	require.NoError(t, err)
	f.assertLedgerMatchesBalance(t, owner, memberAccount)

	require.NoError(t, f.svc.ZeroPools(ctx, owner))
	f.assertLedgerMatchesBalance(t, owner, memberAccount)
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'adjustment' AND description = 'Team pool closed' AND account_id = ? AND amount = -20",
		1, owner)
}

func TestRenewalWithoutBalanceChangeStillRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()

	org, err := f.svc.ProvisionPool(ctx, owner, "Idle Team", 50, domain.TxMeta{})
	require.NoError(t, err)
	_, err = f.svc.ResetPool(ctx, org.ID, 50, domain.TxMeta{Type: domain.TransactionSubscriptionRenewal, ReferenceID: "in_idle"})
	require.NoError(t, err)

	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'subscription_renewal' AND reference_id = 'in_idle' AND amount = 0",
		1)
	f.assertLedgerMatchesBalance(t, owner)
}

func TestProvisionPoolTwiceResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.node.Generate()

	first, err := f.svc.ProvisionPool(ctx, owner, "Twice", 100, domain.TxMeta{})
	require.NoError(t, err)
	second, err := f.svc.ProvisionPool(ctx, owner, "Twice", 200, domain.TxMeta{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM organizations", 1)
	balance, err := f.svc.CheckAvailable(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Available)
}

func TestAddMemberTwiceRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	org, err := f.svc.ProvisionPool(ctx, f.node.Generate(), "Dupes", 10, domain.TxMeta{})
	require.NoError(t, err)
	memberAccount := f.node.Generate()

	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, "")
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, org.ID, memberAccount, domain.RoleMember)
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)
	_, err = f.svc.AddMember(ctx, org.ID, f.node.Generate(), domain.RoleOwner)
	assert.ErrorIs(t, err, domain.ErrInvalidRole)
}

func TestListTransactionsPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accountID := f.personal(t, 100)
	for i := 0; i < 5; i++ {
		ok, err := f.svc.ReserveAndDebit(ctx, domain.DebitRequest{AccountID: accountID, Amount: 1, JobID: f.node.Generate()})
		require.NoError(t, err)
		require.True(t, ok)
	}

	first, err := f.svc.ListTransactions(ctx, accountID, pagination.Pagination{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	require.True(t, first.HasMore)

	second, err := f.svc.ListTransactions(ctx, accountID, pagination.Pagination{PageSize: 3, PageToken: first.NextPageToken})
	require.NoError(t, err)
	assert.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)
}
