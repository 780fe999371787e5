package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/billing/domain"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/config"
	creditdomain "github.com/smallbiznis/stagecraft/internal/credit/domain"
	"github.com/smallbiznis/stagecraft/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Credit    creditdomain.Service
	Catalog   *config.CatalogHolder
	Publisher events.Publisher `optional:"true"`
}

type Reconciler struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	credit    creditdomain.Service
	catalog   *config.CatalogHolder
	publisher events.Publisher
}

func NewReconciler(p Params) domain.Reconciler {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(p.Log)
	}
	return &Reconciler{
		db:        p.DB,
		log:       p.Log.Named("billing.reconciler"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		credit:    p.Credit,
		catalog:   p.Catalog,
		publisher: publisher,
	}
}

// Apply is safe to call twice for the same event: credit grants are resets
// and top-ups are keyed by checkout session.
func (r *Reconciler) Apply(ctx context.Context, evt *domain.Event) error {
	if evt == nil {
		return domain.ErrInvalidEvent
	}
	log := r.log.With(
		zap.String("event_type", evt.Type),
		zap.String("provider_event_id", evt.ProviderEventID),
	)

	switch evt.Type {
	case domain.EventCheckoutCompleted:
		return r.checkoutCompleted(ctx, log, evt)
	case domain.EventTopupCompleted:
		return r.topupCompleted(ctx, log, evt)
	case domain.EventInvoicePaid:
		return r.invoicePaid(ctx, log, evt)
	case domain.EventInvoicePaymentFailed:
		return r.invoicePaymentFailed(ctx, log, evt)
	case domain.EventSubscriptionUpdated:
		return r.subscriptionUpdated(ctx, log, evt)
	case domain.EventSubscriptionDeleted:
		return r.subscriptionDeleted(ctx, log, evt)
	default:
		log.Debug("billing event ignored")
		return nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	accountID, err := r.resolveAccount(ctx, evt)
	if err != nil {
		return err
	}
	plan, ok := r.resolvePlan(evt.PriceID, evt.PlanCode)
	if !ok {
		log.Warn("checkout references unknown plan", zap.String("price_id", evt.PriceID), zap.String("plan", evt.PlanCode))
		return domain.ErrUnknownPlan
	}

	now := r.clock.Now()
	sub := &domain.Subscription{
		ID:                     r.genID.Generate(),
		AccountID:              accountID,
		PlanCode:               plan.Code,
		ExternalSubscriptionID: evt.SubscriptionID,
		ExternalCustomerID:     evt.CustomerID,
		Status:                 domain.SubscriptionActive,
		CurrentPeriodStart:     evt.PeriodStart,
		CurrentPeriodEnd:       evt.PeriodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.repo.UpsertSubscription(ctx, r.db, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	meta := creditdomain.TxMeta{
		Type:        creditdomain.TransactionSubscriptionRenewal,
		ReferenceID: evt.SessionID,
		Description: plan.Name + " plan activated",
	}
	if err := r.grant(ctx, accountID, plan, meta, true); err != nil {
		return err
	}
	log.Info("subscription activated",
		zap.String("account_id", accountID.String()),
		zap.String("plan", plan.Code),
		zap.Int64("credits", plan.MonthlyCredits),
	)
	return nil
}

func (r *Reconciler) topupCompleted(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	if evt.PaymentStatus != "" && evt.PaymentStatus != "paid" {
		log.Info("top-up checkout not paid, skipping", zap.String("payment_status", evt.PaymentStatus))
		return nil
	}
	if evt.AccountID == 0 {
		return domain.ErrUnknownAccount
	}
	if evt.Credits <= 0 || strings.TrimSpace(evt.SessionID) == "" {
		return domain.ErrInvalidTopup
	}

	now := r.clock.Now()
	applied := false
	var balance creditdomain.Balance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := r.repo.InsertTopup(ctx, tx, &domain.Topup{
			ID:                r.genID.Generate(),
			AccountID:         evt.AccountID,
			CheckoutSessionID: evt.SessionID,
			Credits:           evt.Credits,
			AmountMinor:       evt.AmountMinor,
			Currency:          evt.Currency,
			CreatedAt:         now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		balance, err = r.credit.AddTx(ctx, tx, evt.AccountID, evt.Credits, creditdomain.TxMeta{
			Type:        creditdomain.TransactionTopupPurchase,
			ReferenceID: evt.SessionID,
			Description: fmt.Sprintf("Purchased %d credits", evt.Credits),
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply top-up: %w", err)
	}
	if !applied {
		log.Info("top-up already applied", zap.String("session_id", evt.SessionID))
		return nil
	}

	log.Info("top-up applied",
		zap.String("account_id", evt.AccountID.String()),
		zap.Int64("credits", evt.Credits),
		zap.Int64("available", balance.Available),
	)
	r.publisher.Publish(ctx, events.Event{
		Type:    events.TypeTopupApplied,
		Subject: evt.AccountID.String(),
		Data: map[string]any{
			"session_id": evt.SessionID,
			"credits":    evt.Credits,
			"available":  balance.Available,
		},
		OccurredAt: now,
	})
	return nil
}

func (r *Reconciler) invoicePaid(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	if evt.BillingReason != domain.BillingReasonCycle {
		// The first invoice is covered by checkout completion.
		log.Debug("invoice is not a renewal", zap.String("billing_reason", evt.BillingReason))
		return nil
	}
	sub, err := r.repo.FindSubscriptionByExternalID(ctx, r.db, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Warn("renewal for unknown subscription", zap.String("subscription_id", evt.SubscriptionID))
		return nil
	}

	plan, ok := r.resolvePlan(evt.PriceID, sub.PlanCode)
	if !ok {
		return domain.ErrUnknownPlan
	}

	meta := creditdomain.TxMeta{
		Type:        creditdomain.TransactionSubscriptionRenewal,
		ReferenceID: evt.InvoiceID,
		Description: plan.Name + " plan renewal",
	}
	if err := r.grant(ctx, sub.AccountID, plan, meta, false); err != nil {
		return err
	}

	sub.PlanCode = plan.Code
	sub.Status = domain.SubscriptionActive
	if evt.PeriodStart != nil {
		sub.CurrentPeriodStart = evt.PeriodStart
	}
	if evt.PeriodEnd != nil {
		sub.CurrentPeriodEnd = evt.PeriodEnd
	}
	sub.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateSubscription(ctx, r.db, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	log.Info("subscription renewed",
		zap.String("account_id", sub.AccountID.String()),
		zap.String("plan", plan.Code),
	)
	return nil
}

func (r *Reconciler) invoicePaymentFailed(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	sub, err := r.repo.FindSubscriptionByExternalID(ctx, r.db, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Warn("payment failure for unknown subscription", zap.String("subscription_id", evt.SubscriptionID))
		return nil
	}
	if sub.Status == domain.SubscriptionCanceled {
		return nil
	}
	sub.Status = domain.SubscriptionPastDue
	sub.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateSubscription(ctx, r.db, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	log.Info("subscription past due", zap.String("account_id", sub.AccountID.String()))
	return nil
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	sub, err := r.repo.FindSubscriptionByExternalID(ctx, r.db, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Warn("update for unknown subscription", zap.String("subscription_id", evt.SubscriptionID))
		return nil
	}
	if sub.Status == domain.SubscriptionCanceled {
		// A late update must not resurrect a deleted subscription.
		return nil
	}

	if plan, ok := r.resolvePlan(evt.PriceID, ""); ok {
		sub.PlanCode = plan.Code
	}
	if evt.Status != "" {
		sub.Status = evt.Status
	}
	sub.CancelAtPeriodEnd = evt.CancelAtPeriodEnd
	if evt.PeriodStart != nil {
		sub.CurrentPeriodStart = evt.PeriodStart
	}
	if evt.PeriodEnd != nil {
		sub.CurrentPeriodEnd = evt.PeriodEnd
	}
	sub.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateSubscription(ctx, r.db, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	log.Info("subscription updated",
		zap.String("account_id", sub.AccountID.String()),
		zap.String("plan", sub.PlanCode),
		zap.String("status", string(sub.Status)),
		zap.Bool("cancel_at_period_end", sub.CancelAtPeriodEnd),
	)
	return nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, log *zap.Logger, evt *domain.Event) error {
	sub, err := r.repo.FindSubscriptionByExternalID(ctx, r.db, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Warn("deletion for unknown subscription", zap.String("subscription_id", evt.SubscriptionID))
		return nil
	}

	sub.Status = domain.SubscriptionCanceled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateSubscription(ctx, r.db, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	if err := r.credit.ZeroPools(ctx, sub.AccountID); err != nil {
		return fmt.Errorf("zero pools: %w", err)
	}
	free := r.catalog.Get().FreePlan()
	balance, err := r.credit.Reset(ctx, sub.AccountID, free.MonthlyCredits, creditdomain.TxMeta{
		Type:        creditdomain.TransactionAdjustment,
		ReferenceID: evt.SubscriptionID,
		Description: "Downgraded to " + free.Name + " plan",
	})
	if err != nil {
		return fmt.Errorf("reset to free plan: %w", err)
	}

	log.Info("subscription canceled",
		zap.String("account_id", sub.AccountID.String()),
		zap.Int64("available", balance.Available),
	)
	r.publisher.Publish(ctx, events.Event{
		Type:    events.TypeCreditsZeroed,
		Subject: sub.AccountID.String(),
		Data: map[string]any{
			"subscription_id": evt.SubscriptionID,
			"plan":            free.Code,
			"available":       balance.Available,
		},
		OccurredAt: r.clock.Now(),
	})
	return nil
}

// grant sets the account's credits to the plan's monthly amount. Enterprise
// plans fund the owner's pool instead; provision creates it when missing.
func (r *Reconciler) grant(ctx context.Context, accountID snowflake.ID, plan config.Plan, meta creditdomain.TxMeta, provision bool) error {
	var available int64
	if plan.Enterprise {
		org, err := r.credit.OrganizationByOwner(ctx, accountID)
		if err != nil {
			return err
		}
		switch {
		case org != nil:
			updated, err := r.credit.ResetPool(ctx, org.ID, plan.MonthlyCredits, meta)
			if err != nil {
				return fmt.Errorf("reset pool: %w", err)
			}
			available = updated.TotalCredits
		case provision:
			created, err := r.credit.ProvisionPool(ctx, accountID, "", plan.MonthlyCredits, meta)
			if err != nil {
				return fmt.Errorf("provision pool: %w", err)
			}
			available = created.TotalCredits
		default:
			r.log.Warn("enterprise renewal without a pool", zap.String("account_id", accountID.String()))
			return nil
		}
	} else {
		balance, err := r.credit.Reset(ctx, accountID, plan.MonthlyCredits, meta)
		if err != nil {
			return fmt.Errorf("reset credits: %w", err)
		}
		available = balance.Available
	}

	r.publisher.Publish(ctx, events.Event{
		Type:    events.TypeCreditsReset,
		Subject: accountID.String(),
		Data: map[string]any{
			"plan":      plan.Code,
			"credits":   plan.MonthlyCredits,
			"available": available,
			"reason":    string(meta.Type),
		},
		OccurredAt: r.clock.Now(),
	})
	return nil
}

func (r *Reconciler) resolveAccount(ctx context.Context, evt *domain.Event) (snowflake.ID, error) {
	if evt.AccountID != 0 {
		return evt.AccountID, nil
	}
	if evt.SubscriptionID != "" {
		sub, err := r.repo.FindSubscriptionByExternalID(ctx, r.db, evt.SubscriptionID)
		if err != nil {
			return 0, err
		}
		if sub != nil {
			return sub.AccountID, nil
		}
	}
	return 0, domain.ErrUnknownAccount
}

func (r *Reconciler) resolvePlan(priceID, fallbackCode string) (config.Plan, bool) {
	catalog := r.catalog.Get()
	if plan, ok := catalog.PlanByPriceID(priceID); ok {
		return plan, true
	}
	if strings.TrimSpace(fallbackCode) != "" {
		return catalog.PlanByCode(fallbackCode)
	}
	return config.Plan{}, false
}
