package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) RecordEvent(ctx context.Context, db *gorm.DB, rec *domain.EventRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_webhook_events (id, provider, provider_event_id, event_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		rec.ID, rec.Provider, rec.ProviderEventID, rec.EventType, rec.Payload, rec.ReceivedAt,
	).Error
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var rec domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, received_at, processed_at
		 FROM billing_webhook_events
		 WHERE provider = ? AND provider_event_id = ?`,
		provider, providerEventID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_webhook_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		now, id,
	).Error
}

const subscriptionColumns = `id, account_id, plan_code, external_subscription_id, external_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func (r *repo) FindSubscriptionByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Subscription, error) {
	return r.findSubscription(ctx, db, `account_id = ?`, accountID)
}

func (r *repo) FindSubscriptionByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Subscription, error) {
	return r.findSubscription(ctx, db, `external_subscription_id = ?`, externalID)
}

func (r *repo) findSubscription(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where,
		arg,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET
		   plan_code = EXCLUDED.plan_code,
		   external_subscription_id = EXCLUDED.external_subscription_id,
		   external_customer_id = EXCLUDED.external_customer_id,
		   status = EXCLUDED.status,
		   current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
		   current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.AccountID, sub.PlanCode, sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_code = ?, status = ?, current_period_start = ?, current_period_end = ?,
		     cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanCode, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.UpdatedAt, sub.ID,
	).Error
}

func (r *repo) InsertTopup(ctx context.Context, db *gorm.DB, topup *domain.Topup) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_topups (id, account_id, checkout_session_id, credits, amount_minor, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (checkout_session_id) DO NOTHING`,
		topup.ID, topup.AccountID, topup.CheckoutSessionID, topup.Credits, topup.AmountMinor, topup.Currency, topup.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
