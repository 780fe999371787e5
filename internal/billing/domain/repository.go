package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// RecordEvent inserts the delivery unless (provider, provider_event_id)
	// is already present.
	RecordEvent(ctx context.Context, db *gorm.DB, rec *EventRecord) error
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error

	FindSubscriptionByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Subscription, error)
	FindSubscriptionByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error

	// InsertTopup reports false when the checkout session was already applied.
	InsertTopup(ctx context.Context, db *gorm.DB, topup *Topup) (bool, error)
}
