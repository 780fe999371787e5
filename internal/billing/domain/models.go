package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// Subscription is the local mirror of a processor subscription. One per account.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey" json:"id"`
	AccountID              snowflake.ID       `gorm:"not null;uniqueIndex" json:"account_id"`
	PlanCode               string             `gorm:"type:text;not null" json:"plan_code"`
	ExternalSubscriptionID string             `gorm:"type:text;not null;uniqueIndex" json:"external_subscription_id"`
	ExternalCustomerID     string             `gorm:"type:text;not null" json:"external_customer_id"`
	Status                 SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `gorm:"not null" json:"cancel_at_period_end"`
	CreatedAt              time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// EventRecord remembers every verified delivery so replays are acknowledged
// without being applied twice.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:text;not null" json:"provider"`
	ProviderEventID string         `gorm:"type:text;not null" json:"provider_event_id"`
	EventType       string         `gorm:"type:text;not null" json:"event_type"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "billing_webhook_events" }

// Topup is keyed by checkout session so a redelivered purchase is detectable.
type Topup struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID         snowflake.ID `gorm:"not null;index" json:"account_id"`
	CheckoutSessionID string       `gorm:"type:text;not null;uniqueIndex" json:"checkout_session_id"`
	Credits           int64        `gorm:"not null" json:"credits"`
	AmountMinor       int64        `gorm:"not null" json:"amount_minor"`
	Currency          string       `gorm:"type:text;not null" json:"currency"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
}

func (Topup) TableName() string { return "credit_topups" }

const (
	EventCheckoutCompleted    = "checkout_completed"
	EventTopupCompleted       = "topup_completed"
	EventInvoicePaid          = "invoice_paid"
	EventInvoicePaymentFailed = "invoice_payment_failed"
	EventSubscriptionUpdated  = "subscription_updated"
	EventSubscriptionDeleted  = "subscription_deleted"
)

// BillingReasonCycle marks an invoice raised by a period renewal rather than
// by the initial checkout.
const BillingReasonCycle = "subscription_cycle"

// Event is the canonical billing event produced by adapters. Fields that do
// not apply to the event type are left empty.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string

	// AccountID is only known when the processor echoes it back, which it
	// does on checkout sessions. Other events resolve it through the
	// subscription.
	AccountID snowflake.ID

	SessionID      string
	PaymentStatus  string
	SubscriptionID string
	CustomerID     string
	InvoiceID      string
	PriceID        string
	PlanCode       string
	BillingReason  string

	Status            SubscriptionStatus
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time

	Credits     int64
	AmountMinor int64
	Currency    string

	OccurredAt time.Time
	RawPayload []byte
}
