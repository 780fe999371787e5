// Package testutil opens in-memory databases carrying the production schema
// for package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE credit_accounts (
		account_id BIGINT PRIMARY KEY,
		remaining BIGINT NOT NULL DEFAULT 0 CHECK (remaining >= 0),
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		owner_account_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		total_credits BIGINT NOT NULL DEFAULT 0,
		unallocated_credits BIGINT NOT NULL DEFAULT 0 CHECK (unallocated_credits >= 0),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_organizations_owner ON organizations(owner_account_id)`,
	`CREATE UNIQUE INDEX ux_organizations_slug ON organizations(slug)`,
	`CREATE TABLE organization_members (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		account_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		allocated_credits BIGINT NOT NULL DEFAULT 0 CHECK (allocated_credits >= 0),
		used_credits BIGINT NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_organization_members_account ON organization_members(account_id)`,
	`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		account_id BIGINT,
		org_id BIGINT,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		reference_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_credit_transactions_deduction ON credit_transactions(type, reference_id) WHERE type = 'staging_deduction'`,
	`CREATE TABLE credit_topups (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		checkout_session_id TEXT NOT NULL,
		credits BIGINT NOT NULL,
		amount_minor BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_credit_topups_session ON credit_topups(checkout_session_id)`,
	`CREATE TABLE staging_jobs (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		property_id BIGINT,
		parent_job_id BIGINT,
		version_group_id BIGINT,
		room_type TEXT NOT NULL,
		style TEXT NOT NULL,
		original_image_url TEXT NOT NULL,
		mask_image_url TEXT,
		staged_image_url TEXT,
		provider TEXT NOT NULL,
		external_id TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		is_primary_version BOOLEAN NOT NULL DEFAULT TRUE,
		credit_cost BIGINT NOT NULL DEFAULT 0,
		processing_ms BIGINT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		CHECK ((staged_image_url IS NOT NULL) = (status = 'completed'))
	)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		plan_code TEXT NOT NULL,
		external_subscription_id TEXT NOT NULL,
		external_customer_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscriptions_account ON subscriptions(account_id)`,
	`CREATE UNIQUE INDEX ux_subscriptions_external ON subscriptions(external_subscription_id)`,
	`CREATE TABLE billing_webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_billing_webhook_events_provider_event ON billing_webhook_events(provider, provider_event_id)`,
}

// OpenDB returns a private in-memory database with every table created.
// A single connection keeps concurrent tests from seeing SQLITE_BUSY.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// AssertCount fails the test when the single-value query does not return expected.
func AssertCount(t testing.TB, db *gorm.DB, query string, expected int64, args ...any) {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("%s: expected %d, got %d", query, expected, count)
	}
}
