package domain

import (
	"context"
	"errors"
	"net/http"
)

// WebhookService verifies and applies inbound processor deliveries.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Reconciler applies canonical events to subscriptions and the credit ledger.
type Reconciler interface {
	Apply(ctx context.Context, evt *Event) error
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrUnknownAccount        = errors.New("unknown_account")
	ErrUnknownPlan           = errors.New("unknown_plan")
	ErrInvalidTopup          = errors.New("invalid_topup")
)
