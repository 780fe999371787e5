package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/billing/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     webhook.DefaultTolerance,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrTooOld):
		return domain.ErrInvalidSignature
	default:
		return domain.ErrInvalidPayload
	}
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, domain.ErrInvalidEvent
	}

	var (
		out *domain.Event
		err error
	)
	switch string(event.Type) {
	case "checkout.session.completed":
		out, err = parseCheckoutSession(event.Data.Raw)
	case "invoice.paid":
		out, err = parseInvoice(event.Data.Raw, domain.EventInvoicePaid)
	case "invoice.payment_failed":
		out, err = parseInvoice(event.Data.Raw, domain.EventInvoicePaymentFailed)
	case "customer.subscription.updated":
		out, err = parseSubscription(event.Data.Raw, domain.EventSubscriptionUpdated)
	case "customer.subscription.deleted":
		out, err = parseSubscription(event.Data.Raw, domain.EventSubscriptionDeleted)
	default:
		return nil, domain.ErrEventIgnored
	}
	if err != nil {
		return nil, err
	}

	out.Provider = "stripe"
	out.ProviderEventID = event.ID
	out.OccurredAt = timestamp(event.Created)
	out.RawPayload = payload
	return out, nil
}

// expandableID accepts either a bare id or an expanded object carrying one.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoiceLine struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandableID `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period period `json:"period"`
}

type invoice struct {
	ID            string       `json:"id"`
	BillingReason string       `json:"billing_reason"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           expandableID      `json:"customer"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

func parseCheckoutSession(raw json.RawMessage) (*domain.Event, error) {
	var session checkoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	accountID, err := parseAccountID(session.Metadata, session.ClientReferenceID)
	if err != nil {
		return nil, err
	}

	out := &domain.Event{
		AccountID:      accountID,
		SessionID:      session.ID,
		PaymentStatus:  session.PaymentStatus,
		SubscriptionID: string(session.Subscription),
		CustomerID:     string(session.Customer),
		PriceID:        strings.TrimSpace(session.Metadata["price_id"]),
		PlanCode:       strings.TrimSpace(session.Metadata["plan"]),
		AmountMinor:    session.AmountTotal,
		Currency:       strings.ToUpper(strings.TrimSpace(session.Currency)),
	}

	switch stripego.CheckoutSessionMode(session.Mode) {
	case stripego.CheckoutSessionModeSubscription:
		out.Type = domain.EventCheckoutCompleted
		out.Status = domain.SubscriptionActive
	case stripego.CheckoutSessionModePayment:
		out.Type = domain.EventTopupCompleted
		if raw := strings.TrimSpace(session.Metadata["credits"]); raw != "" {
			credits, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, domain.ErrInvalidTopup
			}
			out.Credits = credits
		}
	default:
		return nil, domain.ErrEventIgnored
	}
	return out, nil
}

func parseInvoice(raw json.RawMessage, eventType string) (*domain.Event, error) {
	var inv invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	subscriptionID := string(inv.Subscription)
	if subscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subscriptionID == "" {
		// One-off invoices carry nothing to reconcile.
		return nil, domain.ErrEventIgnored
	}

	out := &domain.Event{
		Type:           eventType,
		InvoiceID:      inv.ID,
		SubscriptionID: subscriptionID,
		CustomerID:     string(inv.Customer),
		BillingReason:  inv.BillingReason,
	}
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		switch {
		case line.Price != nil && line.Price.ID != "":
			out.PriceID = line.Price.ID
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			out.PriceID = string(line.Pricing.PriceDetails.Price)
		}
		out.PeriodStart = timePtr(line.Period.Start)
		out.PeriodEnd = timePtr(line.Period.End)
	}
	return out, nil
}

func parseSubscription(raw json.RawMessage, eventType string) (*domain.Event, error) {
	var sub subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	accountID, err := parseAccountID(sub.Metadata, "")
	if err != nil {
		return nil, err
	}

	out := &domain.Event{
		Type:              eventType,
		AccountID:         accountID,
		SubscriptionID:    sub.ID,
		CustomerID:        string(sub.Customer),
		Status:            mapStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       timePtr(sub.CurrentPeriodStart),
		PeriodEnd:         timePtr(sub.CurrentPeriodEnd),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PriceID = item.Price.ID
		if out.PeriodStart == nil {
			out.PeriodStart = timePtr(item.CurrentPeriodStart)
		}
		if out.PeriodEnd == nil {
			out.PeriodEnd = timePtr(item.CurrentPeriodEnd)
		}
	}
	if eventType == domain.EventSubscriptionDeleted {
		out.Status = domain.SubscriptionCanceled
	}
	return out, nil
}

func mapStatus(status string) domain.SubscriptionStatus {
	switch stripego.SubscriptionStatus(status) {
	case stripego.SubscriptionStatusActive:
		return domain.SubscriptionActive
	case stripego.SubscriptionStatusTrialing:
		return domain.SubscriptionTrialing
	case stripego.SubscriptionStatusPaused:
		return domain.SubscriptionPaused
	case stripego.SubscriptionStatusCanceled, stripego.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionCanceled
	default:
		// past_due, unpaid and incomplete all mean payment is outstanding.
		return domain.SubscriptionPastDue
	}
}

func parseAccountID(metadata map[string]string, fallback string) (snowflake.ID, error) {
	raw := strings.TrimSpace(metadata["account_id"])
	if raw == "" {
		raw = strings.TrimSpace(fallback)
	}
	if raw == "" {
		return 0, nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, domain.ErrUnknownAccount
	}
	return id, nil
}

func readString(cfg map[string]any, key string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	value, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func timestamp(unix int64) time.Time {
	if unix <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}

func timePtr(unix int64) *time.Time {
	if unix <= 0 {
		return nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t
}
