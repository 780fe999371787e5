package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/billing/adapters"
	"github.com/smallbiznis/stagecraft/internal/billing/domain"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/config"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Reconciler domain.Reconciler
	Adapters   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	reconciler domain.Reconciler
	adapters   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.WebhookService {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.webhook"),
		cfg:        p.Cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		adapters:   p.Adapters,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies the delivery, records it once and hands it to the
// reconciler. A delivery that was already applied returns
// ErrEventAlreadyProcessed; one that failed halfway is applied again.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return domain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		Provider: provider,
		Config:   s.adapterConfig(provider),
	})
	if err != nil {
		s.log.Warn("billing webhook adapter unavailable", zap.String("provider", provider), zap.Error(err))
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, "", "rejected")
		s.log.Warn("billing webhook rejected", zap.String("provider", provider), zap.Error(err))
		return err
	}

	evt, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.obsMetrics.RecordWebhookEvent(ctx, provider, "", "ignored")
			return nil
		}
		return err
	}
	evt.Provider = provider
	if evt.RawPayload == nil {
		evt.RawPayload = payload
	}

	log := s.log.With(
		zap.String("provider", provider),
		zap.String("provider_event_id", evt.ProviderEventID),
		zap.String("event_type", evt.Type),
	)

	record, err := s.record(ctx, evt)
	if err != nil {
		return err
	}
	if record.ProcessedAt != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, evt.Type, "duplicate")
		log.Info("billing webhook already processed")
		return domain.ErrEventAlreadyProcessed
	}

	if err := s.reconciler.Apply(ctx, evt); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, evt.Type, "failed")
		log.Error("failed to apply billing event", zap.Error(err))
		return err
	}
	if err := s.repo.MarkEventProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return fmt.Errorf("mark billing event processed: %w", err)
	}
	s.obsMetrics.RecordWebhookEvent(ctx, provider, evt.Type, "applied")
	log.Info("billing webhook applied")
	return nil
}

func (s *Service) record(ctx context.Context, evt *domain.Event) (*domain.EventRecord, error) {
	existing, err := s.repo.FindEvent(ctx, s.db, evt.Provider, evt.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if err := s.repo.RecordEvent(ctx, s.db, &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        evt.Provider,
		ProviderEventID: evt.ProviderEventID,
		EventType:       evt.Type,
		Payload:         datatypes.JSON(evt.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("record billing event: %w", err)
	}

	// Re-read so a concurrent delivery that won the insert is honoured.
	record, err := s.repo.FindEvent(ctx, s.db, evt.Provider, evt.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.New("billing event record missing after insert")
	}
	return record, nil
}

func (s *Service) adapterConfig(provider string) map[string]any {
	switch provider {
	case "stripe":
		return map[string]any{"webhook_secret": s.cfg.Billing.StripeWebhookSecret}
	default:
		return nil
	}
}
