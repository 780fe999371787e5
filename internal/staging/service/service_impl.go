package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/internal/cache"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/config"
	creditdomain "github.com/smallbiznis/stagecraft/internal/credit/domain"
	"github.com/smallbiznis/stagecraft/internal/events"
	"github.com/smallbiznis/stagecraft/internal/imageprep"
	"github.com/smallbiznis/stagecraft/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/stagecraft/internal/provider/domain"
	"github.com/smallbiznis/stagecraft/internal/ratelimit"
	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	storagedomain "github.com/smallbiznis/stagecraft/internal/storage/domain"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const defaultEstimate = 60 * time.Second

var errRaceLost = errors.New("credit_race_lost")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Credit     creditdomain.Service
	Router     providerdomain.Router
	Storage    storagedomain.Storage
	Locker     *ratelimit.GroupLocker
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	credit     creditdomain.Service
	router     providerdomain.Router
	storage    storagedomain.Storage
	locker     *ratelimit.GroupLocker
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics

	httpClient      *http.Client
	dispatchTimeout time.Duration
	pollGroup       singleflight.Group
	pollCache       cache.Cache[snowflake.ID, providerdomain.PredictionStatus]
}

func NewService(p Params) domain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(p.Log)
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewGroupLocker(nil, p.Cfg.Staging.PrimaryLockTTL, p.Log)
	}
	timeout := p.Cfg.Staging.DownloadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	providerTimeout := p.Cfg.Providers.RequestTimeout
	if providerTimeout <= 0 {
		providerTimeout = 2 * time.Minute
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("staging.service"),
		cfg:        p.Cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		credit:     p.Credit,
		router:     p.Router,
		storage:    p.Storage,
		locker:     locker,
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		dispatchTimeout: providerTimeout + timeout,
		pollCache:       cache.NewTTLCache[snowflake.ID, providerdomain.PredictionStatus](),
	}
}

// launch is everything needed to start a job, shared by Create and Remix.
type launch struct {
	accountID      snowflake.ID
	propertyID     *snowflake.ID
	parentJobID    *snowflake.ID
	versionGroupID *snowflake.ID
	// groupSource gets versionGroupID assigned in the same transaction as the insert.
	groupSource *snowflake.ID
	isPrimary   bool
	roomType    string
	style       string

	image        []byte
	mimeType     string
	mask         []byte
	maskMimeType string

	originalURL string
	maskURL     *string
}

func (l launch) hasMask() bool {
	return len(l.mask) > 0 || (l.maskURL != nil && *l.maskURL != "")
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.StatusResponse, error) {
	if req.AccountID == 0 {
		return domain.StatusResponse{}, domain.ErrInvalidRequest
	}
	roomType, err := normalizeRoomType(req.RoomType)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	style, err := normalizeStyle(req.Style)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	mimeType, err := s.validateImage(req.Image, req.MimeType)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	var maskMimeType string
	if len(req.Mask) > 0 {
		if maskMimeType, err = s.validateImage(req.Mask, req.MaskMimeType); err != nil {
			return domain.StatusResponse{}, err
		}
	}

	return s.start(ctx, launch{
		accountID:    req.AccountID,
		propertyID:   req.PropertyID,
		isPrimary:    true,
		roomType:     roomType,
		style:        style,
		image:        req.Image,
		mimeType:     mimeType,
		mask:         req.Mask,
		maskMimeType: maskMimeType,
	})
}

func (s *Service) start(ctx context.Context, l launch) (domain.StatusResponse, error) {
	cost := s.creditCost()

	balance, err := s.credit.CheckAvailable(ctx, l.accountID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if balance.Available < cost {
		return domain.StatusResponse{}, creditdomain.ErrInsufficientCredits
	}

	handle, err := s.router.SelectProvider(ctx, providerdomain.RequestContext{
		RoomType: l.roomType,
		HasMask:  l.hasMask(),
	})
	if err != nil {
		return domain.StatusResponse{}, err
	}
	defer s.router.Release(handle.Name())

	status := domain.StatusQueued
	if handle.Kind == providerdomain.KindSync {
		status = domain.StatusProcessing
		// Sync requests never surface intermediate states, so the photo is
		// prepared before the row exists.
		l.image, l.mimeType = s.prepare(l.image, l.mimeType)
	}

	now := s.clock.Now()
	job := &domain.Job{
		ID:               s.genID.Generate(),
		AccountID:        l.accountID,
		PropertyID:       l.propertyID,
		ParentJobID:      l.parentJobID,
		VersionGroupID:   l.versionGroupID,
		RoomType:         l.roomType,
		Style:            l.style,
		OriginalImageURL: l.originalURL,
		MaskImageURL:     l.maskURL,
		Provider:         handle.Name(),
		Status:           status,
		IsPrimaryVersion: l.isPrimary,
		CreditCost:       cost,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if l.groupSource != nil && l.versionGroupID != nil {
			if err := s.repo.AssignVersionGroup(ctx, tx, *l.groupSource, *l.versionGroupID, now); err != nil {
				return err
			}
		}
		return s.repo.Insert(ctx, tx, job)
	})
	if err != nil {
		return domain.StatusResponse{}, fmt.Errorf("insert staging job: %w", err)
	}
	s.obsMetrics.RecordJobCreated(ctx, handle.Name(), string(handle.Kind))

	log := logger.WithJob(s.log, job.ID.String(), handle.Name())
	log.Info("staging job created",
		zap.String("kind", string(handle.Kind)),
		zap.String("room_type", l.roomType),
		zap.String("style", l.style),
	)

	// Once the row exists the job has to reach a terminal state or record its
	// prediction id, even when the caller has gone away.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()

	switch handle.Kind {
	case providerdomain.KindSync:
		s.dispatchSync(runCtx, log, job, handle.Sync, l)
	case providerdomain.KindAsync:
		s.dispatchAsync(runCtx, log, job, handle.Async, l)
	}

	return s.read(runCtx, job.ID)
}

func (s *Service) dispatchSync(ctx context.Context, log *zap.Logger, job *domain.Job, p providerdomain.SyncProvider, l launch) {
	if err := s.storeOriginals(ctx, job, &l); err != nil {
		log.Warn("failed to store original image", zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}
	if err := s.loadSources(ctx, &l); err != nil {
		log.Warn("failed to load source image", zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}

	result, err := p.StageImageSync(ctx, providerdomain.StageRequest{
		Image:        l.image,
		MimeType:     l.mimeType,
		ImageURL:     l.originalURL,
		Mask:         l.mask,
		MaskMimeType: l.maskMimeType,
		RoomType:     l.roomType,
		Style:        l.style,
	})
	if err != nil {
		log.Warn("sync provider call failed", zap.Error(err))
		s.fail(ctx, job, failureMessage(err))
		return
	}

	ok, err := s.repo.Transition(ctx, s.db, job.ID, domain.StatusProcessing, domain.StatusUploading, s.clock.Now())
	if err != nil || !ok {
		log.Warn("job left processing before upload", zap.Bool("transitioned", ok), zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}

	mimeType := result.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(result.ImageData)
	}
	stagedURL, err := s.uploadOrInline(ctx, job, "staged", result.ImageData, mimeType)
	if err != nil {
		log.Warn("failed to store staged image", zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}
	s.finalize(ctx, log, job, stagedURL)
}

func (s *Service) dispatchAsync(ctx context.Context, log *zap.Logger, job *domain.Job, p providerdomain.AsyncProvider, l launch) {
	ok, err := s.repo.Transition(ctx, s.db, job.ID, domain.StatusQueued, domain.StatusPreprocessing, s.clock.Now())
	if err != nil || !ok {
		log.Warn("failed to enter preprocessing", zap.Bool("transitioned", ok), zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}

	if l.originalURL == "" {
		l.image, l.mimeType = s.prepare(l.image, l.mimeType)
	}
	if err := s.storeOriginals(ctx, job, &l); err != nil {
		log.Warn("failed to store original image", zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}

	req := providerdomain.StageRequest{
		Image:        l.image,
		MimeType:     l.mimeType,
		ImageURL:     l.originalURL,
		Mask:         l.mask,
		MaskMimeType: l.maskMimeType,
		RoomType:     l.roomType,
		Style:        l.style,
	}
	if l.maskURL != nil {
		req.MaskURL = *l.maskURL
	}

	externalID, err := p.StageImageAsync(ctx, req)
	if err != nil {
		log.Warn("async provider submission failed", zap.Error(err))
		s.fail(ctx, job, failureMessage(err))
		return
	}

	ok, err = s.repo.MarkSubmitted(ctx, s.db, job.ID, domain.StatusPreprocessing, externalID, s.clock.Now())
	if err != nil || !ok {
		log.Warn("failed to record prediction id", zap.String("prediction_id", externalID), zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
		return
	}
	log.Info("prediction submitted", zap.String("prediction_id", externalID))
}

// finalize completes the job and debits its cost in one transaction. A lost
// credit race rolls both back and fails the job instead.
func (s *Service) finalize(ctx context.Context, log *zap.Logger, job *domain.Job, stagedURL string) {
	now := s.clock.Now()
	completion := domain.Completion{
		StagedImageURL: stagedURL,
		CreditCost:     job.CreditCost,
		ProcessingMs:   now.Sub(job.CreatedAt).Milliseconds(),
		CompletedAt:    now,
	}

	completed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkCompleted(ctx, tx, job.ID, completion)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		debited, err := s.credit.ReserveAndDebitTx(ctx, tx, creditdomain.DebitRequest{
			AccountID:   job.AccountID,
			Amount:      job.CreditCost,
			JobID:       job.ID,
			Description: fmt.Sprintf("Staging %s (%s)", strings.ReplaceAll(job.RoomType, "_", " "), job.Style),
		})
		if err != nil {
			return err
		}
		if !debited {
			return errRaceLost
		}
		completed = true
		return nil
	})

	switch {
	case errors.Is(err, errRaceLost):
		log.Warn("credits changed before finalize")
		s.fail(ctx, job, domain.MessageCreditsChanged)
	case err != nil:
		log.Error("failed to finalize job", zap.Error(err))
		s.fail(ctx, job, domain.MessageGeneric)
	case completed:
		log.Info("staging job completed", zap.Int64("processing_ms", completion.ProcessingMs))
		s.obsMetrics.RecordJobFinished(ctx, job.Provider, string(domain.StatusCompleted))
		s.publisher.Publish(ctx, events.Event{
			Type:    events.TypeJobCompleted,
			Subject: job.AccountID.String(),
			Data: map[string]any{
				"job_id":        job.ID.String(),
				"provider":      job.Provider,
				"credit_cost":   job.CreditCost,
				"processing_ms": completion.ProcessingMs,
			},
			OccurredAt: now,
		})
	}
}

func (s *Service) fail(ctx context.Context, job *domain.Job, message string) {
	// A dispatch that ran out of time still gets its failure recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ok, err := s.repo.MarkFailed(ctx, s.db, job.ID, message, s.clock.Now())
	if err != nil {
		s.log.Error("failed to mark job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.obsMetrics.RecordJobFinished(ctx, job.Provider, string(domain.StatusFailed))
	s.publisher.Publish(ctx, events.Event{
		Type:    events.TypeJobFailed,
		Subject: job.AccountID.String(),
		Data: map[string]any{
			"job_id":   job.ID.String(),
			"provider": job.Provider,
			"error":    message,
		},
		OccurredAt: s.clock.Now(),
	})
}

func (s *Service) GetStatus(ctx context.Context, accountID, jobID snowflake.ID) (domain.StatusResponse, error) {
	job, err := s.repo.FindForAccount(ctx, s.db, accountID, jobID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if job == nil {
		return domain.StatusResponse{}, domain.ErrJobNotFound
	}
	if job.Status == domain.StatusProcessing && job.ExternalID != nil && *job.ExternalID != "" {
		s.poll(ctx, job)
		return s.read(ctx, job.ID)
	}
	return s.toResponse(job), nil
}

func (s *Service) Remix(ctx context.Context, accountID, jobID snowflake.ID, req domain.RemixRequest) (domain.StatusResponse, error) {
	source, err := s.repo.FindForAccount(ctx, s.db, accountID, jobID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if source == nil {
		return domain.StatusResponse{}, domain.ErrJobNotFound
	}
	if strings.TrimSpace(source.OriginalImageURL) == "" {
		return domain.StatusResponse{}, domain.ErrInvalidRequest
	}

	roomType := source.RoomType
	if strings.TrimSpace(req.RoomType) != "" {
		if roomType, err = normalizeRoomType(req.RoomType); err != nil {
			return domain.StatusResponse{}, err
		}
	}
	style := source.Style
	if strings.TrimSpace(req.Style) != "" {
		if style, err = normalizeStyle(req.Style); err != nil {
			return domain.StatusResponse{}, err
		}
	}

	l := launch{
		accountID:   accountID,
		propertyID:  source.PropertyID,
		parentJobID: &source.ID,
		roomType:    roomType,
		style:       style,
		originalURL: source.OriginalImageURL,
		maskURL:     source.MaskImageURL,
	}
	if source.VersionGroupID != nil {
		group := *source.VersionGroupID
		l.versionGroupID = &group
	} else {
		group := source.ID
		l.versionGroupID = &group
		l.groupSource = &source.ID
	}
	return s.start(ctx, l)
}

func (s *Service) SetPrimary(ctx context.Context, accountID, jobID snowflake.ID) (domain.StatusResponse, error) {
	job, err := s.repo.FindForAccount(ctx, s.db, accountID, jobID)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if job == nil {
		return domain.StatusResponse{}, domain.ErrJobNotFound
	}

	if job.VersionGroupID == nil {
		if _, err := s.repo.SetPrimary(ctx, s.db, accountID, job.ID, s.clock.Now()); err != nil {
			return domain.StatusResponse{}, err
		}
		return s.read(ctx, job.ID)
	}

	groupID := *job.VersionGroupID
	unlock, err := s.locker.Lock(ctx, "staging:primary:"+groupID.String())
	if err != nil {
		return domain.StatusResponse{}, err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.ClearPrimary(ctx, tx, accountID, groupID, now); err != nil {
			return err
		}
		ok, err := s.repo.SetPrimary(ctx, tx, accountID, job.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrJobNotFound
		}
		return nil
	})
	if err != nil {
		return domain.StatusResponse{}, err
	}
	return s.read(ctx, job.ID)
}

func (s *Service) ListVersions(ctx context.Context, accountID, jobID snowflake.ID) ([]domain.StatusResponse, error) {
	job, err := s.repo.FindForAccount(ctx, s.db, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	if job.VersionGroupID == nil {
		return []domain.StatusResponse{s.toResponse(job)}, nil
	}

	jobs, err := s.repo.ListVersions(ctx, s.db, accountID, *job.VersionGroupID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, s.toResponse(&jobs[i]))
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (domain.ListJobsResponse, error) {
	jobs, err := s.repo.List(ctx, s.db, accountID, page)
	if err != nil {
		return domain.ListJobsResponse{}, err
	}
	jobs, pageInfo := pagination.BuildCursorPageInfo(jobs, page.Size(), func(j *domain.Job) pagination.Cursor {
		return pagination.Cursor{
			ID:        j.ID.String(),
			CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})

	out := domain.ListJobsResponse{Jobs: make([]domain.StatusResponse, 0, len(jobs))}
	if pageInfo != nil {
		out.PageInfo = *pageInfo
	}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, s.toResponse(j))
	}
	return out, nil
}

func (s *Service) read(ctx context.Context, id snowflake.ID) (domain.StatusResponse, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	if job == nil {
		return domain.StatusResponse{}, domain.ErrJobNotFound
	}
	return s.toResponse(job), nil
}

func (s *Service) toResponse(job *domain.Job) domain.StatusResponse {
	estimate := defaultEstimate
	if handle, err := s.router.Lookup(job.Provider); err == nil {
		estimate = handle.EstimatedProcessingTime()
	}

	resp := domain.StatusResponse{
		JobID:                  job.ID.String(),
		Status:                 job.Status,
		Progress:               domain.ProjectProgress(job.Status),
		EstimatedTimeRemaining: domain.EstimateRemaining(job.Status, estimate, job.CreatedAt, s.clock.Now()),
		StagedImageURL:         job.StagedImageURL,
		OriginalImageURL:       job.OriginalImageURL,
		RoomType:               job.RoomType,
		Style:                  job.Style,
		Provider:               job.Provider,
		Error:                  job.ErrorMessage,
		IsPrimaryVersion:       job.IsPrimaryVersion,
		CreatedAt:              job.CreatedAt,
		CompletedAt:            job.CompletedAt,
	}
	if job.VersionGroupID != nil {
		v := job.VersionGroupID.String()
		resp.VersionGroupID = &v
	}
	if job.ParentJobID != nil {
		v := job.ParentJobID.String()
		resp.ParentJobID = &v
	}
	return resp
}

func (s *Service) creditCost() int64 {
	if s.cfg.Staging.CreditsPerStaging <= 0 {
		return 1
	}
	return s.cfg.Staging.CreditsPerStaging
}

func (s *Service) validateImage(data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", domain.ErrInvalidRequest
	}
	if limit := s.cfg.Staging.MaxImageBytes; limit > 0 && int64(len(data)) > limit {
		return "", domain.ErrImageTooLarge
	}
	mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	if mimeType == "" {
		mimeType = strings.Split(http.DetectContentType(data), ";")[0]
	}
	if mimeType == "image/jpg" {
		mimeType = "image/jpeg"
	}
	if !slices.Contains(domain.MimeTypes, mimeType) {
		return "", domain.ErrUnsupportedMimeType
	}
	return mimeType, nil
}

// prepare normalizes the photo, keeping the upload as-is when it cannot be decoded.
func (s *Service) prepare(data []byte, mimeType string) ([]byte, string) {
	if len(data) == 0 {
		return data, mimeType
	}
	res, err := imageprep.Normalize(data, mimeType, imageprep.Options{})
	if err != nil {
		s.log.Debug("image normalization skipped", zap.Error(err))
		return data, mimeType
	}
	return res.Data, res.MimeType
}

func normalizeRoomType(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if !slices.Contains(domain.RoomTypes, v) {
		return "", domain.ErrInvalidRoomType
	}
	return v, nil
}

func normalizeStyle(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if !slices.Contains(domain.Styles, v) {
		return "", domain.ErrInvalidStyle
	}
	return v, nil
}

func failureMessage(err error) string {
	if failure, ok := providerdomain.AsFailure(err); ok && strings.TrimSpace(failure.Message) != "" {
		return failure.Message
	}
	return domain.MessageGeneric
}
