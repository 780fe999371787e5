package service

import (
	"context"
	"net/http"

	"github.com/smallbiznis/stagecraft/internal/observability/logger"
	providerdomain "github.com/smallbiznis/stagecraft/internal/provider/domain"
	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	storagedomain "github.com/smallbiznis/stagecraft/internal/storage/domain"
	"go.uber.org/zap"
)

// poll advances one processing async job. Concurrent polls of the same job
// in this process share a single provider round trip; across processes the
// conditional status flips decide who finalizes.
func (s *Service) poll(ctx context.Context, job *domain.Job) {
	_, _, _ = s.pollGroup.Do(job.ID.String(), func() (any, error) {
		// The first caller's cancellation must not abort the other waiters.
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
		defer cancel()
		s.pollOnce(pollCtx, job)
		return nil, nil
	})
}

func (s *Service) pollOnce(ctx context.Context, job *domain.Job) {
	log := logger.WithJob(s.log, job.ID.String(), job.Provider)

	current, err := s.repo.FindByID(ctx, s.db, job.ID)
	if err != nil {
		log.Warn("failed to reload job before poll", zap.Error(err))
		return
	}
	if current == nil || current.Status != domain.StatusProcessing || current.ExternalID == nil {
		return
	}
	job = current

	handle, err := s.router.Lookup(job.Provider)
	if err != nil || handle.Kind != providerdomain.KindAsync {
		log.Warn("provider for job is not available for polling", zap.Error(err))
		return
	}

	status, cached := s.pollCache.Get(job.ID)
	if !cached {
		status, err = handle.Async.GetPredictionStatus(ctx, *job.ExternalID)
		if err != nil {
			log.Warn("prediction status check failed", zap.String("prediction_id", *job.ExternalID), zap.Error(err))
			s.fail(ctx, job, failureMessage(err))
			return
		}
	}

	switch status.State {
	case providerdomain.PredictionSucceeded:
		s.pollCache.Delete(job.ID)
		s.complete(ctx, log, job, status.OutputURL)
	case providerdomain.PredictionFailed:
		s.pollCache.Delete(job.ID)
		message := status.Error
		if message == "" {
			message = domain.MessageGeneric
		}
		s.fail(ctx, job, message)
	default:
		if !cached {
			s.pollCache.Set(job.ID, status, s.cfg.Staging.PollCacheTTL)
		}
	}
}

// complete claims the job by flipping it to uploading, re-hosts the output
// and finalizes. Losing the claim means another poll is already finishing it.
func (s *Service) complete(ctx context.Context, log *zap.Logger, job *domain.Job, outputURL string) {
	ok, err := s.repo.Transition(ctx, s.db, job.ID, domain.StatusProcessing, domain.StatusUploading, s.clock.Now())
	if err != nil {
		log.Warn("failed to claim job for upload", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	stagedURL := outputURL
	data, mimeType, err := s.fetch(ctx, outputURL)
	if err != nil {
		log.Warn("failed to download provider output, keeping provider url", zap.Error(err))
	} else {
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		key := storagedomain.ObjectKey(s.cfg.Storage.Prefix, job.AccountID.String(), job.ID.String()+"-staged", mimeType, s.clock.Now())
		if url, err := s.storage.Upload(ctx, s.cfg.Storage.Bucket, key, data, mimeType); err == nil {
			stagedURL = url
		} else {
			log.Warn("failed to store provider output, keeping provider url", zap.Error(err))
		}
	}
	s.finalize(ctx, log, job, stagedURL)
}
