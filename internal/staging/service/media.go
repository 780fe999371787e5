package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	storagedomain "github.com/smallbiznis/stagecraft/internal/storage/domain"
	"go.uber.org/zap"
)

var errInlineTooLarge = errors.New("image exceeds inline fallback limit")

// storeOriginals uploads the before photo and mask unless the launch already
// references stored copies.
func (s *Service) storeOriginals(ctx context.Context, job *domain.Job, l *launch) error {
	if l.originalURL != "" {
		return nil
	}
	originalURL, err := s.uploadOrInline(ctx, job, "original", l.image, l.mimeType)
	if err != nil {
		return err
	}
	var maskURL *string
	if len(l.mask) > 0 {
		u, err := s.uploadOrInline(ctx, job, "mask", l.mask, l.maskMimeType)
		if err != nil {
			return err
		}
		maskURL = &u
	}
	if err := s.repo.SetOriginalImage(ctx, s.db, job.ID, originalURL, maskURL, s.clock.Now()); err != nil {
		return err
	}
	l.originalURL = originalURL
	l.maskURL = maskURL
	job.OriginalImageURL = originalURL
	job.MaskImageURL = maskURL
	return nil
}

// uploadOrInline stores data and falls back to a data URL when the store
// rejects it, as long as the image fits the inline limit.
func (s *Service) uploadOrInline(ctx context.Context, job *domain.Job, name string, data []byte, contentType string) (string, error) {
	key := storagedomain.ObjectKey(s.cfg.Storage.Prefix, job.AccountID.String(), job.ID.String()+"-"+name, contentType, s.clock.Now())
	url, err := s.storage.Upload(ctx, s.cfg.Storage.Bucket, key, data, contentType)
	if err == nil {
		return url, nil
	}

	limit := s.cfg.Staging.MaxInlineImageBytes
	if limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %v", errInlineTooLarge, err)
	}
	s.log.Warn("upload failed, using inline image",
		zap.String("job_id", job.ID.String()),
		zap.String("object", name),
		zap.Int("bytes", len(data)),
		zap.Error(err),
	)
	return storagedomain.InlineDataURL(data, contentType), nil
}

// loadSources fetches the stored original and mask for a remix headed to a
// provider that needs raw bytes.
func (s *Service) loadSources(ctx context.Context, l *launch) error {
	if len(l.image) == 0 && l.originalURL != "" {
		data, mimeType, err := s.fetch(ctx, l.originalURL)
		if err != nil {
			return fmt.Errorf("fetch original: %w", err)
		}
		l.image, l.mimeType = data, mimeType
	}
	if len(l.mask) == 0 && l.maskURL != nil && *l.maskURL != "" {
		data, mimeType, err := s.fetch(ctx, *l.maskURL)
		if err != nil {
			return fmt.Errorf("fetch mask: %w", err)
		}
		l.mask, l.maskMimeType = data, mimeType
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if storagedomain.IsInlineURL(rawURL) {
		return decodeDataURL(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if limit := s.cfg.Staging.MaxImageBytes; limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}
	if limit := s.cfg.Staging.MaxImageBytes; limit > 0 && int64(len(data)) > limit {
		return nil, "", domain.ErrImageTooLarge
	}
	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = strings.Split(http.DetectContentType(data), ";")[0]
	}
	return data, mimeType, nil
}

func decodeDataURL(raw string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	mimeType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return nil, "", errors.New("unsupported data url encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}
