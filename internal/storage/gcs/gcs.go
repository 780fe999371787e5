package gcs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/smallbiznis/stagecraft/internal/storage/domain"
	"google.golang.org/api/option"
)

type Config struct {
	CredentialsFile string
	PublicBaseURL   string
}

// objectClient is the part of *storage.Client the store uses.
type objectClient interface {
	NewWriter(ctx context.Context, bucket, key, contentType string) io.WriteCloser
	Close() error
}

type bucketClient struct {
	client *storage.Client
}

func (c bucketClient) NewWriter(ctx context.Context, bucket, key, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000"
	return w
}

func (c bucketClient) Close() error {
	return c.client.Close()
}

type Store struct {
	cfg    Config
	client objectClient
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if f := strings.TrimSpace(cfg.CredentialsFile); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Store{cfg: cfg, client: bucketClient{client: client}}, nil
}

func (s *Store) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", domain.ErrEmptyObject
	}
	if strings.TrimSpace(bucket) == "" {
		return "", domain.ErrInvalidBucket
	}

	w := s.client.NewWriter(ctx, bucket, key, contentType)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer: %w", err)
	}
	return s.GetPublicURL(bucket, key), nil
}

func (s *Store) GetPublicURL(bucket, key string) string {
	key = strings.TrimLeft(key, "/")
	if base := strings.TrimRight(s.cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + key
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, (&url.URL{Path: key}).EscapedPath())
}

func (s *Store) Close() error {
	return s.client.Close()
}
