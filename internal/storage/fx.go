package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/stagecraft/internal/config"
	"github.com/smallbiznis/stagecraft/internal/storage/domain"
	"github.com/smallbiznis/stagecraft/internal/storage/gcs"
	"github.com/smallbiznis/stagecraft/internal/storage/inline"
	"github.com/smallbiznis/stagecraft/internal/storage/s3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(NewStorage),
)

func NewStorage(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.Storage, error) {
	sc := cfg.Storage
	backend := strings.ToLower(strings.TrimSpace(sc.Backend))
	log = log.Named("storage")

	switch backend {
	case "", "inline":
		log.Info("object storage disabled, images will be inlined")
		return inline.New(), nil
	case "s3":
		store, err := s3.New(s3.Config{
			Endpoint:      sc.S3Endpoint,
			Region:        sc.S3Region,
			AccessKey:     sc.S3AccessKey,
			SecretKey:     sc.S3SecretKey,
			PublicBaseURL: sc.PublicBaseURL,
			UsePathStyle:  sc.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		log.Info("object storage initialized", zap.String("backend", backend), zap.String("bucket", sc.Bucket))
		return store, nil
	case "gcs":
		store, err := gcs.New(context.Background(), gcs.Config{
			CredentialsFile: sc.GCSCredentialsFile,
			PublicBaseURL:   sc.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return store.Close() },
		})
		log.Info("object storage initialized", zap.String("backend", backend), zap.String("bucket", sc.Bucket))
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedStore, backend)
	}
}
