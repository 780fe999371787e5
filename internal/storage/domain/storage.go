package domain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

//go:generate mockgen -source=storage.go -destination=../mock/storage_mock.go -package=mock

// Storage persists staging images and returns a URL clients can fetch.
type Storage interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	GetPublicURL(bucket, path string) string
}

var (
	ErrEmptyObject      = errors.New("empty_object")
	ErrStorageDisabled  = errors.New("storage_disabled")
	ErrInvalidBucket    = errors.New("invalid_bucket")
	ErrUnsupportedStore = errors.New("unsupported_storage_backend")
)

// InlineDataURL embeds data directly in a URL for when no object store is reachable.
func InlineDataURL(data []byte, contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}

func IsInlineURL(u string) bool {
	return strings.HasPrefix(u, "data:")
}

// ObjectKey lays out objects as prefix/yyyy/mm/dd/<owner>/<name>-<uuid><ext>.
func ObjectKey(prefix, owner, name, contentType string, now time.Time) string {
	now = now.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		strings.Trim(owner, "/"),
		name+"-"+uuid.NewString()+ExtensionFor(contentType),
	)
}

func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
