package inline

import (
	"context"

	"github.com/smallbiznis/stagecraft/internal/storage/domain"
)

// Store keeps nothing; every upload comes back as a data URL. Used in
// development and tests.
type Store struct{}

func New() *Store { return &Store{} }

func (Store) Upload(_ context.Context, _, _ string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", domain.ErrEmptyObject
	}
	return domain.InlineDataURL(data, contentType), nil
}

func (Store) GetPublicURL(_, _ string) string { return "" }
