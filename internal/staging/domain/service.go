package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
)

type CreateRequest struct {
	AccountID    snowflake.ID
	PropertyID   *snowflake.ID
	RoomType     string
	Style        string
	Image        []byte
	MimeType     string
	Mask         []byte
	MaskMimeType string
}

// RemixRequest overrides the source job's room type or style. Empty fields
// inherit from the source.
type RemixRequest struct {
	RoomType string `json:"room_type"`
	Style    string `json:"style"`
}

type ListJobsResponse struct {
	pagination.PageInfo
	Jobs []StatusResponse `json:"jobs"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (StatusResponse, error)
	// GetStatus advances async jobs by polling their provider before reading.
	GetStatus(ctx context.Context, accountID, jobID snowflake.ID) (StatusResponse, error)
	Remix(ctx context.Context, accountID, jobID snowflake.ID, req RemixRequest) (StatusResponse, error)
	SetPrimary(ctx context.Context, accountID, jobID snowflake.ID) (StatusResponse, error)
	ListVersions(ctx context.Context, accountID, jobID snowflake.ID) ([]StatusResponse, error)
	List(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (ListJobsResponse, error)
}

const (
	MessageCreditsChanged = "credits changed before the job could be finalized"
	MessageGeneric        = "staging failed, please try again"
)

var (
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrInvalidRoomType     = errors.New("invalid_room_type")
	ErrInvalidStyle        = errors.New("invalid_style")
	ErrUnsupportedMimeType = errors.New("unsupported_mime_type")
	ErrImageTooLarge       = errors.New("image_too_large")
	ErrJobNotFound         = errors.New("job_not_found")
)
