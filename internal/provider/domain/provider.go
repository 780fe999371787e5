package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// StageRequest carries one room photo to a provider. Async providers read
// ImageURL; sync providers read the raw bytes.
type StageRequest struct {
	Image        []byte
	MimeType     string
	ImageURL     string
	Mask         []byte
	MaskMimeType string
	MaskURL      string
	RoomType     string
	Style        string
}

type SyncResult struct {
	ImageData []byte
	MimeType  string
}

type PredictionState string

const (
	PredictionProcessing PredictionState = "processing"
	PredictionSucceeded  PredictionState = "succeeded"
	PredictionFailed     PredictionState = "failed"
)

type PredictionStatus struct {
	State     PredictionState
	OutputURL string
	Error     string
}

type Provider interface {
	Name() string
	EstimatedProcessingTime() time.Duration
}

// SyncProvider blocks for the full generation.
type SyncProvider interface {
	Provider
	StageImageSync(ctx context.Context, req StageRequest) (SyncResult, error)
}

// AsyncProvider accepts work and is polled for the result.
type AsyncProvider interface {
	Provider
	StageImageAsync(ctx context.Context, req StageRequest) (string, error)
	GetPredictionStatus(ctx context.Context, predictionID string) (PredictionStatus, error)
}

// Handle is exactly one of Sync or Async, selected by Kind.
type Handle struct {
	Kind  Kind
	Sync  SyncProvider
	Async AsyncProvider
}

func NewSyncHandle(p SyncProvider) Handle {
	return Handle{Kind: KindSync, Sync: p}
}

func NewAsyncHandle(p AsyncProvider) Handle {
	return Handle{Kind: KindAsync, Async: p}
}

func (h Handle) Valid() bool {
	switch h.Kind {
	case KindSync:
		return h.Sync != nil
	case KindAsync:
		return h.Async != nil
	default:
		return false
	}
}

func (h Handle) provider() Provider {
	if h.Kind == KindSync {
		return h.Sync
	}
	return h.Async
}

func (h Handle) Name() string {
	if !h.Valid() {
		return ""
	}
	return h.provider().Name()
}

func (h Handle) EstimatedProcessingTime() time.Duration {
	if !h.Valid() {
		return 0
	}
	return h.provider().EstimatedProcessingTime()
}

// RequestContext is what the router knows about an incoming job.
type RequestContext struct {
	RoomType string
	HasMask  bool
}

// Router hands out providers and tracks their in-flight load.
type Router interface {
	SelectProvider(ctx context.Context, rc RequestContext) (Handle, error)
	Release(name string)
	Lookup(name string) (Handle, error)
}

// FailureError is an explicit rejection reported by a provider. Its message
// is safe to show to the user; any other error is treated as transient.
type FailureError struct {
	Provider string
	Message  string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func NewFailure(provider, message string) error {
	return &FailureError{Provider: provider, Message: message}
}

func AsFailure(err error) (*FailureError, bool) {
	var failure *FailureError
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

var (
	ErrNoProviderAvailable = errors.New("no_provider_available")
	ErrProviderNotFound    = errors.New("provider_not_found")
)
