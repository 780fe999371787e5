package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/stagecraft/pkg/telemetry/correlation"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TypeJobCompleted  = "staging.job.completed"
	TypeJobFailed     = "staging.job.failed"
	TypeCreditsReset  = "billing.credits.reset"
	TypeTopupApplied  = "billing.topup.applied"
	TypeCreditsZeroed = "billing.credits.zeroed"
)

// Event is a lifecycle notification. Subject is the partition key, usually an
// account id.
type Event struct {
	Type       string
	Subject    string
	Data       map[string]any
	OccurredAt time.Time
}

// Publisher delivers events best-effort. Publish never reports failure to
// the caller.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Encode renders the envelope as protojson with trace metadata attached.
func Encode(ctx context.Context, evt Event) ([]byte, error) {
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	data, err := structpb.NewStruct(evt.Data)
	if err != nil {
		return nil, err
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(ulid.Make().String()),
		"type":        structpb.NewStringValue(evt.Type),
		"subject":     structpb.NewStringValue(evt.Subject),
		"occurred_at": structpb.NewStringValue(occurred.UTC().Format(time.RFC3339Nano)),
		"data":        structpb.NewStructValue(data),
		"metadata":    structpb.NewStructValue(correlation.InjectTraceIntoMetadata(ctx, nil)),
	}}
	return protojson.Marshal(envelope)
}
