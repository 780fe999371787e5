package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/stagecraft/internal/config"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	"github.com/smallbiznis/stagecraft/internal/provider/adapters/openai"
	"github.com/smallbiznis/stagecraft/internal/provider/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ProviderName = "replicate"

	estimatedProcessingTime = 30 * time.Second
	maxErrorBody            = 512
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.ProviderMetrics `optional:"true"`
}

// Client submits predictions and reports their state on demand. It never
// waits for a prediction to finish.
type Client struct {
	token      string
	baseURL    string
	version    string
	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.ProviderMetrics
}

type Options struct {
	Token      string
	BaseURL    string
	Version    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func New(opts Options, log *zap.Logger, m *obsmetrics.ProviderMetrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		token:      strings.TrimSpace(opts.Token),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		version:    strings.TrimSpace(opts.Version),
		httpClient: httpClient,
		log:        log.Named("provider.replicate"),
		obsMetrics: m,
	}
}

func NewHandle(p Params) domain.Handle {
	if strings.TrimSpace(p.Cfg.Providers.ReplicateAPIToken) == "" || strings.TrimSpace(p.Cfg.Providers.ReplicateVersion) == "" {
		p.Log.Info("replicate provider disabled: token or model version missing")
		return domain.Handle{}
	}
	return domain.NewAsyncHandle(New(Options{
		Token:   p.Cfg.Providers.ReplicateAPIToken,
		BaseURL: p.Cfg.Providers.ReplicateBaseURL,
		Version: p.Cfg.Providers.ReplicateVersion,
		Timeout: p.Cfg.Providers.RequestTimeout,
	}, p.Log, p.ObsMetrics))
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) EstimatedProcessingTime() time.Duration { return estimatedProcessingTime }

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

type createPredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

func (c *Client) StageImageAsync(ctx context.Context, req domain.StageRequest) (string, error) {
	start := time.Now()
	id, err := c.create(ctx, req)
	c.obsMetrics.ObserveCall(ProviderName, "stage_async", outcomeOf(err), time.Since(start))
	return id, err
}

func (c *Client) create(ctx context.Context, req domain.StageRequest) (string, error) {
	if strings.TrimSpace(req.ImageURL) == "" {
		return "", errors.New("replicate: image url is required")
	}
	input := map[string]any{
		"image":     req.ImageURL,
		"prompt":    openai.BuildPrompt(req.RoomType, req.Style),
		"room_type": req.RoomType,
		"style":     req.Style,
	}
	if strings.TrimSpace(req.MaskURL) != "" {
		input["mask"] = req.MaskURL
	}

	var out prediction
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", createPredictionRequest{Version: c.version, Input: input}, &out); err != nil {
		return "", err
	}
	if strings.EqualFold(out.Status, "failed") {
		return "", domain.NewFailure(ProviderName, errorMessage(out.Error))
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("replicate: empty prediction id")
	}
	c.log.Info("prediction created", zap.String("prediction_id", out.ID), zap.String("status", out.Status))
	return out.ID, nil
}

func (c *Client) GetPredictionStatus(ctx context.Context, predictionID string) (domain.PredictionStatus, error) {
	start := time.Now()
	status, err := c.get(ctx, predictionID)
	c.obsMetrics.ObservePoll(ProviderName, time.Since(start))
	if err != nil {
		c.obsMetrics.ObserveCall(ProviderName, "poll", outcomeOf(err), time.Since(start))
	}
	return status, err
}

func (c *Client) get(ctx context.Context, predictionID string) (domain.PredictionStatus, error) {
	predictionID = strings.TrimSpace(predictionID)
	if predictionID == "" {
		return domain.PredictionStatus{}, errors.New("replicate: empty prediction id")
	}

	var out prediction
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(predictionID), nil, &out); err != nil {
		return domain.PredictionStatus{}, err
	}

	switch strings.ToLower(strings.TrimSpace(out.Status)) {
	case "succeeded":
		outputURL := firstOutput(out.Output)
		if outputURL == "" {
			return domain.PredictionStatus{State: domain.PredictionFailed, Error: "provider returned no output image"}, nil
		}
		return domain.PredictionStatus{State: domain.PredictionSucceeded, OutputURL: outputURL}, nil
	case "failed":
		return domain.PredictionStatus{State: domain.PredictionFailed, Error: errorMessage(out.Error)}, nil
	case "canceled":
		return domain.PredictionStatus{State: domain.PredictionFailed, Error: "prediction was canceled"}, nil
	default:
		return domain.PredictionStatus{State: domain.PredictionProcessing}, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Warn("replicate request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(raw)),
		)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			var detail struct {
				Detail string `json:"detail"`
			}
			if json.Unmarshal(raw, &detail) == nil && strings.TrimSpace(detail.Detail) != "" {
				return domain.NewFailure(ProviderName, strings.TrimSpace(detail.Detail))
			}
		}
		return fmt.Errorf("replicate error: status=%d body=%s", resp.StatusCode, truncate(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncate(raw))
	}
	return nil
}

// firstOutput accepts both the single-URL and the URL-list output shapes.
func firstOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				return item
			}
		}
	}
	return ""
}

func errorMessage(v any) string {
	switch e := v.(type) {
	case string:
		if msg := strings.TrimSpace(e); msg != "" {
			return msg
		}
	case map[string]any:
		if msg, ok := e["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return "prediction failed"
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return obsmetrics.ProviderOutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return obsmetrics.ProviderOutcomeTimeout
	default:
		return obsmetrics.ProviderOutcomeError
	}
}

func truncate(raw []byte) string {
	if len(raw) <= maxErrorBody {
		return string(raw)
	}
	return string(raw[:maxErrorBody]) + "..."
}
