package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/smallbiznis/stagecraft/internal/config"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	"github.com/smallbiznis/stagecraft/internal/provider/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ProviderName = "openai"

	estimatedProcessingTime = 45 * time.Second
	maxErrorBody            = 512
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.ProviderMetrics `optional:"true"`
}

// Client stages rooms through the image edits endpoint and blocks for the result.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	size       string
	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.ProviderMetrics
}

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Size       string
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
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-image-1"
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:      model,
		size:       strings.TrimSpace(opts.Size),
		httpClient: httpClient,
		log:        log.Named("provider.openai"),
		obsMetrics: m,
	}
}

// NewHandle registers the client with the router. An empty API key yields an
// invalid handle which the router skips.
func NewHandle(p Params) domain.Handle {
	if strings.TrimSpace(p.Cfg.Providers.OpenAIAPIKey) == "" {
		p.Log.Info("openai provider disabled: no api key")
		return domain.Handle{}
	}
	return domain.NewSyncHandle(New(Options{
		APIKey:  p.Cfg.Providers.OpenAIAPIKey,
		BaseURL: p.Cfg.Providers.OpenAIBaseURL,
		Model:   p.Cfg.Providers.OpenAIModel,
		Size:    p.Cfg.Providers.OpenAISize,
		Timeout: p.Cfg.Providers.RequestTimeout,
	}, p.Log, p.ObsMetrics))
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) EstimatedProcessingTime() time.Duration { return estimatedProcessingTime }

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (c *Client) StageImageSync(ctx context.Context, req domain.StageRequest) (domain.SyncResult, error) {
	start := time.Now()
	result, err := c.stage(ctx, req)
	c.obsMetrics.ObserveCall(ProviderName, "stage_sync", outcomeOf(err), time.Since(start))
	return result, err
}

func (c *Client) stage(ctx context.Context, req domain.StageRequest) (domain.SyncResult, error) {
	if len(req.Image) == 0 {
		return domain.SyncResult{}, errors.New("openai: empty image")
	}

	payload, contentType, err := c.buildForm(req)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images/edits", bytes.NewReader(payload))
	if err != nil {
		return domain.SyncResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("post images/edits: %w", err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("read response: %w", err)
	}

	var decoded imagesResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 4xx responses carry a rejection the user can act on, such as a
		// moderation block; 5xx and 429 are the provider's problem.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests &&
			decoded.Error != nil && strings.TrimSpace(decoded.Error.Message) != "" {
			return domain.SyncResult{}, domain.NewFailure(ProviderName, strings.TrimSpace(decoded.Error.Message))
		}
		c.log.Warn("openai request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(raw)),
		)
		return domain.SyncResult{}, &httpError{StatusCode: resp.StatusCode, Body: truncate(raw)}
	}

	if len(decoded.Data) == 0 {
		return domain.SyncResult{}, errors.New("openai: no image returned")
	}
	item := decoded.Data[0]
	if b64 := strings.TrimSpace(item.B64JSON); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(data) == 0 {
			return domain.SyncResult{}, fmt.Errorf("decode image base64: %w", err)
		}
		return domain.SyncResult{ImageData: data, MimeType: "image/png"}, nil
	}
	if u := strings.TrimSpace(item.URL); u != "" {
		data, mimeType, err := c.download(ctx, u)
		if err != nil {
			return domain.SyncResult{}, fmt.Errorf("download generated image: %w", err)
		}
		return domain.SyncResult{ImageData: data, MimeType: mimeType}, nil
	}
	return domain.SyncResult{}, errors.New("openai: image response missing b64_json and url")
}

func (c *Client) buildForm(req domain.StageRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("model", c.model)
	_ = writer.WriteField("prompt", BuildPrompt(req.RoomType, req.Style))
	_ = writer.WriteField("n", "1")
	if c.size != "" {
		_ = writer.WriteField("size", c.size)
	}
	if err := writeFile(writer, "image", "room"+extensionFor(req.MimeType), req.MimeType, req.Image); err != nil {
		return nil, "", err
	}
	if len(req.Mask) > 0 {
		if err := writeFile(writer, "mask", "mask"+extensionFor(req.MaskMimeType), req.MaskMimeType, req.Mask); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func writeFile(writer *multipart.Writer, field, filename, contentType string, data []byte) error {
	if strings.TrimSpace(contentType) == "" {
		contentType = "image/png"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// BuildPrompt renders the staging instruction sent with every edit.
func BuildPrompt(roomType, style string) string {
	room := strings.ReplaceAll(strings.TrimSpace(roomType), "_", " ")
	if room == "" {
		room = "room"
	}
	styleText := strings.ReplaceAll(strings.TrimSpace(style), "_", " ")
	if styleText == "" {
		styleText = "modern"
	}
	return fmt.Sprintf(
		"Virtually stage this empty %s in a %s style. Add realistic furniture and decor. "+
			"Keep walls, windows, floors, ceiling and camera perspective unchanged.",
		room, styleText,
	)
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
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
