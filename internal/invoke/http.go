package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runbooklabs/runbook/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultCallTimeout     = 30 * time.Second
)

// HTTPConfig configures the HTTP invoker.
type HTTPConfig struct {
	// BaseURL is prepended to relative targets. Targets that are already
	// absolute URLs are used verbatim.
	BaseURL string
	// Headers are set on every request (e.g. Authorization).
	Headers map[string]string
	// Timeout bounds each call. Zero means 30s.
	Timeout time.Duration
	// MaxResponseBody caps how much of a response is read. Zero means 10MB.
	MaxResponseBody int64
	// Client overrides the underlying HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPInvoker performs operations over plain HTTP: it renders the target path
// and payload template from the resolved inputs, issues the request, and
// returns the response body for output extraction.
type HTTPInvoker struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPInvoker creates an HTTP invoker with the given config.
func NewHTTPInvoker(cfg HTTPConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{config: cfg, client: client}
}

func (inv *HTTPInvoker) Name() string { return "http" }

func (inv *HTTPInvoker) Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error) {
	target, err := RenderTarget(op.Target, inputs)
	if err != nil {
		return nil, err
	}
	fullURL, err := inv.resolveURL(target)
	if err != nil {
		return nil, err
	}

	body, err := RenderPayload(op.Payload, inputs)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(op.Method)
	if method == "" {
		if body == nil {
			method = http.MethodGet
		} else {
			method = http.MethodPost
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	reqCtx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"cannot build request for %s %s: %v", method, fullURL, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": false})
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range inv.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"%s %s failed: %v", method, fullURL, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": true})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, inv.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"%s %s: reading response failed: %v", method, fullURL, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": true})
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"%s %s returned %d", method, fullURL, resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"retryable":   retryableStatus(resp.StatusCode),
				"response":    excerpt(respBody),
			})
	}

	return normalizeBody(respBody), nil
}

// resolveURL joins a rendered target with the configured base URL.
func (inv *HTTPInvoker) resolveURL(target string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	if inv.config.BaseURL == "" {
		return "", schema.NewErrorf(schema.ErrCodeOperation,
			"target %q is relative and no base URL is configured", target).
			WithDetails(map[string]any{"retryable": false})
	}
	return strings.TrimSuffix(inv.config.BaseURL, "/") + "/" + strings.TrimPrefix(target, "/"), nil
}

// retryableStatus classifies an HTTP error status: server-side faults and
// throttling are retryable, client errors are permanent.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// normalizeBody returns the response as JSON: JSON bodies pass through,
// anything else is wrapped as a JSON string, an empty body becomes null.
func normalizeBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(wrapped)
}

// excerpt truncates a response body for error details.
func excerpt(body []byte) string {
	const limit = 512
	s := string(bytes.TrimSpace(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var _ Invoker = (*HTTPInvoker)(nil)
