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

// GraphQLConfig configures the GraphQL invoker.
type GraphQLConfig struct {
	// Endpoint is the GraphQL HTTP endpoint every operation posts to.
	Endpoint string
	// Headers are set on every request.
	Headers map[string]string
	// Timeout bounds each call. Zero means 30s.
	Timeout time.Duration
	// MaxResponseBody caps how much of a response is read. Zero means 10MB.
	MaxResponseBody int64
	// Client overrides the underlying HTTP client, mainly for tests.
	Client *http.Client
}

// GraphQLInvoker performs operations against a GraphQL endpoint. The
// descriptor's target holds the query or mutation document, the payload
// template holds the variables. The response's data member is returned for
// output extraction; entries in errors fail the invocation.
type GraphQLInvoker struct {
	config GraphQLConfig
	client *http.Client
}

// NewGraphQLInvoker creates a GraphQL invoker with the given config.
func NewGraphQLInvoker(cfg GraphQLConfig) *GraphQLInvoker {
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
	return &GraphQLInvoker{config: cfg, client: client}
}

func (inv *GraphQLInvoker) Name() string { return "graphql" }

func (inv *GraphQLInvoker) Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error) {
	if inv.config.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeOperation,
			"no GraphQL endpoint is configured").
			WithDetails(map[string]any{"retryable": false})
	}

	query, err := RenderTarget(op.Target, inputs)
	if err != nil {
		return nil, err
	}
	variables, err := RenderPayload(op.Payload, inputs)
	if err != nil {
		return nil, err
	}

	envelope := map[string]json.RawMessage{}
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"cannot encode query: %v", err).WithCause(err).
			WithDetails(map[string]any{"retryable": false})
	}
	envelope["query"] = queryJSON
	if variables != nil {
		envelope["variables"] = variables
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"cannot encode request: %v", err).WithCause(err).
			WithDetails(map[string]any{"retryable": false})
	}

	reqCtx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, inv.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"cannot build request for %s: %v", inv.config.Endpoint, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": false})
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range inv.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"POST %s failed: %v", inv.config.Endpoint, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": true})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, inv.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"POST %s: reading response failed: %v", inv.config.Endpoint, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": true})
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"POST %s returned %d", inv.config.Endpoint, resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"retryable":   retryableStatus(resp.StatusCode),
				"response":    excerpt(respBody),
			})
	}

	var gqlResp struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
			Path    []any  `json:"path,omitempty"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"POST %s: response is not a GraphQL envelope: %v", inv.config.Endpoint, err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": false, "response": excerpt(respBody)})
	}

	if len(gqlResp.Errors) > 0 {
		messages := make([]string, 0, len(gqlResp.Errors))
		details := make([]map[string]any, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			messages = append(messages, e.Message)
			d := map[string]any{"message": e.Message}
			if len(e.Path) > 0 {
				d["path"] = e.Path
			}
			details = append(details, d)
		}
		return nil, schema.NewErrorf(schema.ErrCodeOperation,
			"GraphQL operation failed: %s", strings.Join(messages, "; ")).
			WithDetails(map[string]any{
				"errors":    details,
				"retryable": false,
			})
	}

	if len(gqlResp.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return gqlResp.Data, nil
}

var _ Invoker = (*GraphQLInvoker)(nil)
