package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/dipeo-engine/engine/tool"
)

// ApiInvoker is the handler-facing HTTP collaborator named in spec.md §6:
// "ApiInvoker.execute_with_retry(url, method, data, headers, max_retries,
// retry_delay, timeout, auth, expected_status_codes)". Handlers that call
// an external API request this service under ApiInvokerKey and own their
// own retry loop — the engine itself never retries a failed node (§4.8,
// §4.10).
type ApiInvoker interface {
	ExecuteWithRetry(ctx context.Context, req ApiRequest) (ApiResponse, error)
}

// ApiRequest is one HTTP call plus the retry/timeout/auth envelope around it.
type ApiRequest struct {
	URL                 string
	Method              string
	Data                map[string]any
	Headers             map[string]string
	MaxRetries          int
	RetryDelayMs        int
	Timeout             time.Duration
	Auth                string // bearer token or basic-auth value, sent as Authorization if set
	ExpectedStatusCodes []int  // empty means any 2xx is accepted

	// ExecutionID and NodeID identify the calling node for retry metrics.
	// Handlers set these from their ExecutionRequest; callers that leave
	// them blank just get unlabeled retry counts.
	ExecutionID string
	NodeID      string
}

// ApiResponse is the outcome of the final attempt.
type ApiResponse struct {
	StatusCode int
	Headers    map[string]any
	Body       string
	Attempts   int
}

// httpApiInvoker is the default ApiInvoker, grounded on tool.HTTPTool — the
// raw HTTP call stays in the tool package, this layer adds the retry loop
// spec.md asks API-invoking handlers to drive.
type httpApiInvoker struct {
	http    *tool.HTTPTool
	metrics *PrometheusMetrics
}

// NewHTTPApiInvoker returns the default ApiInvoker, ready to Register under
// ApiInvokerKey. metrics may be nil, in which case retry attempts go
// unrecorded.
func NewHTTPApiInvoker(metrics *PrometheusMetrics) ApiInvoker {
	return &httpApiInvoker{http: tool.NewHTTPTool(), metrics: metrics}
}

// ExecuteWithRetry applies a RetryPolicy derived from req's own fields
// (MaxRetries/RetryDelayMs map onto RetryPolicy.MaxAttempts/InitialDelayMs,
// constant strategy — §6 names only a flat retry_delay, not a backoff
// curve) and retries while the response's status code falls outside
// ExpectedStatusCodes, up to MaxRetries.
func (a *httpApiInvoker) ExecuteWithRetry(ctx context.Context, req ApiRequest) (ApiResponse, error) {
	policy, err := NewRetryPolicy(max(req.MaxRetries, 0)+1, req.RetryDelayMs, req.RetryDelayMs, RetryConstant, 1, false)
	if err != nil {
		return ApiResponse{}, fmt.Errorf("engine: invalid retry parameters: %w", err)
	}

	headers := make(map[string]any, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Auth != "" {
		headers["Authorization"] = req.Auth
	}

	var body string
	if req.Data != nil {
		if b, ok := req.Data["body"].(string); ok {
			body = b
		}
	}

	input := map[string]any{
		"method":  methodOrDefault(req.Method),
		"url":     req.URL,
		"headers": headers,
		"body":    body,
	}

	var lastErr error
	var lastResp ApiResponse
	attempt := 0
	for {
		attempt++
		callCtx := ctx
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		}
		out, err := a.http.Call(callCtx, input)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			lastErr = err
		} else {
			status, _ := out["status_code"].(int)
			lastResp = ApiResponse{
				StatusCode: status,
				Headers:    toAnyMap(out["headers"]),
				Body:       fmt.Sprint(out["body"]),
				Attempts:   attempt,
			}
			lastErr = nil
			if statusExpected(status, req.ExpectedStatusCodes) {
				return lastResp, nil
			}
			lastErr = fmt.Errorf("engine: unexpected status %d from %s %s", status, req.Method, req.URL)
		}

		if !policy.ShouldRetry(attempt, true) {
			break
		}
		if a.metrics != nil {
			reason := "status_code"
			if err != nil {
				reason = "transport_error"
			}
			a.metrics.IncrementRetries(req.ExecutionID, req.NodeID, reason)
		}
		delayMs, _ := policy.CalculateDelay(attempt)
		select {
		case <-ctx.Done():
			return lastResp, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	lastResp.Attempts = attempt
	return lastResp, lastErr
}

func statusExpected(status int, expected []int) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

func toAnyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// methodOrDefault normalizes req.Method the way tool.HTTPTool itself does,
// kept here only so httpApiInvoker's zero-value Method still resolves to
// GET before it reaches tool.HTTPTool.
func methodOrDefault(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return method
}
