package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/noetl/noetl/pkg/model"
)

// HTTP is the reference executor for action type "http": it issues a
// single HTTP request and returns the decoded response, with a per-host
// circuit breaker guarding against hammering a downstream that is already
// failing (spec §7 TransientExecutorError — "surface as action_failed with
// failure_kind=transient; queue retries with backoff"; an open breaker
// fails the same way, just without the round trip). Grounded on
// kubernaut's gobreaker.Settings shape (pkg/shared/circuitbreaker,
// observed via its notification-controller integration suite).
type HTTP struct {
	Client *http.Client

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewHTTP builds an HTTP executor with a bounded default timeout.
func NewHTTP() *HTTP {
	return &HTTP{
		Client:   &http.Client{Timeout: 30 * time.Second},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker for a request's target host,
// creating one on first use. Trips after 5 consecutive failures; PostgreSQL
// and the rest of the engine are unaffected since only this executor's
// outbound calls pass through it.
func (h *HTTP) breakerFor(host string) *gobreaker.CircuitBreaker {
	h.breakersMu.Lock()
	defer h.breakersMu.Unlock()

	if cb, ok := h.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	h.breakers[host] = cb
	return cb
}

// Execute expects actionSpec.Config to carry "method", "url", optionally
// "headers" (map[string]any) and "body" (string or JSON-able value).
func (h *HTTP) Execute(ctx context.Context, actionSpec model.ActionSpec, _ model.JSONObject, auth map[string]model.CredentialRef, reporter Reporter) (any, error) {
	method, _ := actionSpec.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	rawURL, _ := actionSpec.Config["url"].(string)
	if rawURL == "" {
		return nil, &Error{Kind: FailurePermanent, Message: "http: missing url"}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: FailurePermanent, Message: fmt.Sprintf("http: invalid url: %v", err)}
	}

	var bodyBytes []byte
	if body, ok := actionSpec.Config["body"]; ok {
		switch b := body.(type) {
		case string:
			bodyBytes = []byte(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, &Error{Kind: FailurePermanent, Message: fmt.Sprintf("http: encoding body: %v", err)}
			}
			bodyBytes = encoded
		}
	}

	if reporter != nil {
		_ = reporter.Report(ctx, model.EventActionStarted, "", model.StatusInProgress, model.JSONObject{"method": method, "url": rawURL})
	}

	type response struct {
		statusCode int
		headers    http.Header
		body       []byte
	}

	cb := h.breakerFor(parsed.Host)
	out, cbErr := cb.Execute(func() (interface{}, error) {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
		if err != nil {
			return nil, err
		}
		if headers, ok := actionSpec.Config["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
		for _, ref := range auth {
			if ref.Type == "bearer_token" {
				req.Header.Set("Authorization", "Bearer "+string(ref.Data))
			}
		}

		resp, err := h.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return response{resp.StatusCode, resp.Header, respBody}, fmt.Errorf("server error %d", resp.StatusCode)
		}
		return response{resp.StatusCode, resp.Header, respBody}, nil
	})

	if cbErr != nil {
		if cbErr == gobreaker.ErrOpenState || cbErr == gobreaker.ErrTooManyRequests {
			return nil, &Error{Kind: FailureTransient, Message: fmt.Sprintf("http: circuit open for %s", parsed.Host)}
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: FailurePermanent, Message: "http: cancelled"}
		}
		if resp, ok := out.(response); ok {
			// the breaker's Execute still returns the response alongside a
			// non-nil error for 5xx, so the caller sees the body even though
			// the call counted as a circuit-breaker failure.
			return map[string]any{
				"status_code": resp.statusCode,
				"headers":     flattenHeaders(resp.headers),
				"body":        string(resp.body),
			}, &Error{Kind: FailureTransient, Message: cbErr.Error()}
		}
		return nil, &Error{Kind: FailureTransient, Message: fmt.Sprintf("http: request failed: %v", cbErr)}
	}

	resp := out.(response)
	result := map[string]any{
		"status_code": resp.statusCode,
		"headers":     flattenHeaders(resp.headers),
		"body":        string(resp.body),
	}
	if resp.statusCode >= 400 {
		return result, &Error{Kind: FailurePermanent, Message: fmt.Sprintf("http: client error %d", resp.statusCode)}
	}
	return result, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
