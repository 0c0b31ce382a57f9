package providers

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentflow/gateway/types"
)

// MapHTTPError classifies an upstream HTTP failure into the gateway's
// error taxonomy. 401/403 map to auth errors, 404 to model-not-found,
// 429 to rate limiting, 5xx to transient upstream errors; everything
// else is treated as a permanent upstream error.
func MapHTTPError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrAuthentication, msg).WithHTTPStatus(http.StatusUnauthorized).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(http.StatusForbidden).WithProvider(provider)
	case http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).WithHTTPStatus(http.StatusNotFound).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true).WithProvider(provider)
	case http.StatusRequestEntityTooLarge:
		return types.NewError(types.ErrContextTooLong, msg).WithHTTPStatus(status).WithProvider(provider)
	default:
		if status >= 500 {
			return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
		}
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithProvider(provider)
	}
}

// ReadErrorMessage drains and best-effort extracts a human-readable
// message from an upstream error response body. It never fails: on
// decode error it falls back to the raw body text.
func ReadErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return ""
	}
	var generic struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &generic); err == nil {
		if generic.Error.Message != "" {
			return generic.Error.Message
		}
		if generic.Message != "" {
			return generic.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// SafeCloseBody closes an HTTP response body, discarding the error. Safe
// to call with a nil body.
func SafeCloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_ = body.Close()
}

// SSEReader scans an SSE body into raw "data: ..." payloads, skipping
// blank lines and comment lines (lines beginning with ":"). It does not
// interpret "event:" framing; callers that need typed events (Anthropic)
// read the event type from the "type" field of the JSON payload.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps body in a line-oriented SSE scanner.
func NewSSEReader(body io.Reader) *SSEReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &SSEReader{scanner: sc}
}

// Next returns the next non-empty "data:" payload, with the prefix and
// surrounding whitespace stripped. It returns io.EOF when the stream
// ends without another data line.
func (r *SSEReader) Next() (string, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		return payload, nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Config is the connection configuration shared by every vendor adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ChooseModel resolves the wire model name: an explicit per-request
// model wins, otherwise the provider's configured default is used.
func ChooseModel(requested, configured string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return configured
}
