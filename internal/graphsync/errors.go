package graphsync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

var (
	ErrPageCeiling   = errors.New("page ceiling reached before the last page")
	ErrMissingCursor = errors.New("next page reported without a cursor")
	ErrUnknownParent = errors.New("repository not synced locally")
	ErrBadRepository = errors.New("repository must be owner/name")
	ErrNotPaginated  = errors.New("collection is not paginated")
)

const errRateLimitedAPI = "RATE_LIMITED"

// APIError is a failure reported by the remote API, either as an HTTP
// status or as a GraphQL error entry.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Type != "":
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Type, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	case e.Type != "":
		return fmt.Sprintf("api error %s: %s", e.Type, e.Message)
	default:
		return "api error: " + e.Message
	}
}

func (e *APIError) Is(target error) bool {
	switch target {
	case mirror.ErrRateLimited:
		return e.rateLimited()
	case mirror.ErrUnauthorized:
		if e.rateLimited() {
			return false
		}
		return e.StatusCode == http.StatusUnauthorized ||
			e.StatusCode == http.StatusForbidden ||
			strings.Contains(strings.ToLower(e.Message), "bad credentials")
	}
	return false
}

func (e *APIError) rateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.Type == errRateLimitedAPI ||
		isRateLimitMessage(e.Message)
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit exceeded") ||
		strings.Contains(lower, "secondary rate limit") ||
		strings.Contains(lower, "rate limit already exceeded")
}

// statusTransport turns failed HTTP statuses into APIError so callers can
// classify them with errors.Is through the GraphQL client's wrapping.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < 400 {
		return resp, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// classifyError keeps typed errors and wraps GraphQL error entries, which
// the client reports as plain messages, into APIError.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	msg := err.Error()
	switch {
	case isRateLimitMessage(msg):
		return &APIError{Type: errRateLimitedAPI, Message: msg}
	case strings.Contains(strings.ToLower(msg), "bad credentials"):
		return &APIError{StatusCode: http.StatusUnauthorized, Message: msg}
	}
	return err
}
