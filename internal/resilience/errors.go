// Package resilience classifies upstream failures and retries the transient
// ones with exponential backoff.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// HTTPError is a non-2xx response from an upstream API. The body is kept so
// the failed request can be replayed and diagnosed from the error ledger.
type HTTPError struct {
	API        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.API, e.StatusCode, body)
}

// Transient reports whether the status is worth retrying.
func (e *HTTPError) Transient() bool {
	return IsTransientHTTPStatus(e.StatusCode)
}

// StatusOf extracts the HTTP status carried anywhere in err's chain.
func StatusOf(err error) (int, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode, true
	}
	return 0, false
}

// BodyOf extracts the response body carried anywhere in err's chain.
func BodyOf(err error) string {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Body
	}
	return ""
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	status, ok := StatusOf(err)
	return ok && status == 429
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient returns true for retryable HTTP statuses, network timeouts and
// connection-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return he.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for 408, 429 and the 5xx gateway family.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
