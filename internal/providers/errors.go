package providers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"
)

// ErrorKind is the coarse class of an LLM failure that decides retry.
type ErrorKind string

const (
	KindRateLimit  ErrorKind = "rate_limit"
	KindTimeout    ErrorKind = "timeout"
	KindAPIError   ErrorKind = "api_error"
	KindConnection ErrorKind = "connection"
	KindOther      ErrorKind = "other"
)

// Classify maps err to an ErrorKind. Order matters: a deadline inside a
// dial is a timeout, not a connection failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return KindRateLimit
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return KindTimeout
		case code >= 500:
			return KindAPIError
		}
		return KindOther
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindConnection
	}
	return KindOther
}
