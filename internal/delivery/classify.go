package delivery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Class is the outcome category of one attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient_failure"
	default:
		return "permanent_failure"
	}
}

// Reasons recorded alongside outcomes and retry metrics.
const (
	ReasonOK                = "http_2xx"
	ReasonRedirect          = "http_3xx"
	ReasonClientError       = "http_4xx"
	ReasonTooManyRequests   = "http_429"
	ReasonServerError       = "http_5xx"
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonRateLimited       = "rate_limited"
	ReasonBlockedTarget     = "blocked_target"
	ReasonEndpointDeleted   = "endpoint_deleted"
	ReasonMaxAttempts       = "max_attempts_exceeded"
)

// Outcome is the classified result of one attempt.
type Outcome struct {
	Class      Class
	Reason     string
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body
	Err        error
	Latency    time.Duration
}

// Failure returns the typed error for a failed outcome, nil on success.
func (o Outcome) Failure() error {
	switch o.Class {
	case ClassTransient:
		return &TransientError{Reason: o.Reason, StatusCode: o.StatusCode, Err: o.Err}
	case ClassPermanent:
		return &PermanentError{Reason: o.Reason, StatusCode: o.StatusCode, Err: o.Err}
	default:
		return nil
	}
}

// ErrorText is the message stored with the attempt.
func (o Outcome) ErrorText() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Class != ClassSuccess:
		return o.Reason
	default:
		return ""
	}
}

// ClassifyStatus maps an HTTP status: 2xx success, 429 and 5xx transient,
// every other status (3xx, 4xx, 1xx) permanent.
func ClassifyStatus(status int) (Class, string) {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess, ReasonOK
	case status == http.StatusTooManyRequests:
		return ClassTransient, ReasonTooManyRequests
	case status >= 500:
		return ClassTransient, ReasonServerError
	case status >= 300 && status < 400:
		return ClassPermanent, ReasonRedirect
	case status >= 400:
		return ClassPermanent, ReasonClientError
	default:
		return ClassPermanent, "http_" + strconv.Itoa(status)
	}
}

// ClassifyError maps a transport error. Every transport failure is
// transient except an SSRF rejection, which is permanent.
func ClassifyError(err error) (Class, string) {
	if errors.Is(err, ErrBlockedTarget) {
		return ClassPermanent, ReasonBlockedTarget
	}
	return ClassTransient, transportReason(err)
}

func transportReason(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.As(err, &dnsErr):
		return ReasonDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"):
		return ReasonTimeout
	case strings.Contains(lower, "connection refused"):
		return ReasonConnectionRefused
	case strings.Contains(lower, "no such host"):
		return ReasonDNS
	}
	return ReasonNetwork
}

// ErrBlockedTarget is returned by the guarded dialer when a host resolves
// to a private or otherwise non-public address.
var ErrBlockedTarget = errors.New("target resolves to a blocked address")

// Truncate bounds a response body for storage.
func Truncate(b []byte, limit int) string {
	if limit <= 0 || len(b) <= limit {
		return string(b)
	}
	return string(b[:limit])
}
