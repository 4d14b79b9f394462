package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
)

// Reason says why a backend request failed. It decides whether the session
// retries the model call and what the user is told.
type Reason string

const (
	ReasonRateLimit        Reason = "rate_limit"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonAuth             Reason = "auth"
	ReasonBilling          Reason = "billing"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// Kind maps the reason onto the agent failure taxonomy. ReasonUnknown maps to
// "" so agent.ClassifyError falls through to the wrapped cause.
func (r Reason) Kind() agent.ErrorKind {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return agent.KindTransientNetwork
	case ReasonAuth, ReasonBilling:
		return agent.KindAuthFailure
	case ReasonInvalidRequest, ReasonModelUnavailable, ReasonContentFilter:
		return agent.KindUnknown
	}
	return ""
}

// Retryable reports whether the same request may succeed later.
func (r Reason) Retryable() bool {
	return r.Kind() == agent.KindTransientNetwork
}

// ProviderError is a failed backend request with the context needed to
// classify it and to report it.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	RequestID string
	Message   string
	Cause     error
}

// NewProviderError wraps cause, classifying it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = ClassifyError(cause)
	}
	return e
}

func (e *ProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&sb, " (%s)", e.Model)
	}
	fmt.Fprintf(&sb, ": %s", e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, " code=%s", e.Code)
	}
	switch {
	case e.Message != "":
		sb.WriteString(": " + e.Message)
	case e.Cause != nil:
		sb.WriteString(": " + e.Cause.Error())
	}
	if e.RequestID != "" {
		fmt.Fprintf(&sb, " [request %s]", e.RequestID)
	}
	return sb.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrorKind implements the interface agent.ClassifyError looks for.
func (e *ProviderError) ErrorKind() agent.ErrorKind { return e.Reason.Kind() }

// WithStatus records the HTTP status, which outranks text classification.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := reasonForStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a backend error code and reclassifies on a known one.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason, ok := reasonByCode[strings.ToLower(code)]; ok {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// GetProviderError finds a ProviderError in err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// textPatterns classify errors that carry no structured status. Order
// matters: the first group with a matching fragment wins.
var textPatterns = []struct {
	reason    Reason
	fragments []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{ReasonContentFilter, []string{"content_filter", "content policy", "safety", "blocked"}},
	{ReasonModelUnavailable, []string{"model not found", "model_not_found", "does not exist", "unavailable"}},
	{ReasonServerError, []string{"internal server", "overloaded", "server error", "500", "502", "503", "504"}},
}

// ClassifyError derives a Reason from err. Deadline and network timeout
// errors are recognized by type; everything else by message text.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	text := strings.ToLower(err.Error())
	for _, p := range textPatterns {
		for _, fragment := range p.fragments {
			if strings.Contains(text, fragment) {
				return p.reason
			}
		}
	}
	return ReasonUnknown
}

func reasonForStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

var reasonByCode = map[string]Reason{
	"rate_limit_error":         ReasonRateLimit,
	"rate_limit_exceeded":      ReasonRateLimit,
	"overloaded_error":         ReasonServerError,
	"api_error":                ReasonServerError,
	"server_error":             ReasonServerError,
	"internal_error":           ReasonServerError,
	"authentication_error":     ReasonAuth,
	"permission_error":         ReasonAuth,
	"invalid_api_key":          ReasonAuth,
	"billing_error":            ReasonBilling,
	"insufficient_quota":       ReasonBilling,
	"model_not_found":          ReasonModelUnavailable,
	"model_not_available":      ReasonModelUnavailable,
	"not_found_error":          ReasonModelUnavailable,
	"content_policy_violation": ReasonContentFilter,
	"content_filter":           ReasonContentFilter,
	"invalid_request_error":    ReasonInvalidRequest,
	"request_too_large":        ReasonInvalidRequest,
}
