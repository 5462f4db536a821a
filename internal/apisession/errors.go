// Package apisession issues authenticated provider API calls and classifies their failures.
package apisession

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed provider call.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindUnauthorized
	KindForbidden
	KindInvalidGrant
	KindMissingConfig
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindMissingConfig:
		return "missing_config"
	default:
		return "other"
	}
}

// Disconnects reports whether repeated failures of this kind should disconnect the org.
func (k Kind) Disconnects() bool {
	switch k {
	case KindUnauthorized, KindForbidden, KindInvalidGrant, KindMissingConfig:
		return true
	default:
		return false
	}
}

// Error is the typed outcome of a failed provider call.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("apisession: %s (status %d) calling %s", e.Kind, e.Status, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("apisession: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("apisession: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of a provider error anywhere in the chain.
func KindOf(err error) (Kind, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return KindOther, false
}

// IsDisconnect reports whether err is a disconnect-class provider error.
func IsDisconnect(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Disconnects()
}

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRateLimited
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	default:
		return KindOther
	}
}

func missingConfig(format string, args ...any) error {
	return &Error{Kind: KindMissingConfig, Err: fmt.Errorf(format, args...)}
}
