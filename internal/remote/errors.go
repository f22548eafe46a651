package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrConflict          = errors.New("remote conflict")
	ErrRejected          = errors.New("remote rejected request")
	ErrTransient         = errors.New("remote temporarily unavailable")
	ErrMalformedResponse = errors.New("malformed response")
	ErrCorrupt           = errors.New("corrupt local record")
)

type Kind int

const (
	KindTransient Kind = iota
	KindRejected
	KindConflict
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindConflict:
		return "conflict"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Path       string

	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrTransient:
		return retryableStatus(e.StatusCode)
	case ErrRejected:
		return !retryableStatus(e.StatusCode) && e.StatusCode != http.StatusConflict
	}
	return false
}

// ConflictError is a per-record conflict verdict from a push.
type ConflictError struct {
	EntityType string
	EntityID   string
	Message    string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conflict for %s/%s", e.EntityType, e.EntityID)
	}
	return fmt.Sprintf("conflict for %s/%s: %s", e.EntityType, e.EntityID, e.Message)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RejectionError is a per-record rejection verdict from a push.
type RejectionError struct {
	EntityType string
	EntityID   string
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected %s/%s %s: %s", e.EntityType, e.EntityID, e.Code, e.Message)
	}
	return fmt.Sprintf("rejected %s/%s: %s", e.EntityType, e.EntityID, e.Message)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// retryableStatus covers server faults, throttling and auth failures.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return code >= 500
}

// Classify maps a request error to the failure taxonomy. Anything that is not
// a verdict (dial errors, timeouts, resets, bad bodies) is transient.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRejected):
		return KindRejected
	default:
		return KindTransient
	}
}

// IsCancellation reports whether err only reflects the caller giving up.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
