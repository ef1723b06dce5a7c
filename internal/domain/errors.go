package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// FailureKind classifies a source failure; callers branch on the kind, never
// on message text.
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureTimeout    FailureKind = "timeout"
	FailureNetwork    FailureKind = "network"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureAPI        FailureKind = "api"
	FailureNotFound   FailureKind = "not_found"
	FailureCancelled  FailureKind = "cancelled"
	FailureUnknown    FailureKind = "unknown"
)

type SourceError struct {
	Source SourceID
	Kind   FailureKind
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func NewSourceError(source SourceID, kind FailureKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

// ClassifyError maps a transport-level error into the failure taxonomy.
// Errors that already carry a kind pass through unchanged.
func ClassifyError(source SourceID, err error) *SourceError {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &SourceError{Source: source, Kind: FailureCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &SourceError{Source: source, Kind: FailureTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &SourceError{Source: source, Kind: FailureTimeout, Err: err}
		}
		return &SourceError{Source: source, Kind: FailureNetwork, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &SourceError{Source: source, Kind: FailureNetwork, Err: err}
	}
	return &SourceError{Source: source, Kind: FailureUnknown, Err: err}
}

// ClassifyStatus maps a non-2xx upstream status into the failure taxonomy.
func ClassifyStatus(source SourceID, status int) *SourceError {
	kind := FailureAPI
	switch {
	case status == 429:
		kind = FailureRateLimit
	case status == 404:
		kind = FailureNotFound
	}
	return &SourceError{
		Source: source,
		Kind:   kind,
		Status: status,
		Err:    fmt.Errorf("upstream returned HTTP %d", status),
	}
}

// KindOf extracts the failure kind from any error, unwrapping as needed.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}
	return FailureUnknown
}

func IsKind(err error, kind FailureKind) bool {
	return KindOf(err) == kind
}
