// Package gateway submits single-field versioned writes to the backing store and classifies the result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
)

// OutcomeKind classifies the result of a store call. The values double as the wire failure kinds.
type OutcomeKind string

const (
	// OutcomeCommitted reports that the store accepted the write.
	OutcomeCommitted OutcomeKind = "committed"
	// OutcomeConflict reports a failed version precondition.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeValidationRejected reports that the store refused the value.
	OutcomeValidationRejected OutcomeKind = "validation"
	// OutcomeNetworkError reports a transient transport failure.
	OutcomeNetworkError OutcomeKind = "network"
	// OutcomeUnauthorized reports a permission denial.
	OutcomeUnauthorized OutcomeKind = "unauthorized"
	// OutcomeUnknown covers unclassified store failures.
	OutcomeUnknown OutcomeKind = "unknown"
)

// Outcome is the classified result of a write or fetch.
type Outcome struct {
	Kind   OutcomeKind
	Row    rows.Row
	HasRow bool
	Reason string
}

// Committed reports whether the call succeeded.
func (o Outcome) Committed() bool {
	return o.Kind == OutcomeCommitted
}

// Message renders the failure for display next to a cell.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeCommitted:
		return ""
	case OutcomeConflict:
		if o.Reason != "" {
			return "conflict: " + o.Reason
		}
		return "conflict: row was changed by someone else"
	case OutcomeValidationRejected:
		return "rejected: " + o.Reason
	case OutcomeNetworkError:
		if o.Reason != "" {
			return "network error: " + o.Reason
		}
		return "network error"
	case OutcomeUnauthorized:
		return "not authorized"
	default:
		if o.Reason != "" {
			return "error: " + o.Reason
		}
		return "unknown error"
	}
}

// StoreError is a classified failure returned by a Store.
type StoreError struct {
	Kind   OutcomeKind
	Detail string
	Status int
}

func (e *StoreError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("store %s (%d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("store %s: %s", e.Kind, e.Detail)
}

// KindForStatus maps an HTTP status onto an outcome kind for responses without a structured body.
func KindForStatus(status int) OutcomeKind {
	switch {
	case status >= 200 && status < 300:
		return OutcomeCommitted
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return OutcomeConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return OutcomeValidationRejected
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return OutcomeNetworkError
	default:
		return OutcomeUnknown
	}
}

// classify turns a store error into an outcome.
func classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeCommitted}
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return Outcome{Kind: storeErr.Kind, Reason: storeErr.Detail}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeNetworkError, Reason: err.Error()}
	}
	return Outcome{Kind: OutcomeUnknown, Reason: err.Error()}
}
