package enrich

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/SirClappington/enrichq/internal/domain"
)

// Error is a provider failure classified for the retry policy.
type Error struct {
	Provider  string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// JobError converts err into the error recorded on the job row.
func JobError(err error) domain.JobError {
	var e *Error
	if errors.As(err, &e) {
		return domain.JobError{Message: e.Error(), Code: e.Code}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.JobError{Message: "processing timed out", Code: domain.CodeProviderTimeout}
	}
	return domain.JobError{Message: err.Error(), Code: domain.CodeProviderError}
}

// Retryable reports whether a failed attempt may be tried again.
// Unclassified errors are treated as transient.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

func permanent(provider, msg string) *Error {
	return &Error{Provider: provider, Code: domain.CodeProviderError, Message: msg}
}

// statusError classifies a non-2xx provider response: 429 and 5xx are retryable.
func statusError(provider string, status int, body string) *Error {
	e := &Error{Provider: provider, Status: status, Code: domain.CodeProviderError, Message: body}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		e.Retryable = true
	}
	return e
}

// transportError wraps a failed round trip. Timeouts keep their own code.
func transportError(provider string, err error) *Error {
	e := &Error{Provider: provider, Code: domain.CodeProviderError, Message: err.Error(), Retryable: true}
	if errors.Is(err, context.DeadlineExceeded) {
		e.Code = domain.CodeProviderTimeout
	}
	return e
}
