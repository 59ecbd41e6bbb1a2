package dolibarr

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

var (
	// ErrNotFound is returned by FetchByID when the upstream has no such record.
	ErrNotFound = fmt.Errorf("dolibarr: %w", httpx.ErrNotFound)
	// ErrInvalidRequest flags arguments rejected before any network call.
	ErrInvalidRequest = fmt.Errorf("dolibarr: %w", httpx.ErrValidation)
	// ErrUnavailable matches every *UpstreamUnavailableError.
	ErrUnavailable = fmt.Errorf("dolibarr: %w", httpx.ErrUnavailable)
	// ErrMalformed matches every *UpstreamDataError.
	ErrMalformed = errors.New("dolibarr: malformed upstream field")
)

// UpstreamUnavailableError reports that the upstream could not be reached
// after all retry attempts.
type UpstreamUnavailableError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("dolibarr: %s unavailable after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match, and through it httpx.ErrUnavailable.
func (e *UpstreamUnavailableError) Is(target error) bool { return errors.Is(ErrUnavailable, target) }

// UpstreamDataError identifies a field whose raw value could not be normalized.
type UpstreamDataError struct {
	Field string
	Raw   string
	Err   error
}

func (e *UpstreamDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dolibarr: field %s: malformed value %q: %v", e.Field, e.Raw, e.Err)
	}
	return fmt.Sprintf("dolibarr: field %s: malformed value %q", e.Field, e.Raw)
}

func (e *UpstreamDataError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) match.
func (e *UpstreamDataError) Is(target error) bool { return errors.Is(ErrMalformed, target) }

// RequestError is a non-retryable 4xx answer.
type RequestError struct {
	Resource string
	Status   int
	Body     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dolibarr: %s: HTTP %d: %s", e.Resource, e.Status, e.Body)
}
