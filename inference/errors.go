package inference

import (
	"errors"
	"fmt"
	"time"

	"lecnotes/credentials"
)

var (
	// ErrNoCredentialAvailable is returned when the pool has nothing left
	// to try for the model.
	ErrNoCredentialAvailable = credentials.ErrNoCredentialAvailable
	// ErrTransientRequestFailure is returned when every credential failed
	// with network errors, timeouts or server errors after local retries.
	ErrTransientRequestFailure = errors.New("inference: transient request failure")
	// ErrMediaUploadFailure is returned when uploaded media never became
	// usable by the service.
	ErrMediaUploadFailure = errors.New("inference: media upload failed")
)

// QuotaError reports that a credential ran out of quota for a model.
type QuotaError struct {
	Credential string
	Model      string
	RetryAfter time.Duration
	Err        error
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("inference: quota exhausted for %s on %s (retry after %v): %v", e.Credential, e.Model, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("inference: quota exhausted for %s on %s: %v", e.Credential, e.Model, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// RequestError wraps the final failure of Ask with the model and the last
// credential tried.
type RequestError struct {
	Model      string
	Credential string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Credential != "" {
		return fmt.Sprintf("inference: %s via %s: %v", e.Model, e.Credential, e.Err)
	}
	return fmt.Sprintf("inference: %s: %v", e.Model, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
