package platform

import (
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
)

// ErrUnsupported is returned when an adapter cannot carry a message, for
// example an image on a text-only platform.
var ErrUnsupported = errors.New("platform: unsupported")

// SendFailure wraps a vendor error from Send.
type SendFailure struct {
	Platform  models.Platform
	Retryable bool
	Err       error
}

func (e *SendFailure) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s send failure: %v", e.Platform, kind, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a non-retryable send failure.
func Permanent(p models.Platform, err error) error {
	return &SendFailure{Platform: p, Err: err}
}

// Transient wraps err as a retryable send failure.
func Transient(p models.Platform, err error) error {
	return &SendFailure{Platform: p, Retryable: true, Err: err}
}

// IsRetryable reports whether err is a transient send failure.
func IsRetryable(err error) bool {
	var sf *SendFailure
	return errors.As(err, &sf) && sf.Retryable
}

// HTTPFailure classifies an HTTP status from a vendor API: rate limiting
// and server errors are transient, everything else permanent.
func HTTPFailure(p models.Platform, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, body)
	if status == 429 || status >= 500 {
		return Transient(p, err)
	}
	return Permanent(p, err)
}
