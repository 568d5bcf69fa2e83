package inference

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrInterrupted is matched by errors.Is for failures that cut a stream short.
var ErrInterrupted = errors.New("stream interrupted")

// APIError is a non-2xx answer of the model provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return e.Message
}

// InterruptedError wraps a read failure in the middle of a stream.
type InterruptedError struct {
	Err error
}

func (e *InterruptedError) Error() string {
	return "stream interrupted: " + e.Err.Error()
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

func (e *InterruptedError) Is(target error) bool {
	return target == ErrInterrupted
}

// ErrorMessage returns the human readable message of err, preferring the
// provider's own message for API errors.
func ErrorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	var interrupted *InterruptedError
	if errors.As(err, &interrupted) {
		return ErrorMessage(interrupted.Err)
	}
	return err.Error()
}
