package starlink

import (
	"errors"
	"fmt"
)

// ErrTooManyPages is returned when a paginated fetch has not reached its last page after
// the configured maximum number of pages.
var ErrTooManyPages = errors.New("pagination exceeded maximum page count")

// AuthError reports a failure to obtain an access token from the identity endpoint.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("failed to obtain access token: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RequestError reports a failed API call. StatusCode is zero when no response was received.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
