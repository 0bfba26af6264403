package download

import (
	"errors"
	"fmt"
)

// ErrMissingRealm is returned when a Bearer challenge carries no realm to
// request a token from.
var ErrMissingRealm = errors.New("auth challenge has no realm")

// HTTPError represents a non-success HTTP response from an upstream.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("http error %d from %s: %s", e.StatusCode, e.URL, e.Status)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 404
}

// SizeExceededError is returned when a body grows past the cap of its
// content class. Nothing from that body is kept.
type SizeExceededError struct {
	Class ContentClass
	Limit int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("%s body size exceeded the maximum allowed size of %d bytes", e.Class, e.Limit)
}
