package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Classification tags the structural cause of a failed attempt.
type Classification string

// Failure classes.
const (
	ClassNetwork           Classification = "network"
	ClassHTTP              Classification = "http"
	ClassNavigationTimeout Classification = "navigation_timeout"
	ClassSelectorTimeout   Classification = "selector_timeout"
	ClassRedirectLimit     Classification = "redirect_limit_exceeded"
	ClassConfiguration     Classification = "configuration"
)

// Terminal reports whether failures of this class skip retry evaluation.
func (c Classification) Terminal() bool {
	return c == ClassRedirectLimit || c == ClassConfiguration
}

// maxBodyExcerpt bounds the response body kept on an Error.
const maxBodyExcerpt = 64 << 10

// ErrRedirectLimit marks a redirect chain longer than the request allows.
var ErrRedirectLimit = errors.New("redirect limit exceeded")

// Error is a classified attempt failure.
type Error struct {
	Class      Classification
	StatusCode int
	StatusText string
	Message    string
	Body       string
	Headers    http.Header
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError wraps a transport-level failure.
func NetworkError(err error) *Error {
	return &Error{
		Class:   ClassNetwork,
		Message: fmt.Sprintf("Network error: %v", err),
		Err:     err,
	}
}

// HTTPError describes a non-success response.
func HTTPError(status int, headers http.Header, body []byte) *Error {
	return &Error{
		Class:      ClassHTTP,
		StatusCode: status,
		StatusText: http.StatusText(status),
		Message:    fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
		Body:       Excerpt(body),
		Headers:    headers,
	}
}

// RedirectNotFollowed describes a 3xx returned while redirects are disabled.
func RedirectNotFollowed(status int, headers http.Header) *Error {
	return &Error{
		Class:      ClassHTTP,
		StatusCode: status,
		StatusText: http.StatusText(status),
		Message:    fmt.Sprintf("redirect not followed: %d %s", status, http.StatusText(status)),
		Headers:    headers,
	}
}

// RedirectLimitError reports that more than limit redirects were seen.
func RedirectLimitError(limit int) *Error {
	return &Error{
		Class:   ClassRedirectLimit,
		Message: fmt.Sprintf("Maximum redirect limit (%d) exceeded", limit),
		Err:     ErrRedirectLimit,
	}
}

// ConfigurationError reports a malformed request, proxy or policy.
func ConfigurationError(err error) *Error {
	return &Error{
		Class:   ClassConfiguration,
		Message: fmt.Sprintf("configuration error: %v", err),
		Err:     err,
	}
}

// Classify converts any error into an *Error, treating unknown errors as network failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrRedirectLimit) {
		return &Error{Class: ClassRedirectLimit, Message: err.Error(), Err: err}
	}
	return NetworkError(err)
}

// Terminal reports whether err must bypass the retry engine.
func Terminal(err error) bool {
	fe := Classify(err)
	return fe != nil && fe.Class.Terminal()
}

// Excerpt returns body as text when it is valid UTF-8, truncated to a bounded size.
func Excerpt(body []byte) string {
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	if !utf8.Valid(body) {
		return ""
	}
	return string(body)
}
