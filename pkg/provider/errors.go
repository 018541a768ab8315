// Package provider holds what every capability provider (STT, LLM, TTS, VAD)
// shares: the transient / permanent error taxonomy that pipeline stages use to
// decide between retrying a call and failing the whole pipeline.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTransient marks an error that may succeed on retry: network hiccups,
	// rate limiting, upstream overload.
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks an error that will fail again on retry: bad
	// credentials, unsupported input, malformed requests.
	ErrPermanent = errors.New("permanent provider error")
)

// classified wraps an error with a class sentinel while keeping the original
// chain intact for errors.Is / errors.As.
type classified struct {
	class error
	err   error
}

func (c *classified) Error() string   { return c.err.Error() }
func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, err: err}
}

// Permanent marks err as not retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// IsTransient reports whether err should be retried. Explicitly classified
// errors win; otherwise network errors and deadline expiry of a single call
// are transient. Context cancellation is never transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent):
		return false
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Retryable reports whether a caller may try err again. Unlike [IsTransient]
// it gives unclassified errors the benefit of the doubt: only errors marked
// permanent and context cancellation stop a retry loop.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent) && !errors.Is(err, context.Canceled)
}

// FromHTTPStatus classifies a non-2xx HTTP status returned by a provider API.
// 408, 425, 429 and 5xx are transient; everything else is permanent.
func FromHTTPStatus(status int, err error) error {
	if err == nil {
		err = fmt.Errorf("unexpected status %d %s", status, http.StatusText(status))
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
