// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShutdown is returned by publisher operations after Shutdown.
var ErrShutdown = errors.New("publisher is shut down")

// RetryableError marks a retrieval failure the source considers
// transient: the connection is gone, but a re-subscribe is expected to
// succeed. Anything else is treated as a generic failure.
type RetryableError struct {
	Message string
	Cause   error
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// NewRetryableError wraps err as a retryable retrieval failure.
func NewRetryableError(msg string, cause error) *RetryableError {
	return &RetryableError{Message: msg, Cause: cause}
}

// readTimeoutMarker is the message fragment identifying a read timeout.
// Sources emitting retryable timeouts must include it.
const readTimeoutMarker = "ReadTimeout"

// IsReadTimeout reports whether err is a timeout-class retrieval
// failure: retryable AND its message indicates a read timeout. Only such
// failures are eligible for log suppression.
func IsReadTimeout(err error) bool {
	var re *RetryableError
	if !errors.As(err, &re) {
		return false
	}
	return strings.Contains(err.Error(), readTimeoutMarker)
}
