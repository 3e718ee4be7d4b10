// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// Convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}

// IsGuardrail reports whether err is (or wraps) a GuardrailError.
func IsGuardrail(err error) bool {
	var gr *GuardrailError
	return errors.As(err, &gr)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsCancelled reports whether err is (or wraps) a CancelledError or the
// context cancellation sentinel.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether the error class is eligible for the node
// retry policy. Validation failures, unknown references, guardrail
// denials, and cancellations are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if IsNotFound(err) || IsGuardrail(err) || IsCancelled(err) {
		return false
	}
	return true
}

// Code returns a short machine-readable code for the error class,
// suitable for error envelopes on the event stream.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsGuardrail(err):
		return "guardrail_violation"
	case IsTimeout(err):
		return "timeout"
	case IsNotFound(err):
		return "not_found"
	case IsTransport(err):
		return "transport"
	case IsCancelled(err):
		return "cancelled"
	default:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return "validation"
		}
		return "internal"
	}
}
