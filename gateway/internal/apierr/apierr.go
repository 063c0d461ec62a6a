// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package apierr is the gateway error taxonomy.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tapgate/tapgate/core/retry"
)

// Kind classifies an Error.
type Kind int

const (
	// InvalidInput is malformed or missing protocol input.  It is always a
	// hard failure.
	InvalidInput Kind = iota

	// Request is an upstream network or transport failure.
	Request

	// Validation is an upstream that was reached but rejected the request.
	Validation

	// Config is a missing or invalid configuration value.
	Config
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case Request:
		return "request error"
	case Validation:
		return "validation error"
	case Config:
		return "configuration error"
	default:
		return fmt.Sprintf("[unknown kind: %d]", int(k))
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code the error is reported with.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case InvalidInput, Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidInput returns an InvalidInput error.
func NewInvalidInput(format string, a ...interface{}) *Error {
	return &Error{Kind: InvalidInput, Msg: fmt.Sprintf(format, a...)}
}

// NewValidation returns a Validation error.
func NewValidation(msg string, err error) *Error {
	return &Error{Kind: Validation, Msg: msg, Err: err}
}

// NewRequest returns a Request error wrapping a transport failure.
func NewRequest(msg string, err error) *Error {
	return &Error{Kind: Request, Msg: msg, Err: err}
}

// NewConfig returns a Config error.
func NewConfig(format string, a ...interface{}) *Error {
	return &Error{Kind: Config, Msg: fmt.Sprintf(format, a...)}
}

// Is returns true iff err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNetwork returns true iff err is a Request error caused by a network or
// timeout failure, as opposed to a failure to decode a response.
func IsNetwork(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != Request {
		return false
	}
	return retry.IsTransientError(e.Err)
}

// StatusCode returns the HTTP status code for an arbitrary error.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
